package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownbet/internal/domain"
	"github.com/alanyoungcy/updownbet/internal/store/sqlite"
)

// memBlob is an in-memory object store.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	failPut string
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if m.failPut != "" && strings.Contains(path, m.failPut) {
		return errors.New("upload refused")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	return nil
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) batches() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for k, v := range m.objects {
		if strings.HasSuffix(k, ".jsonl") {
			out[k] = v
		}
	}
	return out
}

type recordingAudit struct {
	events []string
}

func (a *recordingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func seedTerminal(t *testing.T, s *sqlite.Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		w := domain.Wager{
			ID: id, PartyID: "alice", Direction: domain.DirectionUp,
			Amount: decimal.NewFromInt(10), Token: "USDC", Instrument: "BTCUSD",
			DurationSec: 30, LockedPrice: decimal.NewFromInt(64000), LockedAt: time.Now(),
			Status: domain.WagerStatusPending, CreatedAt: time.Now(),
		}
		require.NoError(t, s.Create(ctx, w))
		w.Status = domain.WagerStatusCancelled
		w.Result = domain.ResultCancelled
		require.NoError(t, s.UpdateTransition(ctx, id, domain.WagerStatusPending, w))
	}
}

func newExporter(t *testing.T, batch int) (*Exporter, *sqlite.Store, *memBlob, *recordingAudit) {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	blob := newMemBlob()
	audit := &recordingAudit{}
	e := New(Config{BatchSize: batch, OlderThan: time.Minute}, s, blob, blob, audit, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.now = func() time.Time { return time.Now().Add(time.Hour) }
	return e, s, blob, audit
}

func TestExporter_ExportsInBatchesAndResumes(t *testing.T) {
	e, s, blob, audit := newExporter(t, 2)
	seedTerminal(t, s, "w1", "w2", "w3")
	ctx := context.Background()

	n, err := e.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, blob.batches(), 2)
	assert.Equal(t, []string{"archive_wagers", "archive_wagers"}, audit.events)

	var ids []string
	for _, body := range blob.batches() {
		sc := bufio.NewScanner(bytes.NewReader(body))
		for sc.Scan() {
			var rec map[string]any
			require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
			ids = append(ids, rec["id"].(string))
			assert.Equal(t, "CANCELLED", rec["status"])
		}
	}
	assert.ElementsMatch(t, []string{"w1", "w2", "w3"}, ids)

	n, err = e.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	seedTerminal(t, s, "w4")
	n, err = e.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "w1")
	assert.NoError(t, err)
}

func TestExporter_SkipsRecentAndOpenWagers(t *testing.T) {
	e, s, blob, _ := newExporter(t, 10)
	seedTerminal(t, s, "old")
	e.now = time.Now
	e.cfg.OlderThan = time.Hour

	n, err := e.ExportOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, blob.batches())
}

func TestExporter_UploadFailureKeepsCursor(t *testing.T) {
	e, s, blob, _ := newExporter(t, 10)
	seedTerminal(t, s, "w1")
	blob.failPut = ".jsonl"

	_, err := e.ExportOnce(context.Background())
	assert.ErrorContains(t, err, "upload refused")

	blob.failPut = ""
	n, err := e.ExportOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
