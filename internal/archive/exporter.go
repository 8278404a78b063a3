// Package archive copies terminal wagers to object storage as JSONL. Rows
// are never deleted from the primary store; a cursor object records how far
// the export has progressed.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/updownbet/internal/domain"
	"github.com/alanyoungcy/updownbet/internal/metrics"
)

const contentType = "application/x-ndjson"

// TerminalLister is the slice of domain.WagerStore the exporter reads.
type TerminalLister interface {
	ListTerminalAfter(ctx context.Context, cursor domain.ArchiveCursor, before time.Time, limit int) ([]domain.Wager, error)
}

// Config controls the export cadence.
type Config struct {
	Prefix    string
	Interval  time.Duration
	OlderThan time.Duration
	BatchSize int
}

// Exporter uploads batches of terminal wagers older than OlderThan.
type Exporter struct {
	cfg     Config
	store   TerminalLister
	writer  domain.BlobWriter
	reader  domain.BlobReader
	audit   domain.AuditStore
	metrics *metrics.Collectors
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an Exporter. audit and m may be nil.
func New(cfg Config, store TerminalLister, writer domain.BlobWriter, reader domain.BlobReader,
	audit domain.AuditStore, m *metrics.Collectors, logger *slog.Logger) *Exporter {
	if cfg.Prefix == "" {
		cfg.Prefix = "archive/wagers"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.OlderThan <= 0 {
		cfg.OlderThan = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Exporter{
		cfg:     cfg,
		store:   store,
		writer:  writer,
		reader:  reader,
		audit:   audit,
		metrics: m,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "archive")),
	}
}

// Run exports once immediately and then on every interval until ctx ends.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		if n, err := e.ExportOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.ErrorContext(ctx, "archive export failed",
				slog.Int("exported", n),
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			e.logger.InfoContext(ctx, "archive export done", slog.Int("exported", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ExportOnce drains every batch available now and returns how many wagers
// were uploaded.
func (e *Exporter) ExportOnce(ctx context.Context) (int, error) {
	cursor, err := e.loadCursor(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-e.cfg.OlderThan)

	total := 0
	for {
		batch, err := e.store.ListTerminalAfter(ctx, cursor, cutoff, e.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("archive: list terminal: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		path := e.batchPath(batch[0])
		body, err := marshalJSONL(toRecords(batch))
		if err != nil {
			return total, fmt.Errorf("archive: encode batch: %w", err)
		}
		if err := e.writer.Put(ctx, path, bytes.NewReader(body), contentType); err != nil {
			return total, fmt.Errorf("archive: upload %s: %w", path, err)
		}

		last := batch[len(batch)-1]
		cursor = domain.ArchiveCursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
		if err := e.saveCursor(ctx, cursor); err != nil {
			return total, err
		}
		total += len(batch)
		e.metrics.WagersArchived(len(batch))
		e.auditBatch(ctx, path, len(batch), cutoff)

		if len(batch) < e.cfg.BatchSize {
			return total, nil
		}
	}
}

func (e *Exporter) cursorPath() string {
	return e.cfg.Prefix + "/_cursor.json"
}

// batchPath is deterministic in the first row so a retried batch overwrites
// its earlier upload.
func (e *Exporter) batchPath(first domain.Wager) string {
	ts := first.UpdatedAt.UTC()
	return fmt.Sprintf("%s/%s/%d-%s.jsonl", e.cfg.Prefix, ts.Format("2006-01-02"), ts.UnixNano(), first.ID)
}

func (e *Exporter) loadCursor(ctx context.Context) (domain.ArchiveCursor, error) {
	var cur domain.ArchiveCursor
	rc, err := e.reader.Get(ctx, e.cursorPath())
	if errors.Is(err, domain.ErrNotFound) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("archive: read cursor: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return cur, fmt.Errorf("archive: read cursor: %w", err)
	}
	if err := json.Unmarshal(data, &cur); err != nil {
		return cur, fmt.Errorf("archive: decode cursor: %w", err)
	}
	return cur, nil
}

func (e *Exporter) saveCursor(ctx context.Context, cur domain.ArchiveCursor) error {
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("archive: encode cursor: %w", err)
	}
	if err := e.writer.Put(ctx, e.cursorPath(), bytes.NewReader(data), "application/json"); err != nil {
		return fmt.Errorf("archive: write cursor: %w", err)
	}
	return nil
}

func (e *Exporter) auditBatch(ctx context.Context, path string, n int, cutoff time.Time) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, "archive_wagers", map[string]any{
		"path":   path,
		"count":  n,
		"before": cutoff.UTC().Format(time.RFC3339),
	}); err != nil {
		e.logger.WarnContext(ctx, "archive audit failed", slog.String("error", err.Error()))
	}
}

// marshalJSONL encodes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
