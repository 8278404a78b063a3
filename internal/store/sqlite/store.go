// Package sqlite implements the wager and audit stores on an embedded,
// pure-Go SQLite database for single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS wagers (
    id                    TEXT PRIMARY KEY,
    party_id              TEXT    NOT NULL,
    counterparty_id       TEXT    NOT NULL DEFAULT '',
    counterparty_wager_id TEXT    NOT NULL DEFAULT '',
    direction             TEXT    NOT NULL,
    amount                TEXT    NOT NULL,
    token                 TEXT    NOT NULL,
    instrument            TEXT    NOT NULL,
    duration_sec          INTEGER NOT NULL,
    locked_price          TEXT    NOT NULL,
    locked_at             INTEGER NOT NULL,
    final_price           TEXT,
    finalized_at          INTEGER,
    status                TEXT    NOT NULL,
    result                TEXT    NOT NULL DEFAULT '',
    payout                TEXT,
    fee                   TEXT,
    is_house              INTEGER NOT NULL DEFAULT 0,
    settlement            TEXT    NOT NULL DEFAULT '{}',
    started_at            INTEGER,
    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wagers_open  ON wagers(status, token, duration_sec, direction, created_at);
CREATE INDEX IF NOT EXISTS idx_wagers_party ON wagers(party_id, status);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT    NOT NULL,
    detail     TEXT    NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);
`

const wagerCols = `id, party_id, counterparty_id, counterparty_wager_id, direction,
	amount, token, instrument, duration_sec, locked_price, locked_at,
	final_price, finalized_at, status, result, payout, fee, is_house,
	settlement, started_at, created_at, updated_at`

// Store implements domain.WagerStore and domain.AuditStore.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ domain.WagerStore = (*Store)(nil)
	_ domain.AuditStore = (*Store)(nil)
)

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new wager.
func (s *Store) Create(ctx context.Context, w domain.Wager) error {
	meta, err := json.Marshal(w.Settlement)
	if err != nil {
		return fmt.Errorf("sqlite: marshal settlement %s: %w", w.ID, err)
	}
	now := s.now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}

	const query = `INSERT INTO wagers (` + wagerCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		w.ID, w.PartyID, w.CounterpartyID, w.CounterpartyWagerID, string(w.Direction),
		w.Amount.String(), w.Token, w.Instrument, w.DurationSec,
		w.LockedPrice.String(), w.LockedAt.UnixNano(),
		decPtr(w.FinalPrice), timePtr(w.FinalizedAt),
		string(w.Status), string(w.Result),
		decPtr(w.Payout), decPtr(w.Fee), w.IsHouse,
		string(meta), timePtr(w.StartedAt),
		w.CreatedAt.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("sqlite: create wager %s: %w", w.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: create wager %s: %w", w.ID, err)
	}
	return nil
}

// Get returns the wager with the given id.
func (s *Store) Get(ctx context.Context, id string) (domain.Wager, error) {
	return getWager(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getWager(ctx context.Context, q querier, id string) (domain.Wager, error) {
	row := q.QueryRowContext(ctx, `SELECT `+wagerCols+` FROM wagers WHERE id = ?`, id)
	w, err := scanWager(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Wager{}, fmt.Errorf("sqlite: get wager %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Wager{}, fmt.Errorf("sqlite: get wager %s: %w", id, err)
	}
	return w, nil
}

// FindByStatusAndParty returns the party's wagers, newest first. No statuses
// means any status.
func (s *Store) FindByStatusAndParty(ctx context.Context, partyID string, statuses ...domain.WagerStatus) ([]domain.Wager, error) {
	query := `SELECT ` + wagerCols + ` FROM wagers WHERE party_id = ?`
	args := []any{partyID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC, id`
	return s.list(ctx, "find by party "+partyID, query, args...)
}

// ListByStatus returns wagers in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status domain.WagerStatus, limit int) ([]domain.Wager, error) {
	query := `SELECT ` + wagerCols + ` FROM wagers WHERE status = ? ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.list(ctx, "list "+string(status), query, args...)
}

// ListTerminalAfter returns terminal wagers last updated before the cutoff
// and past cursor, oldest first.
func (s *Store) ListTerminalAfter(ctx context.Context, cursor domain.ArchiveCursor, before time.Time, limit int) ([]domain.Wager, error) {
	after := int64(0)
	if !cursor.UpdatedAt.IsZero() {
		after = cursor.UpdatedAt.UnixNano()
	}
	query := `SELECT ` + wagerCols + ` FROM wagers
		WHERE status IN (?, ?, ?) AND updated_at < ?
		  AND (updated_at > ? OR (updated_at = ? AND id > ?))
		ORDER BY updated_at, id`
	args := []any{
		string(domain.WagerStatusCompleted), string(domain.WagerStatusCancelled), string(domain.WagerStatusExpired),
		before.UnixNano(), after, after, cursor.ID,
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.list(ctx, "list terminal", query, args...)
}

// UpdateTransition writes the lifecycle fields of next if the stored status is
// still expected.
func (s *Store) UpdateTransition(ctx context.Context, id string, expected domain.WagerStatus, next domain.Wager) error {
	if !domain.CanWrite(expected, next.Status) {
		return fmt.Errorf("sqlite: transition %s %s->%s: %w", id, expected, next.Status, domain.ErrInvalidTransition)
	}
	meta, err := json.Marshal(next.Settlement)
	if err != nil {
		return fmt.Errorf("sqlite: marshal settlement %s: %w", id, err)
	}

	const query = `UPDATE wagers SET
		status = ?, counterparty_id = ?, counterparty_wager_id = ?, is_house = ?,
		final_price = ?, finalized_at = ?, result = ?, payout = ?, fee = ?,
		settlement = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(next.Status), next.CounterpartyID, next.CounterpartyWagerID, next.IsHouse,
		decPtr(next.FinalPrice), timePtr(next.FinalizedAt), string(next.Result),
		decPtr(next.Payout), decPtr(next.Fee),
		string(meta), timePtr(next.StartedAt), s.now().UnixNano(),
		id, string(expected),
	)
	if err != nil {
		return fmt.Errorf("sqlite: transition %s: %w", id, err)
	}
	return s.checkAffected(ctx, res, id, "transition")
}

// UpdateSettlement replaces the settlement metadata only.
func (s *Store) UpdateSettlement(ctx context.Context, id string, meta domain.Settlement) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("sqlite: marshal settlement %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE wagers SET settlement = ?, updated_at = ? WHERE id = ?`,
		string(data), s.now().UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update settlement %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update settlement %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: update settlement %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// FindOpenMatch returns the oldest PENDING wager on the queried terms.
func (s *Store) FindOpenMatch(ctx context.Context, q domain.MatchQuery) (domain.Wager, error) {
	const query = `SELECT ` + wagerCols + ` FROM wagers
		WHERE status = ? AND token = ? AND amount = ? AND duration_sec = ?
		  AND direction = ? AND party_id <> ? AND id <> ?
		ORDER BY created_at, id
		LIMIT 1`
	row := s.db.QueryRowContext(ctx, query,
		string(domain.WagerStatusPending), q.Token, q.Amount.String(), q.DurationSec,
		string(q.Direction), q.PartyID, q.ExcludeWagerID,
	)
	w, err := scanWager(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Wager{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Wager{}, fmt.Errorf("sqlite: find open match: %w", err)
	}
	return w, nil
}

// MatchPair claims both wagers inside one transaction.
func (s *Store) MatchPair(ctx context.Context, candidateID, requestID string) (domain.Wager, domain.Wager, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Wager{}, domain.Wager{}, fmt.Errorf("sqlite: match pair begin: %w", err)
	}
	defer tx.Rollback()

	cand, err := getWager(ctx, tx, candidateID)
	if err != nil {
		return domain.Wager{}, domain.Wager{}, err
	}
	req, err := getWager(ctx, tx, requestID)
	if err != nil {
		return domain.Wager{}, domain.Wager{}, err
	}
	if cand.Status != domain.WagerStatusPending || req.Status != domain.WagerStatusPending {
		return domain.Wager{}, domain.Wager{}, fmt.Errorf("sqlite: match pair %s/%s: %w", candidateID, requestID, domain.ErrStaleStatus)
	}

	now := s.now()
	const query = `UPDATE wagers SET status = ?, counterparty_id = ?, counterparty_wager_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`
	for _, pair := range [][2]domain.Wager{{cand, req}, {req, cand}} {
		if _, err := tx.ExecContext(ctx, query,
			string(domain.WagerStatusMatched), pair[1].PartyID, pair[1].ID, now.UnixNano(),
			pair[0].ID, string(domain.WagerStatusPending),
		); err != nil {
			return domain.Wager{}, domain.Wager{}, fmt.Errorf("sqlite: match pair update %s: %w", pair[0].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Wager{}, domain.Wager{}, fmt.Errorf("sqlite: match pair commit: %w", err)
	}

	for _, p := range []struct {
		w     *domain.Wager
		other domain.Wager
	}{{&cand, req}, {&req, cand}} {
		p.w.Status = domain.WagerStatusMatched
		p.w.CounterpartyID = p.other.PartyID
		p.w.CounterpartyWagerID = p.other.ID
		p.w.UpdatedAt = now
	}
	return req, cand, nil
}

// Log appends an audit entry.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(data), s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// AuditEntries returns the audit log, newest first.
func (s *Store) AuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, detail, created_at FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e       domain.AuditEntry
			detail  string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		if err := json.Unmarshal([]byte(detail), &e.Detail); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) checkAffected(ctx context.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s %s: %w", op, id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("sqlite: %s %s: %w", op, id, domain.ErrStaleStatus)
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]domain.Wager, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s: scan: %w", op, err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	return out, nil
}

func scanWager(scanner interface{ Scan(dest ...any) error }) (domain.Wager, error) {
	var (
		w                               domain.Wager
		direction, status, result, meta string
		amount, lockedPrice             decimal.Decimal
		finalPrice, payout, fee         decimal.NullDecimal
		lockedAt, createdAt, updatedAt  int64
		finalizedAt, startedAt          sql.NullInt64
	)
	err := scanner.Scan(
		&w.ID, &w.PartyID, &w.CounterpartyID, &w.CounterpartyWagerID, &direction,
		&amount, &w.Token, &w.Instrument, &w.DurationSec, &lockedPrice, &lockedAt,
		&finalPrice, &finalizedAt, &status, &result, &payout, &fee, &w.IsHouse,
		&meta, &startedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Wager{}, err
	}
	if err := json.Unmarshal([]byte(meta), &w.Settlement); err != nil {
		return domain.Wager{}, fmt.Errorf("unmarshal settlement: %w", err)
	}

	w.Direction = domain.Direction(direction)
	w.Status = domain.WagerStatus(status)
	w.Result = domain.WagerResult(result)
	w.Amount = amount
	w.LockedPrice = lockedPrice
	w.LockedAt = time.Unix(0, lockedAt)
	w.FinalPrice = fromNullDecimal(finalPrice)
	w.Payout = fromNullDecimal(payout)
	w.Fee = fromNullDecimal(fee)
	w.FinalizedAt = fromNullTime(finalizedAt)
	w.StartedAt = fromNullTime(startedAt)
	w.CreatedAt = time.Unix(0, createdAt)
	w.UpdatedAt = time.Unix(0, updatedAt)
	return w, nil
}

func decPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func fromNullTime(t sql.NullInt64) *time.Time {
	if !t.Valid {
		return nil
	}
	v := time.Unix(0, t.Int64)
	return &v
}
