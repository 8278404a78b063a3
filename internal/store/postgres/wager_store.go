package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// uniqueViolation is the SQLSTATE of a primary key collision.
const uniqueViolation = "23505"

// Numerics cross the wire as text in both directions so decimals round-trip
// exactly.
const wagerSelectCols = `id, party_id, counterparty_id, counterparty_wager_id, direction,
	amount::text, token, instrument, duration_sec, locked_price::text, locked_at,
	final_price::text, finalized_at, status, result, payout::text, fee::text,
	is_house, settlement, started_at, created_at, updated_at`

// WagerStore implements domain.WagerStore using PostgreSQL.
type WagerStore struct {
	pool *pgxpool.Pool
}

var _ domain.WagerStore = (*WagerStore)(nil)

// NewWagerStore creates a WagerStore backed by pool.
func NewWagerStore(pool *pgxpool.Pool) *WagerStore {
	return &WagerStore{pool: pool}
}

// Create inserts a new wager.
func (s *WagerStore) Create(ctx context.Context, w domain.Wager) error {
	meta, err := json.Marshal(w.Settlement)
	if err != nil {
		return fmt.Errorf("postgres: marshal settlement %s: %w", w.ID, err)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO wagers (
			id, party_id, counterparty_id, counterparty_wager_id, direction,
			amount, token, instrument, duration_sec, locked_price, locked_at,
			final_price, finalized_at, status, result, payout, fee,
			is_house, settlement, started_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::text::numeric, $7, $8, $9, $10::text::numeric, $11,
			$12::text::numeric, $13, $14, $15, $16::text::numeric, $17::text::numeric,
			$18, $19, $20, $21, NOW()
		)`
	_, err = s.pool.Exec(ctx, query,
		w.ID, w.PartyID, w.CounterpartyID, w.CounterpartyWagerID, string(w.Direction),
		w.Amount.String(), w.Token, w.Instrument, w.DurationSec, w.LockedPrice.String(), w.LockedAt,
		decText(w.FinalPrice), w.FinalizedAt, string(w.Status), string(w.Result), decText(w.Payout), decText(w.Fee),
		w.IsHouse, meta, w.StartedAt, w.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("postgres: create wager %s: %w", w.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create wager %s: %w", w.ID, err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Get returns a wager by id.
func (s *WagerStore) Get(ctx context.Context, id string) (domain.Wager, error) {
	return getWager(ctx, s.pool, id, "")
}

func getWager(ctx context.Context, q rowQuerier, id, suffix string) (domain.Wager, error) {
	row := q.QueryRow(ctx, `SELECT `+wagerSelectCols+` FROM wagers WHERE id = $1`+suffix, id)
	w, err := scanWager(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wager{}, fmt.Errorf("postgres: get wager %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Wager{}, fmt.Errorf("postgres: get wager %s: %w", id, err)
	}
	return w, nil
}

// FindByStatusAndParty returns the party's wagers newest first. No statuses
// means any status.
func (s *WagerStore) FindByStatusAndParty(ctx context.Context, partyID string, statuses ...domain.WagerStatus) ([]domain.Wager, error) {
	query := `SELECT ` + wagerSelectCols + ` FROM wagers WHERE party_id = $1`
	args := []any{partyID}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		query += ` AND status = ANY($2)`
		args = append(args, ss)
	}
	query += ` ORDER BY created_at DESC, id`
	return s.list(ctx, "find by party "+partyID, query, args...)
}

// ListByStatus returns wagers in status oldest first.
func (s *WagerStore) ListByStatus(ctx context.Context, status domain.WagerStatus, limit int) ([]domain.Wager, error) {
	return s.list(ctx, "list "+string(status),
		`SELECT `+wagerSelectCols+` FROM wagers WHERE status = $1 ORDER BY created_at, id LIMIT $2`,
		string(status), limit)
}

// ListTerminalAfter returns terminal wagers last updated before the cutoff
// and past cursor in keyset order.
func (s *WagerStore) ListTerminalAfter(ctx context.Context, cursor domain.ArchiveCursor, before time.Time, limit int) ([]domain.Wager, error) {
	after := cursor.UpdatedAt
	if after.IsZero() {
		after = time.Unix(0, 0)
	}
	return s.list(ctx, "list terminal",
		`SELECT `+wagerSelectCols+` FROM wagers
		 WHERE status IN ($1, $2, $3) AND updated_at < $4
		   AND (updated_at, id) > ($5, $6)
		 ORDER BY updated_at, id LIMIT $7`,
		string(domain.WagerStatusCompleted), string(domain.WagerStatusCancelled), string(domain.WagerStatusExpired),
		before, after, cursor.ID, limit)
}

// UpdateTransition writes the lifecycle fields of next if the stored status
// is still expected.
func (s *WagerStore) UpdateTransition(ctx context.Context, id string, expected domain.WagerStatus, next domain.Wager) error {
	if !domain.CanWrite(expected, next.Status) {
		return fmt.Errorf("postgres: transition %s %s->%s: %w", id, expected, next.Status, domain.ErrInvalidTransition)
	}
	meta, err := json.Marshal(next.Settlement)
	if err != nil {
		return fmt.Errorf("postgres: marshal settlement %s: %w", id, err)
	}

	const query = `
		UPDATE wagers SET
			status = $1, counterparty_id = $2, counterparty_wager_id = $3, is_house = $4,
			final_price = $5::text::numeric, finalized_at = $6, result = $7,
			payout = $8::text::numeric, fee = $9::text::numeric,
			settlement = $10, started_at = $11, updated_at = NOW()
		WHERE id = $12 AND status = $13`
	tag, err := s.pool.Exec(ctx, query,
		string(next.Status), next.CounterpartyID, next.CounterpartyWagerID, next.IsHouse,
		decText(next.FinalPrice), next.FinalizedAt, string(next.Result), decText(next.Payout), decText(next.Fee),
		meta, next.StartedAt,
		id, string(expected),
	)
	if err != nil {
		return fmt.Errorf("postgres: transition %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("postgres: transition %s from %s: %w", id, expected, domain.ErrStaleStatus)
}

// UpdateSettlement replaces the settlement metadata only.
func (s *WagerStore) UpdateSettlement(ctx context.Context, id string, meta domain.Settlement) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("postgres: marshal settlement %s: %w", id, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE wagers SET settlement = $1, updated_at = NOW() WHERE id = $2`, data, id)
	if err != nil {
		return fmt.Errorf("postgres: update settlement %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update settlement %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// FindOpenMatch returns the oldest PENDING wager on the queried terms.
func (s *WagerStore) FindOpenMatch(ctx context.Context, q domain.MatchQuery) (domain.Wager, error) {
	const query = `SELECT ` + wagerSelectCols + ` FROM wagers
		WHERE status = $1 AND token = $2 AND amount = $3::text::numeric AND duration_sec = $4
		  AND direction = $5 AND party_id <> $6 AND id <> $7
		ORDER BY created_at, id
		LIMIT 1`
	w, err := scanWager(s.pool.QueryRow(ctx, query,
		string(domain.WagerStatusPending), q.Token, q.Amount.String(), q.DurationSec,
		string(q.Direction), q.PartyID, q.ExcludeWagerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wager{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Wager{}, fmt.Errorf("postgres: find open match: %w", err)
	}
	return w, nil
}

// MatchPair locks both rows in id order, checks both are PENDING and links
// them in one transaction.
func (s *WagerStore) MatchPair(ctx context.Context, candidateID, requestID string) (domain.Wager, domain.Wager, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Wager{}, domain.Wager{}, fmt.Errorf("postgres: match pair begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	first, second := candidateID, requestID
	if second < first {
		first, second = second, first
	}
	locked := make(map[string]domain.Wager, 2)
	for _, id := range []string{first, second} {
		w, err := getWager(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return domain.Wager{}, domain.Wager{}, err
		}
		locked[id] = w
	}
	cand, req := locked[candidateID], locked[requestID]
	if cand.Status != domain.WagerStatusPending || req.Status != domain.WagerStatusPending {
		return domain.Wager{}, domain.Wager{}, fmt.Errorf("postgres: match pair %s/%s: %w", candidateID, requestID, domain.ErrStaleStatus)
	}

	batch := &pgx.Batch{}
	const query = `UPDATE wagers SET status = $1, counterparty_id = $2, counterparty_wager_id = $3, updated_at = NOW()
		WHERE id = $4`
	batch.Queue(query, string(domain.WagerStatusMatched), req.PartyID, req.ID, cand.ID)
	batch.Queue(query, string(domain.WagerStatusMatched), cand.PartyID, cand.ID, req.ID)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return domain.Wager{}, domain.Wager{}, fmt.Errorf("postgres: match pair update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Wager{}, domain.Wager{}, fmt.Errorf("postgres: match pair commit: %w", err)
	}

	now := time.Now()
	cand.Status, cand.CounterpartyID, cand.CounterpartyWagerID, cand.UpdatedAt = domain.WagerStatusMatched, req.PartyID, req.ID, now
	req.Status, req.CounterpartyID, req.CounterpartyWagerID, req.UpdatedAt = domain.WagerStatusMatched, cand.PartyID, cand.ID, now
	return req, cand, nil
}

func (s *WagerStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Wager, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: rows: %w", op, err)
	}
	return out, nil
}

func scanWager(scanner interface{ Scan(dest ...any) error }) (domain.Wager, error) {
	var (
		w                         domain.Wager
		direction, status, result string
		amount, lockedPrice       string
		finalPrice, payout, fee   *string
		meta                      []byte
	)
	err := scanner.Scan(
		&w.ID, &w.PartyID, &w.CounterpartyID, &w.CounterpartyWagerID, &direction,
		&amount, &w.Token, &w.Instrument, &w.DurationSec, &lockedPrice, &w.LockedAt,
		&finalPrice, &w.FinalizedAt, &status, &result, &payout, &fee,
		&w.IsHouse, &meta, &w.StartedAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return domain.Wager{}, err
	}

	w.Direction = domain.Direction(direction)
	w.Status = domain.WagerStatus(status)
	w.Result = domain.WagerResult(result)
	if w.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Wager{}, fmt.Errorf("amount %q: %w", amount, err)
	}
	if w.LockedPrice, err = decimal.NewFromString(lockedPrice); err != nil {
		return domain.Wager{}, fmt.Errorf("locked_price %q: %w", lockedPrice, err)
	}
	for _, f := range []struct {
		in  *string
		out **decimal.Decimal
	}{{finalPrice, &w.FinalPrice}, {payout, &w.Payout}, {fee, &w.Fee}} {
		if f.in == nil {
			continue
		}
		v, err := decimal.NewFromString(*f.in)
		if err != nil {
			return domain.Wager{}, fmt.Errorf("numeric %q: %w", *f.in, err)
		}
		*f.out = &v
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &w.Settlement); err != nil {
			return domain.Wager{}, fmt.Errorf("settlement: %w", err)
		}
	}
	return w, nil
}

// decText renders an optional decimal as an optional numeric literal.
func decText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
