package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// SettingsStore implements domain.SettingsSource over the game_settings and
// token_settings tables.
type SettingsStore struct {
	pool *pgxpool.Pool
}

var _ domain.SettingsSource = (*SettingsStore)(nil)

// NewSettingsStore creates a SettingsStore backed by pool.
func NewSettingsStore(pool *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{pool: pool}
}

// Snapshot reads the current settings. A missing game_settings row is a
// configuration error, not a crash.
func (s *SettingsStore) Snapshot(ctx context.Context) (domain.Settings, error) {
	var (
		out     domain.Settings
		feeRate string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT fee_rate::text, reserve_address, min_duration, max_duration FROM game_settings WHERE id = 1`,
	).Scan(&feeRate, &out.ReserveAddress, &out.MinDurationSec, &out.MaxDurationSec)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Settings{}, &domain.ConfigurationError{What: "game_settings row missing"}
	}
	if err != nil {
		return domain.Settings{}, fmt.Errorf("postgres: load game settings: %w", err)
	}
	if out.FeeRate, err = decimal.NewFromString(feeRate); err != nil {
		return domain.Settings{}, fmt.Errorf("postgres: fee_rate %q: %w", feeRate, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, enabled, min_stake::text, max_stake::text, instrument FROM token_settings ORDER BY symbol`)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("postgres: load token settings: %w", err)
	}
	defer rows.Close()

	out.Tokens = make(map[string]domain.TokenSettings)
	for rows.Next() {
		var (
			t                  domain.TokenSettings
			minStake, maxStake string
		)
		if err := rows.Scan(&t.Symbol, &t.Enabled, &minStake, &maxStake, &t.Instrument); err != nil {
			return domain.Settings{}, fmt.Errorf("postgres: scan token settings: %w", err)
		}
		if t.MinStake, err = decimal.NewFromString(minStake); err != nil {
			return domain.Settings{}, fmt.Errorf("postgres: %s min_stake: %w", t.Symbol, err)
		}
		if t.MaxStake, err = decimal.NewFromString(maxStake); err != nil {
			return domain.Settings{}, fmt.Errorf("postgres: %s max_stake: %w", t.Symbol, err)
		}
		out.Tokens[t.Symbol] = t
	}
	if err := rows.Err(); err != nil {
		return domain.Settings{}, fmt.Errorf("postgres: token settings rows: %w", err)
	}
	return out, nil
}

// Seed upserts settings, typically from the config file on first start.
// Existing token rows not present in s are left alone.
func (s *SettingsStore) Seed(ctx context.Context, settings domain.Settings) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: seed settings begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const game = `
		INSERT INTO game_settings (id, fee_rate, reserve_address, min_duration, max_duration, updated_at)
		VALUES (1, $1::text::numeric, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			fee_rate        = EXCLUDED.fee_rate,
			reserve_address = EXCLUDED.reserve_address,
			min_duration    = EXCLUDED.min_duration,
			max_duration    = EXCLUDED.max_duration,
			updated_at      = NOW()`
	if _, err := tx.Exec(ctx, game,
		settings.FeeRate.String(), settings.ReserveAddress, settings.MinDurationSec, settings.MaxDurationSec,
	); err != nil {
		return fmt.Errorf("postgres: seed game settings: %w", err)
	}

	const token = `
		INSERT INTO token_settings (symbol, enabled, min_stake, max_stake, instrument, updated_at)
		VALUES ($1, $2, $3::text::numeric, $4::text::numeric, $5, NOW())
		ON CONFLICT (symbol) DO UPDATE SET
			enabled    = EXCLUDED.enabled,
			min_stake  = EXCLUDED.min_stake,
			max_stake  = EXCLUDED.max_stake,
			instrument = EXCLUDED.instrument,
			updated_at = NOW()`
	batch := &pgx.Batch{}
	for sym, t := range settings.Tokens {
		batch.Queue(token, sym, t.Enabled, t.MinStake.String(), t.MaxStake.String(), t.Instrument)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: seed token settings: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: seed settings commit: %w", err)
	}
	return nil
}
