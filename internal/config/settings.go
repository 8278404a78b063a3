package config

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// GameSettings converts [game] into a settings snapshot. A non-empty reserve
// replaces game.reserve_address, which is how the EVM ledger's wallet
// address becomes the reserve.
func (c *Config) GameSettings(reserve string) (domain.Settings, error) {
	g := c.Game
	fee, err := decimal.NewFromString(g.FeeRate)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("config: fee_rate: %w", err)
	}
	s := domain.Settings{
		Tokens:         make(map[string]domain.TokenSettings, len(g.Tokens)),
		FeeRate:        fee,
		ReserveAddress: g.ReserveAddress,
		MinDurationSec: g.MinDurationSec,
		MaxDurationSec: g.MaxDurationSec,
	}
	if reserve != "" {
		s.ReserveAddress = reserve
	}
	for _, t := range g.Tokens {
		lo, err := decimal.NewFromString(t.MinStake)
		if err != nil {
			return domain.Settings{}, fmt.Errorf("config: token %s min_stake: %w", t.Symbol, err)
		}
		hi, err := decimal.NewFromString(t.MaxStake)
		if err != nil {
			return domain.Settings{}, fmt.Errorf("config: token %s max_stake: %w", t.Symbol, err)
		}
		instrument := t.Instrument
		if instrument == "" {
			instrument = g.PrimaryInstrument
		}
		s.Tokens[t.Symbol] = domain.TokenSettings{
			Symbol:     t.Symbol,
			Enabled:    t.Enabled,
			MinStake:   lo,
			MaxStake:   hi,
			Instrument: instrument,
		}
	}
	return s, nil
}

// DrawThreshold parses game.draw_threshold; empty yields zero so the engine
// applies its default.
func (c *Config) DrawThreshold() decimal.Decimal {
	d, err := decimal.NewFromString(c.Game.DrawThreshold)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// StaticSettings serves a fixed snapshot. It backs the sqlite store, which
// has no settings table.
type StaticSettings struct {
	settings domain.Settings
}

var _ domain.SettingsSource = (*StaticSettings)(nil)

// NewStaticSettings wraps s.
func NewStaticSettings(s domain.Settings) *StaticSettings {
	return &StaticSettings{settings: s}
}

// Snapshot returns the fixed settings.
func (s *StaticSettings) Snapshot(context.Context) (domain.Settings, error) {
	if s.settings.ReserveAddress == "" {
		return domain.Settings{}, &domain.ConfigurationError{What: "reserve address"}
	}
	return s.settings, nil
}
