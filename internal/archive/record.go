package archive

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// record is the archived shape of a wager, one per JSONL line.
type record struct {
	ID                  string            `json:"id"`
	PartyID             string            `json:"party_id"`
	CounterpartyID      string            `json:"counterparty_id,omitempty"`
	CounterpartyWagerID string            `json:"counterparty_wager_id,omitempty"`
	IsHouse             bool              `json:"is_house"`
	Direction           string            `json:"direction"`
	Amount              decimal.Decimal   `json:"amount"`
	Token               string            `json:"token"`
	Instrument          string            `json:"instrument"`
	DurationSec         int               `json:"duration_sec"`
	LockedPrice         decimal.Decimal   `json:"locked_price"`
	LockedAt            time.Time         `json:"locked_at"`
	FinalPrice          *decimal.Decimal  `json:"final_price,omitempty"`
	FinalizedAt         *time.Time        `json:"finalized_at,omitempty"`
	Status              string            `json:"status"`
	Result              string            `json:"result,omitempty"`
	Payout              *decimal.Decimal  `json:"payout,omitempty"`
	Fee                 *decimal.Decimal  `json:"fee,omitempty"`
	Settlement          domain.Settlement `json:"settlement"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func toRecords(ws []domain.Wager) []record {
	out := make([]record, len(ws))
	for i, w := range ws {
		out[i] = record{
			ID:                  w.ID,
			PartyID:             w.PartyID,
			CounterpartyID:      w.CounterpartyID,
			CounterpartyWagerID: w.CounterpartyWagerID,
			IsHouse:             w.IsHouse,
			Direction:           string(w.Direction),
			Amount:              w.Amount,
			Token:               w.Token,
			Instrument:          w.Instrument,
			DurationSec:         w.DurationSec,
			LockedPrice:         w.LockedPrice,
			LockedAt:            w.LockedAt,
			FinalPrice:          w.FinalPrice,
			FinalizedAt:         w.FinalizedAt,
			Status:              string(w.Status),
			Result:              string(w.Result),
			Payout:              w.Payout,
			Fee:                 w.Fee,
			Settlement:          w.Settlement,
			StartedAt:           w.StartedAt,
			CreatedAt:           w.CreatedAt,
			UpdatedAt:           w.UpdatedAt,
		}
	}
	return out
}
