package oracle

import (
	"time"

	"github.com/alanyoungcy/updownbet/internal/domain"
)

// freshConfidence is the confidence contributed by each source whose sample is
// inside its freshness window. It is informational only.
const freshConfidence = 50

// SourceConfig describes how much an upstream source counts in the blend.
type SourceConfig struct {
	Name string
	// Weight applies while the sample is younger than Freshness.
	Weight float64
	// StaleWeight applies to the last known value once it ages out.
	StaleWeight float64
	Freshness   time.Duration
}

// Blend computes the freshness-weighted average of samples at now. Samples
// from unknown sources are ignored. ok is false when nothing contributed.
func Blend(samples []domain.PriceSample, sources map[string]SourceConfig, now time.Time) (price float64, confidence int, ok bool) {
	var weighted, total float64
	for _, s := range samples {
		src, known := sources[s.Source]
		if !known || s.Price <= 0 {
			continue
		}
		w := src.StaleWeight
		if now.Sub(s.Timestamp) <= src.Freshness {
			w = src.Weight
			confidence += freshConfidence
		}
		if w <= 0 {
			continue
		}
		weighted += s.Price * w
		total += w
	}
	if total == 0 {
		return 0, confidence, false
	}
	return weighted / total, confidence, true
}
