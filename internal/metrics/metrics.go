// Package metrics defines the prometheus collectors exported by the engine
// and the small HTTP server that exposes them alongside a health probe.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "updown"

// Collectors groups every metric the engine records. All methods are safe on
// a nil receiver so components can run without metrics wired.
type Collectors struct {
	blendedPrice     *prometheus.GaugeVec
	confidence       *prometheus.GaugeVec
	samplesIngested  *prometheus.CounterVec
	feedErrors       *prometheus.CounterVec
	wagersAdmitted   *prometheus.CounterVec
	admissionDenied  *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	transferFailures *prometheus.CounterVec
	activeCountdowns prometheus.Gauge
	settleSeconds    prometheus.Histogram
	eventsPublished  *prometheus.CounterVec
	archivedWagers   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		blendedPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "blended_price",
			Help: "Last blended price per instrument.",
		}, []string{"symbol"}),
		confidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "confidence",
			Help: "Confidence score of the last blend (50 per fresh source).",
		}, []string{"symbol"}),
		samplesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oracle", Name: "samples_total",
			Help: "Raw samples accepted per upstream source.",
		}, []string{"source"}),
		feedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "feed", Name: "errors_total",
			Help: "Upstream feed connection or poll failures.",
		}, []string{"feed"}),
		wagersAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wager", Name: "admitted_total",
			Help: "Wagers admitted per token.",
		}, []string{"token"}),
		admissionDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wager", Name: "admission_denied_total",
			Help: "Rejected admissions by reason.",
		}, []string{"reason"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wager", Name: "settlements_total",
			Help: "Settled wagers by result.",
		}, []string{"result"}),
		transferFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "transfer_failures_total",
			Help: "Outbound transfers that failed and need reconciliation.",
		}, []string{"kind"}),
		activeCountdowns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "wager", Name: "active_countdowns",
			Help: "Countdowns currently scheduled in this process.",
		}),
		settleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "wager", Name: "settle_seconds",
			Help:    "Wall time of the transfer-issuing settlement path.",
			Buckets: prometheus.DefBuckets,
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Event deliveries per sink and outcome.",
		}, []string{"sink", "outcome"}),
		archivedWagers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "archive", Name: "wagers_total",
			Help: "Terminal wagers exported to the archive.",
		}),
	}

	reg.MustRegister(
		c.blendedPrice, c.confidence, c.samplesIngested, c.feedErrors,
		c.wagersAdmitted, c.admissionDenied, c.settlements, c.transferFailures,
		c.activeCountdowns, c.settleSeconds, c.eventsPublished, c.archivedWagers,
	)
	return c
}

// ObserveBlend records the outcome of one aggregator tick.
func (c *Collectors) ObserveBlend(symbol string, price float64, confidence int) {
	if c == nil {
		return
	}
	c.blendedPrice.WithLabelValues(symbol).Set(price)
	c.confidence.WithLabelValues(symbol).Set(float64(confidence))
}

// SampleIngested counts an accepted upstream sample.
func (c *Collectors) SampleIngested(source string) {
	if c == nil {
		return
	}
	c.samplesIngested.WithLabelValues(source).Inc()
}

// FeedError counts an upstream failure.
func (c *Collectors) FeedError(feed string) {
	if c == nil {
		return
	}
	c.feedErrors.WithLabelValues(feed).Inc()
}

// WagerAdmitted counts an admitted wager.
func (c *Collectors) WagerAdmitted(token string) {
	if c == nil {
		return
	}
	c.wagersAdmitted.WithLabelValues(token).Inc()
}

// AdmissionDenied counts a rejected admission.
func (c *Collectors) AdmissionDenied(reason string) {
	if c == nil {
		return
	}
	c.admissionDenied.WithLabelValues(reason).Inc()
}

// Settled counts a completed settlement and its duration.
func (c *Collectors) Settled(result string, seconds float64) {
	if c == nil {
		return
	}
	c.settlements.WithLabelValues(result).Inc()
	c.settleSeconds.Observe(seconds)
}

// TransferFailed counts a failed payout or refund.
func (c *Collectors) TransferFailed(kind string) {
	if c == nil {
		return
	}
	c.transferFailures.WithLabelValues(kind).Inc()
}

// CountdownStarted and CountdownStopped track scheduled countdowns.
func (c *Collectors) CountdownStarted() {
	if c == nil {
		return
	}
	c.activeCountdowns.Inc()
}

func (c *Collectors) CountdownStopped() {
	if c == nil {
		return
	}
	c.activeCountdowns.Dec()
}

// EventPublished counts one sink delivery.
func (c *Collectors) EventPublished(sink string, ok bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.eventsPublished.WithLabelValues(sink, outcome).Inc()
}

// WagersArchived counts exported wagers.
func (c *Collectors) WagersArchived(n int) {
	if c == nil {
		return
	}
	c.archivedWagers.Add(float64(n))
}
