// Package metrics exposes the gateway's Prometheus counters and gauges,
// grounded on core/system_health_logging.go's per-process registry pattern:
// one *prometheus.Registry owned by a single collector, constructed once at
// startup and injected into every component that reports a measurement.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the process's Prometheus registry and every metric the
// gateway reports.
type Collector struct {
	registry *prometheus.Registry

	submissionsTotal   prometheus.Counter
	submissionErrors   prometheus.Counter
	anchorsTotal       prometheus.Counter
	anchorErrors       prometheus.Counter
	anchorRetries      prometheus.Counter
	sessionReplays     prometheus.Counter
	sessionMacFailures prometheus.Counter
	indexRowsGauge     prometheus.Gauge
	latestBlockGauge   prometheus.Gauge
}

// New constructs a Collector and registers every metric against a fresh
// registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		submissionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_gateway_submissions_total",
			Help: "Total number of proof submissions accepted.",
		}),
		submissionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_gateway_submission_errors_total",
			Help: "Total number of proof submissions that failed before an index row was written.",
		}),
		anchorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_gateway_anchors_total",
			Help: "Total number of proofs successfully anchored to the ledger.",
		}),
		anchorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_gateway_anchor_errors_total",
			Help: "Total number of background anchoring attempts that failed permanently.",
		}),
		anchorRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_gateway_anchor_retries_total",
			Help: "Total number of ledger submission retry attempts.",
		}),
		sessionReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_gateway_session_replays_total",
			Help: "Total number of session messages rejected as replays.",
		}),
		sessionMacFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drp_gateway_session_mac_failures_total",
			Help: "Total number of session messages rejected for MAC mismatch.",
		}),
		indexRowsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drp_gateway_index_rows",
			Help: "Current number of proofs recorded in the metadata index.",
		}),
		latestBlockGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drp_gateway_latest_block_height",
			Help: "Highest block height any proof has been anchored at.",
		}),
	}
	reg.MustRegister(
		c.submissionsTotal,
		c.submissionErrors,
		c.anchorsTotal,
		c.anchorErrors,
		c.anchorRetries,
		c.sessionReplays,
		c.sessionMacFailures,
		c.indexRowsGauge,
		c.latestBlockGauge,
	)
	return c
}

func (c *Collector) RecordSubmission()        { c.submissionsTotal.Inc() }
func (c *Collector) RecordSubmissionError()   { c.submissionErrors.Inc() }
func (c *Collector) RecordAnchor()            { c.anchorsTotal.Inc() }
func (c *Collector) RecordAnchorError()       { c.anchorErrors.Inc() }
func (c *Collector) RecordAnchorRetry()       { c.anchorRetries.Inc() }
func (c *Collector) RecordSessionReplay()     { c.sessionReplays.Inc() }
func (c *Collector) RecordSessionMacFailure() { c.sessionMacFailures.Inc() }

// SetIndexStats updates the index-derived gauges from a periodic snapshot.
func (c *Collector) SetIndexStats(totalProofs int, latestBlock uint64) {
	c.indexRowsGauge.Set(float64(totalProofs))
	c.latestBlockGauge.Set(float64(latestBlock))
}

// Handler exposes the registry over /metrics, for promhttp.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
