package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the indexer.
type Metrics struct {
	blocksProcessed    prometheus.Counter
	transfersRecorded  *prometheus.CounterVec
	transfersDuplicate prometheus.Counter
	decodeErrors       prometheus.Counter
	rpcErrors          *prometheus.CounterVec
	cycleFailures      prometheus.Counter
	notifications      *prometheus.CounterVec
	watermark          prometheus.Gauge
	chainHead          prometheus.Gauge
	monitorState       prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			blocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "netflow_blocks_processed_total",
				Help: "Total number of blocks covered by committed batches",
			}),
			transfersRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "netflow_transfers_recorded_total",
				Help: "Total number of transfers recorded, by direction",
			}, []string{"direction"}),
			transfersDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "netflow_transfers_duplicate_total",
				Help: "Total number of transfers skipped because they were already recorded",
			}),
			decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "netflow_decode_errors_total",
				Help: "Total number of logs skipped as undecodable",
			}),
			rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "netflow_rpc_errors_total",
				Help: "Total number of failed chain RPC attempts, by kind",
			}, []string{"kind"}),
			cycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "netflow_cycle_failures_total",
				Help: "Total number of poll cycles that ended in backoff",
			}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "netflow_notifications_total",
				Help: "Total number of transfer notifications, by outcome",
			}, []string{"status"}),
			watermark: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "netflow_watermark",
				Help: "Highest fully processed block height",
			}),
			chainHead: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "netflow_chain_head",
				Help: "Latest block height reported by the chain node",
			}),
			monitorState: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "netflow_monitor_state",
				Help: "Current monitor state (0 idle, 1 polling, 2 fetching, 3 classifying, 4 persisting, 5 backoff)",
			}),
		}
		prometheus.MustRegister(
			metrics.blocksProcessed,
			metrics.transfersRecorded,
			metrics.transfersDuplicate,
			metrics.decodeErrors,
			metrics.rpcErrors,
			metrics.cycleFailures,
			metrics.notifications,
			metrics.watermark,
			metrics.chainHead,
			metrics.monitorState,
		)
	})
	return metrics
}

// BlocksProcessed adds n to the blocks processed counter.
func (m *Metrics) BlocksProcessed(n uint64) {
	if m != nil {
		m.blocksProcessed.Add(float64(n))
	}
}

// TransferRecorded increments the recorded transfers counter for a direction.
func (m *Metrics) TransferRecorded(direction string) {
	if m != nil {
		m.transfersRecorded.WithLabelValues(direction).Inc()
	}
}

// TransfersDuplicate adds n to the duplicate transfers counter.
func (m *Metrics) TransfersDuplicate(n int) {
	if m != nil && n > 0 {
		m.transfersDuplicate.Add(float64(n))
	}
}

// DecodeErrors adds n to the decode errors counter.
func (m *Metrics) DecodeErrors(n int) {
	if m != nil && n > 0 {
		m.decodeErrors.Add(float64(n))
	}
}

// RPCError increments the RPC error counter for a kind.
func (m *Metrics) RPCError(kind string) {
	if m != nil {
		m.rpcErrors.WithLabelValues(kind).Inc()
	}
}

// CycleFailed increments the cycle failure counter.
func (m *Metrics) CycleFailed() {
	if m != nil {
		m.cycleFailures.Inc()
	}
}

// Notification increments the notification counter for an outcome.
func (m *Metrics) Notification(status string) {
	if m != nil {
		m.notifications.WithLabelValues(status).Inc()
	}
}

// SetWatermark records the current watermark.
func (m *Metrics) SetWatermark(h uint64) {
	if m != nil {
		m.watermark.Set(float64(h))
	}
}

// SetChainHead records the latest chain height.
func (m *Metrics) SetChainHead(h uint64) {
	if m != nil {
		m.chainHead.Set(float64(h))
	}
}

// SetMonitorState records the monitor state ordinal.
func (m *Metrics) SetMonitorState(s int) {
	if m != nil {
		m.monitorState.Set(float64(s))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
