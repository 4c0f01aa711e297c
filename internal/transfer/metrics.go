package transfer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Transfer Controller's prometheus instrumentation.
// A nil *Metrics is safe to use — every method no-ops — so callers that
// don't care about metrics can pass nil to NewController.
type Metrics struct {
	recordsTransferred *prometheus.GaugeVec
	chunksTransferred  *prometheus.CounterVec
	transferDuration   *prometheus.HistogramVec
}

// NewMetrics builds and registers the Transfer Controller's metrics against
// reg (typically a prometheus.Registry owned by cmd/syncd).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsTransferred: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "n1sync",
			Subsystem: "transfer",
			Name:      "records_transferred",
			Help:      "Records transferred so far for the current transfer session.",
		}, []string{"direction", "transfer_session_id"}),
		chunksTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "n1sync",
			Subsystem: "transfer",
			Name:      "chunks_total",
			Help:      "Number of chunks exchanged with peers.",
		}, []string{"direction"}),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "n1sync",
			Subsystem: "transfer",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a full initiate_push/initiate_pull call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
	}
	reg.MustRegister(m.recordsTransferred, m.chunksTransferred, m.transferDuration)
	return m
}

// ObserveChunk implements chunk.Observer.
func (m *Metrics) ObserveChunk(direction string, records int) {
	if m == nil || m.chunksTransferred == nil {
		return
	}
	m.chunksTransferred.WithLabelValues(direction).Inc()
}

// SetRecordsTransferred implements chunk.Observer.
func (m *Metrics) SetRecordsTransferred(direction, transferSessionID string, n int64) {
	if m == nil || m.recordsTransferred == nil {
		return
	}
	m.recordsTransferred.WithLabelValues(direction, transferSessionID).Set(float64(n))
}

func (m *Metrics) observeDuration(direction string, d time.Duration) {
	if m == nil || m.transferDuration == nil {
		return
	}
	m.transferDuration.WithLabelValues(direction).Observe(d.Seconds())
}
