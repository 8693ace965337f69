package calr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Bundle outcome label values.
const (
	resultOK     = "ok"
	resultFailed = "failed"
)

// Metrics counts bundling work.
type Metrics struct {
	Bundles     *prometheus.CounterVec
	InputBytes  prometheus.Counter
	OutputBytes prometheus.Counter
	Duration    prometheus.Histogram
}

// NewMetrics creates the bundle metrics and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calr_bundles_total",
			Help: "Bundles attempted, by result.",
		}, []string{"result"}),
		InputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calr_bundle_input_bytes_total",
			Help: "Bytes of event data read into successful bundles.",
		}),
		OutputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calr_bundle_output_bytes_total",
			Help: "Bytes of finished bundles written.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "calr_bundle_duration_seconds",
			Help:    "Time to build one bundle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	m.Bundles.WithLabelValues(resultOK)
	m.Bundles.WithLabelValues(resultFailed)
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Bundles, m.InputBytes, m.OutputBytes, m.Duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(ok bool, in, out int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	if !ok {
		m.Bundles.WithLabelValues(resultFailed).Inc()
		return
	}
	m.Bundles.WithLabelValues(resultOK).Inc()
	m.InputBytes.Add(float64(in))
	m.OutputBytes.Add(float64(out))
	m.Duration.Observe(elapsed.Seconds())
}
