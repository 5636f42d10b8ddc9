// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// CandlesAssembled counts distinct OHLCV bars accumulated from chart updates.
	CandlesAssembled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tvstream",
		Subsystem: "assemble",
		Name:      "candles_total",
		Help:      "Number of distinct candles assembled from chart updates",
	})

	// TicksEmitted counts normalized realtime ticks handed to consumers.
	TicksEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tvstream",
		Subsystem: "normalize",
		Name:      "ticks_emitted_total",
		Help:      "Number of normalized ticks emitted to consumers",
	})

	// TicksSuppressed counts updates that produced no new field values.
	TicksSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tvstream",
		Subsystem: "normalize",
		Name:      "ticks_suppressed_total",
		Help:      "Number of updates suppressed because no field changed",
	})

	// SinkWrites counts successful exports of candle/tick batches per destination.
	SinkWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvstream",
		Subsystem: "sink",
		Name:      "writes_total",
		Help:      "Number of successful sink writes",
	}, []string{"sink"})

	// SinkErrors counts failed exports per destination.
	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvstream",
		Subsystem: "sink",
		Name:      "errors_total",
		Help:      "Number of failed sink writes",
	}, []string{"sink"})

	// StreamDuration observes how long facade streaming calls stay open.
	StreamDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tvstream",
		Subsystem: "stream",
		Name:      "duration_seconds",
		Help:      "Duration of facade streaming operations (seconds)",
		Buckets:   prometheus.DefBuckets,
	})
)

// Register registers all metrics in the given registry, or in the default
// registerer when called without arguments.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			CandlesAssembled,
			TicksEmitted,
			TicksSuppressed,
			SinkWrites,
			SinkErrors,
			StreamDuration,
		)
	})
}
