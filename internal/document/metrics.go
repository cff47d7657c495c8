package document

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Save levels and results used as metric labels.
const (
	levelMain  = "main"
	levelStore = "store"

	resultOK    = "ok"
	resultNoop  = "noop"
	resultError = "error"
)

type metrics struct {
	saves    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nestdoc_saves_total",
			Help: "Saves by level and result",
		}, []string{"level", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nestdoc_save_duration_seconds",
			Help:    "Time spent saving a level",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"level"}),
	}
	if reg == nil {
		return m
	}
	m.saves = register(reg, m.saves)
	m.duration = register(reg, m.duration)
	return m
}

// register adds c to reg, reusing the collector another coordinator already
// registered under the same name.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *metrics) observe(level string, saved bool, err error, start time.Time) {
	result := resultOK
	switch {
	case err != nil:
		result = resultError
	case !saved:
		result = resultNoop
	}
	m.saves.WithLabelValues(level, result).Inc()
	if saved || err != nil {
		m.duration.WithLabelValues(level).Observe(time.Since(start).Seconds())
	}
}
