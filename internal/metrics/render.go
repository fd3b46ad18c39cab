package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bleepy/internal/certificate"
)

var (
	renderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "单张证书合成耗时（秒）。",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"surface"},
	)

	renderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "total",
			Help:      "证书合成次数，按结果区分。",
		},
		[]string{"surface", "result"},
	)
)

// ObserveRender 作为 certificate.WithObserver 的回调。
func ObserveRender(surface string, err error, elapsed time.Duration) {
	renderDuration.WithLabelValues(surface).Observe(elapsed.Seconds())
	renderTotal.WithLabelValues(surface, renderResult(err)).Inc()
}

func renderResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, certificate.ErrBackgroundUnavailable):
		return "background_unavailable"
	default:
		return "error"
	}
}
