package coreg

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fitRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "headmesh_fit_runs_total",
		Help: "Number of automatic coregistration runs.",
	}, []string{"subject", "outcome"})
	fitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "headmesh_fit_duration_seconds",
		Help:    "Duration of automatic coregistration runs.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"subject"})
	medianDistance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "headmesh_median_distance_mm",
		Help: "Median head-shape to MRI surface distance after the last fit.",
	}, []string{"subject"})
	omittedPoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "headmesh_omitted_points",
		Help: "Head-shape points rejected as outliers in the last fit.",
	}, []string{"subject"})
)

func observeFit(subject string, started time.Time, r *SubjectResult, err error) {
	fitDuration.WithLabelValues(subject).Observe(time.Since(started).Seconds())
	if err != nil {
		fitRuns.WithLabelValues(subject, "error").Inc()
		return
	}
	fitRuns.WithLabelValues(subject, "ok").Inc()
	medianDistance.WithLabelValues(subject).Set(r.Distances.Median)
	omittedPoints.WithLabelValues(subject).Set(float64(r.Omitted))
}
