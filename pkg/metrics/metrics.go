// Package metrics counts subject outcomes of a cohort run and exports them
// in the Prometheus text format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the collectors of one run. Each run gets its own registry
// so repeated runs in one process do not share counters.
type Recorder struct {
	registry *prometheus.Registry

	subjects *prometheus.CounterVec
	duration *prometheus.HistogramVec
	regions  prometheus.Histogram
}

// NewRecorder creates a recorder labelled with the run id
func NewRecorder(runID string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		subjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cortexmind_subjects_total",
			Help: "Subjects processed by terminal state",
		}, []string{"state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortexmind_subject_duration_seconds",
			Help:    "Wall time spent on each subject",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"state"}),
		regions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortexmind_matrix_regions",
			Help:    "Regions in each written similarity matrix",
			Buckets: prometheus.LinearBuckets(10, 10, 7),
		}),
	}

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "cortexmind_run_info",
		Help:        "Identifies the run that produced these metrics",
		ConstLabels: prometheus.Labels{"run_id": runID},
	})
	info.Set(1)

	r.registry.MustRegister(r.subjects, r.duration, r.regions, info)
	return r
}

// Observe records the outcome of one subject. regions is only recorded for
// written subjects.
func (r *Recorder) Observe(state string, written bool, regions int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.subjects.WithLabelValues(state).Inc()
	r.duration.WithLabelValues(state).Observe(elapsed.Seconds())
	if written {
		r.regions.Observe(float64(regions))
	}
}

// Count returns how many subjects ended in state
func (r *Recorder) Count(state string) (int, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return 0, err
	}
	for _, mf := range families {
		if mf.GetName() != "cortexmind_subjects_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "state" && lp.GetValue() == state {
					return int(m.GetCounter().GetValue()), nil
				}
			}
		}
	}
	return 0, nil
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile stores the metrics at path in the node exporter textfile format
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
