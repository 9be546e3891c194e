// Package metrics exposes bundle manager activity as Prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bundlekit"

type Metrics struct {
	trackedHandles prometheus.Gauge
	refCount       *prometheus.GaugeVec
	fetches        *prometheus.CounterVec
	fetchErrors    prometheus.Counter
	reloads        *prometheus.CounterVec
	reclaimed      *prometheus.CounterVec
	runs           *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		trackedHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_handles",
			Help:      "Entries in the object tracking table.",
		}),
		refCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bundle_ref_count",
			Help:      "Reference count per bundle.",
		}, []string{"bundle"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Completed payload fetches by source.",
		}, []string{"source"}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Failed payload and manifest fetches.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Hot reload outcomes.",
		}, []string{"outcome"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_reclaimed_total",
			Help:      "Tracking entries released by the sweeps.",
		}, []string{"sweep"}),
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of init and download runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"op", "code"}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.trackedHandles, m.refCount, m.fetches, m.fetchErrors, m.reloads, m.reclaimed, m.runs,
	}
}

func (m *Metrics) SetTracked(n int) {
	if m == nil {
		return
	}
	m.trackedHandles.Set(float64(n))
}

// SetRefCount records the count of bundle. Zero removes the series.
func (m *Metrics) SetRefCount(bundle string, n int) {
	if m == nil {
		return
	}
	if n <= 0 {
		m.refCount.DeleteLabelValues(bundle)
		return
	}
	m.refCount.WithLabelValues(bundle).Set(float64(n))
}

func (m *Metrics) ObserveFetch(source string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.fetchErrors.Inc()
		return
	}
	m.fetches.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveReload(outcome string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddReclaimed(sweep string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.WithLabelValues(sweep).Add(float64(n))
}

func (m *Metrics) ObserveRun(op, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(op, code).Observe(d.Seconds())
}
