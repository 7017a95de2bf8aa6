package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LockMetrics groups the collectors updated by lock factories. A nil
// *LockMetrics is valid and records nothing.
type LockMetrics struct {
	acquired *prometheus.CounterVec
	timeouts *prometheus.CounterVec
	failures *prometheus.CounterVec
	renewals *prometheus.CounterVec
	lost     *prometheus.CounterVec
	released *prometheus.CounterVec
	held     *prometheus.GaugeVec
	waitTime *prometheus.HistogramVec
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// NewLockMetrics registers the lock collectors on reg. Collectors already
// registered by another factory on the same registry are shared.
func NewLockMetrics(reg prometheus.Registerer) (*LockMetrics, error) {
	m := &LockMetrics{
		acquired: counter("latch_acquired_total", "Total number of acquired locks"),
		timeouts: counter("latch_timeouts_total", "Total number of waits that gave up without the lock"),
		failures: counter("latch_failures_total", "Total number of waits aborted by a backend error"),
		renewals: counter("latch_renewals_total", "Total number of successful lease renewals"),
		lost:     counter("latch_lost_total", "Total number of locks whose ownership was lost"),
		released: counter("latch_released_total", "Total number of released locks"),
		held: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "latch_held",
			Help: "Current number of held locks",
		}, []string{"scope"}),
		waitTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latch_wait_seconds",
			Help:    "Time spent waiting before a lock was acquired",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"scope"}),
	}
	var err error
	m.acquired, err = register(reg, m.acquired)
	if err == nil {
		m.timeouts, err = register(reg, m.timeouts)
	}
	if err == nil {
		m.failures, err = register(reg, m.failures)
	}
	if err == nil {
		m.renewals, err = register(reg, m.renewals)
	}
	if err == nil {
		m.lost, err = register(reg, m.lost)
	}
	if err == nil {
		m.released, err = register(reg, m.released)
	}
	if err == nil {
		m.held, err = register(reg, m.held)
	}
	if err == nil {
		m.waitTime, err = register(reg, m.waitTime)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func counter(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{"scope"})
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *LockMetrics) Acquired(scope string, waited time.Duration) {
	if m == nil {
		return
	}
	m.acquired.WithLabelValues(scope).Inc()
	m.held.WithLabelValues(scope).Inc()
	m.waitTime.WithLabelValues(scope).Observe(waited.Seconds())
}

func (m *LockMetrics) TimedOut(scope string) {
	if m != nil {
		m.timeouts.WithLabelValues(scope).Inc()
	}
}

func (m *LockMetrics) Failed(scope string) {
	if m != nil {
		m.failures.WithLabelValues(scope).Inc()
	}
}

func (m *LockMetrics) Renewed(scope string) {
	if m != nil {
		m.renewals.WithLabelValues(scope).Inc()
	}
}

// Lost counts a lock whose lease was taken over or expired.
func (m *LockMetrics) Lost(scope string) {
	if m == nil {
		return
	}
	m.lost.WithLabelValues(scope).Inc()
	m.held.WithLabelValues(scope).Dec()
}

func (m *LockMetrics) Released(scope string) {
	if m == nil {
		return
	}
	m.released.WithLabelValues(scope).Inc()
	m.held.WithLabelValues(scope).Dec()
}

// ReleaseFailed records a lock given up locally whose backend release
// failed. The holder count drops; the released counter does not.
func (m *LockMetrics) ReleaseFailed(scope string) {
	if m != nil {
		m.held.WithLabelValues(scope).Dec()
	}
}
