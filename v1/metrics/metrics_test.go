package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLockMetricsRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewLockMetrics(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	m.Acquired("process", 10*time.Millisecond)
	m.Acquired("process", time.Millisecond)
	m.Renewed("process")
	m.Released("process")
	m.TimedOut("cluster")

	if got := testutil.ToFloat64(m.acquired.WithLabelValues("process")); got != 2 {
		t.Fatalf("expected 2 acquired got %v", got)
	}
	if got := testutil.ToFloat64(m.held.WithLabelValues("process")); got != 1 {
		t.Fatalf("expected 1 held got %v", got)
	}
	if got := testutil.ToFloat64(m.timeouts.WithLabelValues("cluster")); got != 1 {
		t.Fatalf("expected 1 timeout got %v", got)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 5 {
		t.Fatalf("expected metrics registered, got %d families", len(mfs))
	}
}

func TestNewLockMetricsSharesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewLockMetrics(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := NewLockMetrics(reg)
	if err != nil {
		t.Fatalf("second registration should reuse collectors: %v", err)
	}
	a.Lost("machine")
	b.Lost("machine")
	if got := testutil.ToFloat64(a.lost.WithLabelValues("machine")); got != 2 {
		t.Fatalf("expected shared counter at 2 got %v", got)
	}
}

func TestNilLockMetricsIsNoop(t *testing.T) {
	var m *LockMetrics
	m.Acquired("process", time.Second)
	m.Failed("process")
	m.Released("process")
}

func TestReleaseFailedDropsHeldOnly(t *testing.T) {
	m, err := NewLockMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	m.Acquired("cluster", time.Millisecond)
	m.ReleaseFailed("cluster")
	if got := testutil.ToFloat64(m.held.WithLabelValues("cluster")); got != 0 {
		t.Fatalf("expected 0 held got %v", got)
	}
	if got := testutil.ToFloat64(m.released.WithLabelValues("cluster")); got != 0 {
		t.Fatalf("a failed release must not count as released, got %v", got)
	}
}
