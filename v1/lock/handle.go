package lock

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/metrics"
)

const releaseTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/lock")

// handle implements Lock on top of an acquirer.
type handle struct {
	key     string
	token   string
	timeout time.Duration
	expiry  time.Duration
	scope   Scope
	acq     acquirer
	log     *slog.Logger
	metrics *metrics.LockMetrics

	closed   atomic.Bool
	acquired atomic.Bool
	waiting  atomic.Bool

	// opMu serializes acquisition and release.
	opMu sync.Mutex
	dog  *watchdog

	cancelMu   sync.Mutex
	cancelWait context.CancelFunc
}

func (h *handle) Key() string { return h.key }
func (h *handle) Token() string { return h.token }
func (h *handle) Acquired() bool { return h.acquired.Load() && !h.closed.Load() }
func (h *handle) Timeout() time.Duration { return h.timeout }
func (h *handle) Expiry() time.Duration { return h.expiry }
func (h *handle) Renewable() bool { return h.Acquired() && h.acq.usable() }
func (h *handle) Wait(ctx context.Context) error { return h.wait(ctx, false) }

func (h *handle) State() State {
	switch {
	case h.closed.Load():
		return StateClosed
	case h.acquired.Load():
		return StateAcquired
	case h.waiting.Load():
		return StateAcquiring
	}
	return StateIdle
}

func (h *handle) TryWait(ctx context.Context) error {
	return h.wait(ctx, true)
}

func (h *handle) wait(ctx context.Context, try bool) error {
	if h.closed.Load() {
		return ErrDisposed
	}
	h.opMu.Lock()
	defer h.opMu.Unlock()
	if h.closed.Load() {
		return ErrDisposed
	}
	if h.acquired.Load() {
		return nil
	}

	ctx, span := tracer.Start(ctx, "latch.Wait", trace.WithAttributes(
		attribute.String("latch.key", h.key),
		attribute.String("latch.scope", h.scope.String()),
	))
	defer span.End()

	ctx, cancel := h.deadline(ctx)
	defer cancel()
	h.cancelMu.Lock()
	h.cancelWait = cancel
	if h.closed.Load() {
		cancel()
	}
	h.cancelMu.Unlock()

	h.waiting.Store(true)
	start := time.Now()
	ok, err := h.acq.acquire(ctx, attempt{token: h.token, expiry: h.expiry, once: h.timeout == 0})
	h.waiting.Store(false)

	h.cancelMu.Lock()
	h.cancelWait = nil
	h.cancelMu.Unlock()

	if err != nil {
		if h.closed.Load() {
			return ErrDisposed
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.metrics.Failed(h.scope.String())
		if try {
			h.log.Debug("latch: try acquire failed", "key", h.key, "error", err)
			return nil
		}
		return &AcquisitionError{Key: h.key, Err: err}
	}
	if !ok {
		span.SetAttributes(attribute.Bool("latch.acquired", false))
		h.metrics.TimedOut(h.scope.String())
		if h.closed.Load() {
			return ErrDisposed
		}
		return nil
	}

	h.acquired.Store(true)
	h.metrics.Acquired(h.scope.String(), time.Since(start))
	span.SetAttributes(attribute.Bool("latch.acquired", true))
	// Close ran while we were waiting and will release what we just took.
	if h.closed.Load() {
		return ErrDisposed
	}
	if h.expiry != Infinite && h.acq.renews() {
		if h.dog != nil {
			h.dog.stop()
		}
		h.dog = startWatchdog(h)
	}
	return nil
}

func (h *handle) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(ctx, h.timeout)
	}
	return context.WithCancel(ctx)
}

func (h *handle) CheckLocked(ctx context.Context) (bool, error) {
	if h.closed.Load() {
		return false, ErrDisposed
	}
	if !h.acquired.Load() {
		return false, nil
	}
	ok, err := h.acq.check(ctx, h.token)
	if err != nil {
		return false, &AcquisitionError{Key: h.key, Err: err}
	}
	if !ok {
		h.lose("check")
	}
	return ok, nil
}

// lose records that the backend no longer lists this lock as holder.
func (h *handle) lose(reason string) {
	if h.acquired.CompareAndSwap(true, false) {
		h.metrics.Lost(h.scope.String())
		h.log.Warn("latch: lock ownership lost", "key", h.key, "reason", reason)
	}
}

// expire force-releases a lapsed lease for backends without clock authority.
func (h *handle) expire() {
	if !h.acquired.CompareAndSwap(true, false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := h.acq.release(ctx, h.token); err != nil {
		h.log.Warn("latch: release of expired lock failed", "key", h.key, "error", err)
	}
	h.metrics.Lost(h.scope.String())
	h.log.Warn("latch: lock lease expired", "key", h.key, "expiry", h.expiry)
}

func (h *handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancelMu.Lock()
	if h.cancelWait != nil {
		h.cancelWait()
	}
	h.cancelMu.Unlock()

	h.opMu.Lock()
	defer h.opMu.Unlock()
	if h.dog != nil {
		h.dog.stop()
		h.dog = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if h.acquired.Swap(false) {
		if err := h.acq.release(ctx, h.token); err != nil {
			h.metrics.ReleaseFailed(h.scope.String())
			h.log.Warn("latch: release failed", "key", h.key, "error", err)
		} else {
			h.metrics.Released(h.scope.String())
		}
	}
	if err := h.acq.close(); err != nil {
		h.log.Warn("latch: backend close failed", "key", h.key, "error", err)
	}
	return nil
}
