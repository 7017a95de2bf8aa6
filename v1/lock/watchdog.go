package lock

import (
	"context"
	"time"
)

// watchdog renews a held lease every expiry/3 until stopped or until the
// backend reports the lease lost.
type watchdog struct {
	stopCh chan struct{}
	done   chan struct{}
}

func startWatchdog(h *handle) *watchdog {
	w := &watchdog{stopCh: make(chan struct{}), done: make(chan struct{})}
	go w.run(h)
	return w
}

// stop tears the watchdog down and waits for an in-flight renewal to finish.
func (w *watchdog) stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.done
}

func (w *watchdog) run(h *handle) {
	defer close(w.done)

	interval := h.expiry / 3
	if interval <= 0 {
		interval = h.expiry
	}
	renew := time.NewTicker(interval)
	defer renew.Stop()

	var expireC <-chan time.Time
	ex, selfExpiring := h.acq.(expirer)
	if selfExpiring {
		t := time.NewTicker(h.expiry)
		defer t.Stop()
		expireC = t.C
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-w.stopCh:
			return
		case <-renew.C:
			// an unusable connection is retried, a renewal is what
			// tells the store it recovered
			if !h.Acquired() {
				return
			}
			rctx, rcancel := context.WithTimeout(ctx, interval)
			ok, err := h.acq.renew(rctx, h.token, h.expiry)
			rcancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				h.log.Warn("latch: lease renewal failed", "key", h.key, "error", err)
				continue
			}
			if !ok {
				h.lose("renew")
				return
			}
			h.metrics.Renewed(h.scope.String())
		case <-expireC:
			if ex.expired(h.token) {
				h.expire()
				return
			}
		}
	}
}
