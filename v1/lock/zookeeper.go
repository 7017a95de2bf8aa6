package lock

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultQueueExpiry is the default expiry of queue-backed locks. It is
	// used as the session timeout.
	DefaultQueueExpiry = 30 * time.Second

	queueNodePrefix = "lock-"
	// queueRecheck bounds how long a waiter trusts its predecessor watch
	// before listing the queue again.
	queueRecheck = time.Second
	// parentCacheSize bounds how many ensured directories a factory
	// remembers.
	parentCacheSize = 1 << 14
)

// ZooKeeperFactory creates cluster-scoped locks as ephemeral sequential
// nodes under "/<namespace>/<base64url(resource)>". Waiters are served in
// creation order and each one watches only the node directly ahead of it.
//
// Every lock opens its own session through the Dialer. The session timeout
// is the lock's expiry, or DefaultQueueExpiry when the expiry is infinite.
// There is no watchdog: the node lives as long as the session heartbeats.
type ZooKeeperFactory struct {
	base
	dial Dialer

	parentsMu sync.RWMutex
	parents   *ristretto.Cache // nil once the factory is closed
	group     singleflight.Group
}

// NewZooKeeperFactory returns a factory opening sessions with dial.
// Defaults are an infinite timeout and DefaultQueueExpiry.
func NewZooKeeperFactory(dial Dialer, opts ...FactoryOption) (*ZooKeeperFactory, error) {
	if dial == nil {
		return nil, invalidArgument("nil dialer")
	}
	o, m, err := newFactoryOptions(Infinite, DefaultQueueExpiry, opts)
	if err != nil {
		return nil, err
	}
	parents, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * parentCacheSize,
		MaxCost:     parentCacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ZooKeeperFactory{
		base:    base{scope: ScopeCluster, opts: o, metrics: m},
		dial:    dial,
		parents: parents,
	}, nil
}

// Create implements Factory.
func (f *ZooKeeperFactory) Create(resource string, opts ...CreateOption) (Lock, error) {
	return f.create(resource, opts, func(resource string) (acquirer, error) {
		return &queueLock{f: f, dir: "/" + f.opts.namespace + "/" + encodeKey(resource)}, nil
	})
}

// Close implements Factory. Sessions belong to their locks and stay open;
// their directories are ensured again on demand.
func (f *ZooKeeperFactory) Close() error {
	if !f.shut() {
		return nil
	}
	f.parentsMu.Lock()
	parents := f.parents
	f.parents = nil
	f.parentsMu.Unlock()
	parents.Close()
	return nil
}

// ensureDir creates dir and its parents, skipping directories the factory
// ensured recently. Cache admission is asynchronous and may miss.
//
// Concurrent callers for one directory share a single creation, which runs
// detached from any one caller. When the shared attempt fails, a caller
// whose context is still live retries once on its own session.
func (f *ZooKeeperFactory) ensureDir(ctx context.Context, sess CoordSession, dir string) error {
	if f.knownDir(dir) {
		return nil
	}
	ch := f.group.DoChan(dir, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		return nil, createRecursively(cctx, sess, dir)
	})
	var err error
	select {
	case res := <-ch:
		err = res.Err
		if err != nil && res.Shared && ctx.Err() == nil {
			err = createRecursively(ctx, sess, dir)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if err == nil {
		f.rememberDir(dir)
	}
	return err
}

func (f *ZooKeeperFactory) knownDir(dir string) bool {
	f.parentsMu.RLock()
	defer f.parentsMu.RUnlock()
	if f.parents == nil {
		return false
	}
	_, ok := f.parents.Get(dir)
	return ok
}

func (f *ZooKeeperFactory) rememberDir(dir string) {
	f.parentsMu.RLock()
	defer f.parentsMu.RUnlock()
	if f.parents != nil {
		f.parents.Set(dir, struct{}{}, 1)
	}
}

func (f *ZooKeeperFactory) forgetDir(dir string) {
	f.parentsMu.RLock()
	defer f.parentsMu.RUnlock()
	if f.parents != nil {
		f.parents.Del(dir)
	}
}

func createRecursively(ctx context.Context, sess CoordSession, p string) error {
	var cur string
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		cur += "/" + part
		if err := sess.Create(ctx, cur, nil); err != nil && !errors.Is(err, ErrNodeExists) {
			return err
		}
	}
	return nil
}

type queueLock struct {
	f   *ZooKeeperFactory
	dir string

	mu   sync.Mutex
	sess CoordSession
	node string
}

func (q *queueLock) session(ctx context.Context, expiry time.Duration) (CoordSession, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sess != nil && q.sess.Usable() {
		return q.sess, nil
	}
	if q.sess != nil {
		_ = q.sess.Close()
		q.sess = nil
	}
	timeout := expiry
	if timeout == Infinite {
		timeout = DefaultQueueExpiry
	}
	s, err := q.f.dial(ctx, timeout)
	if err != nil {
		return nil, err
	}
	q.sess = s
	return s, nil
}

func (q *queueLock) acquire(ctx context.Context, at attempt) (bool, error) {
	sess, err := q.session(ctx, at.expiry)
	if err != nil {
		return false, abortErr(ctx, err)
	}
	node, err := q.enqueue(ctx, sess)
	if err != nil {
		return false, abortErr(ctx, err)
	}
	ok, err := q.awaitHead(ctx, sess, path.Base(node), at.once)
	if err == nil && ok {
		err = sess.Set(ctx, node, []byte(at.token))
	}
	if err != nil || !ok {
		q.dequeue(sess, node)
		return false, abortErr(ctx, err)
	}
	q.mu.Lock()
	q.node = node
	q.mu.Unlock()
	return true, nil
}

// abortErr hides errors caused by the wait being cancelled or timing out.
func abortErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// enqueue creates this attempt's node. It runs once per attempt so the
// node keeps its place in the queue while waiting.
func (q *queueLock) enqueue(ctx context.Context, sess CoordSession) (string, error) {
	if err := q.f.ensureDir(ctx, sess, q.dir); err != nil {
		return "", err
	}
	node, err := sess.CreateSequential(ctx, q.dir+"/"+queueNodePrefix, nil)
	if errors.Is(err, ErrNoNode) {
		// The directory was removed behind our back.
		q.f.forgetDir(q.dir)
		if err := q.f.ensureDir(ctx, sess, q.dir); err != nil {
			return "", err
		}
		node, err = sess.CreateSequential(ctx, q.dir+"/"+queueNodePrefix, nil)
	}
	return node, err
}

func (q *queueLock) awaitHead(ctx context.Context, sess CoordSession, name string, once bool) (bool, error) {
	minGap := q.f.opts.pollInterval
	recheck := max(queueRecheck, minGap)
	var last time.Time
	for {
		if gap := minGap - time.Since(last); !last.IsZero() && gap > 0 {
			if !sleepCtx(ctx, gap) {
				return false, nil
			}
		}
		last = time.Now()

		children, err := sess.Children(ctx, q.dir)
		if err != nil {
			return false, err
		}
		prev, found := predecessor(parseSequenceNodes(children, queueNodePrefix), name)
		if !found {
			return false, ErrNoNode
		}
		if prev == "" {
			return true, nil
		}
		if once {
			return false, nil
		}
		exists, watch, err := sess.ExistsW(ctx, q.dir+"/"+prev)
		if err != nil {
			return false, err
		}
		if !exists {
			continue
		}
		t := time.NewTimer(recheck)
		select {
		case <-watch:
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false, nil
		}
		t.Stop()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// dequeue deletes the node of a failed attempt so it does not block the
// queue until the session ends.
func (q *queueLock) dequeue(sess CoordSession, node string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := sess.Delete(ctx, node); err != nil {
		q.f.opts.logger.Warn("latch: queue node cleanup failed", "node", node, "error", err)
	}
}

func (q *queueLock) held() (CoordSession, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sess, q.node
}

func (q *queueLock) check(ctx context.Context, token string) (bool, error) {
	sess, node := q.held()
	if sess == nil || node == "" {
		return false, nil
	}
	data, err := sess.Get(ctx, node)
	if errors.Is(err, ErrNoNode) || errors.Is(err, ErrSessionClosed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return string(data) == token, nil
}

func (q *queueLock) renew(ctx context.Context, token string, _ time.Duration) (bool, error) {
	return q.check(ctx, token)
}

func (q *queueLock) release(ctx context.Context, _ string) error {
	q.mu.Lock()
	sess, node := q.sess, q.node
	q.node = ""
	q.mu.Unlock()
	if sess == nil || node == "" {
		return nil
	}
	if err := sess.Delete(ctx, node); err != nil && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	return nil
}

func (q *queueLock) renews() bool { return false }

func (q *queueLock) usable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sess != nil && q.sess.Usable()
}

// close ends the session, which also removes any node left behind.
func (q *queueLock) close() error {
	q.mu.Lock()
	sess := q.sess
	q.sess = nil
	q.node = ""
	q.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}
