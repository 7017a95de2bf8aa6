package lock

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
)

// InMemoryCoordinator is an in-process coordination service with sessions,
// ephemeral sequential nodes and one-shot watches. It is meant for tests and
// single-process deployments.
type InMemoryCoordinator struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	watches  map[string][]chan struct{}
	sessions map[*memSession]struct{}
}

type memNode struct {
	data  []byte
	owner *memSession
	seq   int32
}

// NewInMemoryCoordinator returns a coordinator holding only the root node.
func NewInMemoryCoordinator() *InMemoryCoordinator {
	return &InMemoryCoordinator{
		nodes:    map[string]*memNode{"/": {}},
		watches:  make(map[string][]chan struct{}),
		sessions: make(map[*memSession]struct{}),
	}
}

// Dial implements Dialer.
func (c *InMemoryCoordinator) Dial(ctx context.Context, _ time.Duration) (CoordSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memSession{c: c}
	c.mu.Lock()
	c.sessions[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

// Sessions returns the number of open sessions.
func (c *InMemoryCoordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Children returns the sorted child names of p, or nil if p is missing.
func (c *InMemoryCoordinator) Children(p string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childrenLocked(p)
}

// ExpireAll ends every open session as if their heartbeats had stopped.
func (c *InMemoryCoordinator) ExpireAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.sessions {
		c.endLocked(s)
	}
}

func (c *InMemoryCoordinator) childrenLocked(p string) []string {
	if _, ok := c.nodes[p]; !ok {
		return nil
	}
	var out []string
	for np := range c.nodes {
		if np != "/" && path.Dir(np) == p {
			out = append(out, path.Base(np))
		}
	}
	return out
}

func (c *InMemoryCoordinator) fireLocked(p string) {
	for _, ch := range c.watches[p] {
		close(ch)
	}
	delete(c.watches, p)
}

func (c *InMemoryCoordinator) endLocked(s *memSession) {
	if s.closed {
		return
	}
	s.closed = true
	delete(c.sessions, s)
	for p, n := range c.nodes {
		if n.owner == s {
			delete(c.nodes, p)
			c.fireLocked(p)
		}
	}
}

type memSession struct {
	c      *InMemoryCoordinator
	closed bool // guarded by c.mu
}

func (s *memSession) lock() (*InMemoryCoordinator, error) {
	s.c.mu.Lock()
	if s.closed {
		s.c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	return s.c, nil
}

func (s *memSession) Create(_ context.Context, p string, data []byte) error {
	c, err := s.lock()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	if _, ok := c.nodes[p]; ok {
		return ErrNodeExists
	}
	if _, ok := c.nodes[path.Dir(p)]; !ok {
		return ErrNoNode
	}
	c.nodes[p] = &memNode{data: data}
	c.fireLocked(p)
	return nil
}

func (s *memSession) CreateSequential(_ context.Context, prefix string, data []byte) (string, error) {
	c, err := s.lock()
	if err != nil {
		return "", err
	}
	defer c.mu.Unlock()
	parent, ok := c.nodes[path.Dir(prefix)]
	if !ok {
		return "", ErrNoNode
	}
	p := fmt.Sprintf("%s%010d", prefix, parent.seq)
	parent.seq++
	c.nodes[p] = &memNode{data: data, owner: s}
	c.fireLocked(p)
	return p, nil
}

func (s *memSession) Children(_ context.Context, p string) ([]string, error) {
	c, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	if _, ok := c.nodes[p]; !ok {
		return nil, ErrNoNode
	}
	return c.childrenLocked(p), nil
}

func (s *memSession) ExistsW(_ context.Context, p string) (bool, <-chan struct{}, error) {
	c, err := s.lock()
	if err != nil {
		return false, nil, err
	}
	defer c.mu.Unlock()
	if _, ok := c.nodes[p]; !ok {
		// Sequential nodes never come back under the same name.
		return false, nil, nil
	}
	ch := make(chan struct{})
	c.watches[p] = append(c.watches[p], ch)
	return true, ch, nil
}

func (s *memSession) Get(_ context.Context, p string) ([]byte, error) {
	c, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return nil, ErrNoNode
	}
	return append([]byte(nil), n.data...), nil
}

func (s *memSession) Set(_ context.Context, p string, data []byte) error {
	c, err := s.lock()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	n, ok := c.nodes[p]
	if !ok {
		return ErrNoNode
	}
	n.data = append([]byte(nil), data...)
	c.fireLocked(p)
	return nil
}

func (s *memSession) Delete(_ context.Context, p string) error {
	c, err := s.lock()
	if err != nil {
		return err
	}
	defer c.mu.Unlock()
	if _, ok := c.nodes[p]; !ok {
		return nil
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for np := range c.nodes {
		if strings.HasPrefix(np, prefix) {
			return fmt.Errorf("latch: node %s has children", p)
		}
	}
	delete(c.nodes, p)
	c.fireLocked(p)
	return nil
}

func (s *memSession) Usable() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return !s.closed
}

func (s *memSession) Close() error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.endLocked(s)
	return nil
}
