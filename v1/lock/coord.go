package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoNode is returned by a CoordSession for a missing node.
	ErrNoNode = errors.New("latch: node does not exist")
	// ErrNodeExists is returned by CoordSession.Create for an existing node.
	ErrNodeExists = errors.New("latch: node already exists")
	// ErrSessionClosed is returned by a CoordSession after Close or expiry.
	ErrSessionClosed = errors.New("latch: coordination session closed")
)

// CoordSession is one session with a hierarchical coordination service.
// Ephemeral nodes created through it disappear when the session ends.
type CoordSession interface {
	// Create makes a persistent node at path.
	Create(ctx context.Context, path string, data []byte) error
	// CreateSequential makes an ephemeral node named prefix followed by a
	// sequence number assigned by the service, and returns its full path.
	CreateSequential(ctx context.Context, prefix string, data []byte) (string, error)
	// Children lists the names of the children of path.
	Children(ctx context.Context, path string) ([]string, error)
	// ExistsW reports whether path exists and returns a channel closed on
	// the next change to it.
	ExistsW(ctx context.Context, path string) (bool, <-chan struct{}, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, data []byte) error
	// Delete removes path. A missing node is not an error.
	Delete(ctx context.Context, path string) error
	// Usable reports whether the session is still alive.
	Usable() bool
	Close() error
}

// Dialer opens a new session with the given session timeout.
type Dialer func(ctx context.Context, sessionTimeout time.Duration) (CoordSession, error)
