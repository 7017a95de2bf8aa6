package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZooKeeperDialer returns a Dialer that connects to servers and waits until
// the new session is established. Requests made through the session are
// bounded by the session timeout rather than by their context.
func ZooKeeperDialer(servers []string, logger *slog.Logger) Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, sessionTimeout time.Duration) (CoordSession, error) {
		conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{logger}))
		if err != nil {
			return nil, err
		}
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil, ErrSessionClosed
				}
				switch ev.State {
				case zk.StateHasSession:
					go drainEvents(events)
					return &zkSession{conn: conn}, nil
				case zk.StateAuthFailed, zk.StateExpired:
					conn.Close()
					return nil, fmt.Errorf("latch: zookeeper session: %s", ev.State)
				}
			case <-ctx.Done():
				conn.Close()
				return nil, ctx.Err()
			}
		}
	}
}

func drainEvents(events <-chan zk.Event) {
	for range events {
	}
}

type zkLogger struct {
	l *slog.Logger
}

func (z zkLogger) Printf(format string, args ...any) {
	z.l.Debug("zookeeper: " + fmt.Sprintf(format, args...))
}

type zkSession struct {
	conn *zk.Conn
}

var zkACL = zk.WorldACL(zk.PermAll)

func zkErr(err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return ErrNoNode
	case errors.Is(err, zk.ErrNodeExists):
		return ErrNodeExists
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return err
}

func (s *zkSession) Create(_ context.Context, path string, data []byte) error {
	_, err := s.conn.Create(path, data, 0, zkACL)
	return zkErr(err)
}

func (s *zkSession) CreateSequential(_ context.Context, prefix string, data []byte) (string, error) {
	node, err := s.conn.CreateProtectedEphemeralSequential(prefix, data, zkACL)
	return node, zkErr(err)
}

func (s *zkSession) Children(_ context.Context, path string) ([]string, error) {
	children, _, err := s.conn.Children(path)
	return children, zkErr(err)
}

func (s *zkSession) ExistsW(_ context.Context, path string) (bool, <-chan struct{}, error) {
	ok, _, events, err := s.conn.ExistsW(path)
	if err != nil {
		return false, nil, zkErr(err)
	}
	changed := make(chan struct{})
	go func() {
		<-events
		close(changed)
	}()
	return ok, changed, nil
}

func (s *zkSession) Get(_ context.Context, path string) ([]byte, error) {
	data, _, err := s.conn.Get(path)
	return data, zkErr(err)
}

func (s *zkSession) Set(_ context.Context, path string, data []byte) error {
	_, err := s.conn.Set(path, data, -1)
	return zkErr(err)
}

func (s *zkSession) Delete(_ context.Context, path string) error {
	err := zkErr(s.conn.Delete(path, -1))
	if errors.Is(err, ErrNoNode) {
		return nil
	}
	return err
}

func (s *zkSession) Usable() bool {
	return s.conn.State() == zk.StateHasSession
}

func (s *zkSession) Close() error {
	s.conn.Close()
	return nil
}
