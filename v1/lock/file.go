package lock

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FileFactory creates machine-scoped locks backed by OS file locks in one
// directory. Expiry does not apply: the OS drops the lock when the holding
// process exits.
type FileFactory struct {
	base
	dir string
}

// NewFileFactory returns a factory keeping its lock files in dir, which is
// created if missing.
func NewFileFactory(dir string, opts ...FactoryOption) (*FileFactory, error) {
	if dir == "" {
		return nil, invalidArgument("empty lock directory")
	}
	o, m, err := newFactoryOptions(Infinite, Infinite, opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileFactory{base: base{scope: ScopeMachine, opts: o, metrics: m}, dir: dir}, nil
}

// Create implements Factory.
func (f *FileFactory) Create(resource string, opts ...CreateOption) (Lock, error) {
	return f.create(resource, opts, func(resource string) (acquirer, error) {
		path := filepath.Join(f.dir, f.opts.namespace+"-"+encodeKey(resource)+".lock")
		return &fileLock{path: path, fl: flock.New(path), poll: f.opts.pollInterval}, nil
	})
}

// Close implements Factory.
func (f *FileFactory) Close() error {
	f.shut()
	return nil
}

// encodeKey turns a resource name into a single URL-safe path segment.
func encodeKey(resource string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(resource))
}

type fileLock struct {
	path string
	fl   *flock.Flock
	poll time.Duration
}

func (l *fileLock) acquire(ctx context.Context, at attempt) (bool, error) {
	var (
		ok  bool
		err error
	)
	if at.once {
		ok, err = l.fl.TryLock()
	} else {
		ok, err = l.fl.TryLockContext(ctx, l.poll)
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := os.WriteFile(l.path, []byte(at.token), 0o600); err != nil {
		_ = l.fl.Unlock()
		return false, err
	}
	return true, nil
}

func (l *fileLock) check(_ context.Context, token string) (bool, error) {
	if !l.fl.Locked() {
		return false, nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Equal(data, []byte(token)), nil
}

func (l *fileLock) renew(context.Context, string, time.Duration) (bool, error) {
	return l.fl.Locked(), nil
}

func (l *fileLock) release(ctx context.Context, token string) error {
	if ok, _ := l.check(ctx, token); ok {
		if err := os.Truncate(l.path, 0); err != nil {
			_ = l.fl.Unlock()
			return err
		}
	}
	return l.fl.Unlock()
}

func (l *fileLock) renews() bool { return false }
func (l *fileLock) usable() bool { return l.fl.Locked() }
func (l *fileLock) close() error { return l.fl.Close() }
