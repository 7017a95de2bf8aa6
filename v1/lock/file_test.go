package lock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLockWritesToken(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFileFactory(dir)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	ctx := context.Background()
	l, err := CreateAndWait(ctx, f, "a/b")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	path := filepath.Join(dir, "latch-"+encodeKey("a/b")+".lock")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if string(data) != l.Token() {
		t.Fatalf("expected token in lock file, got %q", data)
	}
	if f.Scope() != ScopeMachine {
		t.Fatalf("unexpected scope %v", f.Scope())
	}
	_ = l.Close()
	if data, _ := os.ReadFile(path); len(data) != 0 {
		t.Fatalf("lock file should be emptied on release, got %q", data)
	}
}

func TestFileLockAcrossFactories(t *testing.T) {
	dir := t.TempDir()
	f1, _ := NewFileFactory(dir)
	f2, _ := NewFileFactory(dir)
	ctx := context.Background()

	a, err := CreateAndWait(ctx, f1, "k")
	if err != nil || !a.Acquired() {
		t.Fatalf("first: err %v", err)
	}
	b, _ := CreateAndTryWait(ctx, f2, "k", WithTimeout(50*time.Millisecond))
	if b.Acquired() {
		t.Fatal("second factory on the same directory acquired a held lock")
	}
	_ = b.Close()
	_ = a.Close()
	c, err := CreateAndWait(ctx, f2, "k", WithTimeout(time.Second))
	if err != nil || !c.Acquired() {
		t.Fatalf("after release: err %v acquired %v", err, c.Acquired())
	}
	_ = c.Close()
}

func TestFileLockCheckDetectsForeignToken(t *testing.T) {
	dir := t.TempDir()
	f, _ := NewFileFactory(dir)
	ctx := context.Background()
	l, _ := CreateAndWait(ctx, f, "k")
	defer l.Close()

	path := filepath.Join(dir, "latch-"+encodeKey("k")+".lock")
	if err := os.WriteFile(path, []byte("someone-else"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	ok, err := l.CheckLocked(ctx)
	if err != nil || ok {
		t.Fatalf("expected foreign token to fail the check, ok %v err %v", ok, err)
	}
}
