package main

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-latch/v1/lock"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTryAndCheck(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "--backend", "file", "--dir", dir, "try", "jobs")
	if err != nil {
		t.Fatalf("try: %v", err)
	}
	if !strings.HasPrefix(out, "acquired=true token=") {
		t.Fatalf("unexpected output %q", out)
	}

	out, err = run(t, "--backend", "file", "--dir", dir, "check", "jobs")
	if err != nil || out != "locked=false\n" {
		t.Fatalf("check on a free resource: %q %v", out, err)
	}

	f, err := lock.NewFileFactory(dir)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	held, err := lock.CreateAndWait(context.Background(), f, "jobs")
	if err != nil || !held.Acquired() {
		t.Fatalf("hold: %v", err)
	}
	defer held.Close()

	out, err = run(t, "--backend", "file", "--dir", dir, "check", "jobs")
	if err != nil || out != "locked=true\n" {
		t.Fatalf("check on a held resource: %q %v", out, err)
	}
	out, err = run(t, "--backend", "file", "--dir", dir, "try", "jobs")
	if !errors.Is(err, errNotAcquired) || out != "acquired=false\n" {
		t.Fatalf("try on a held resource: %q %v", out, err)
	}
}

func TestHoldRunsCommand(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	out, err := run(t, "--backend", "file", "--dir", t.TempDir(), "hold", "jobs", "--", "true")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if !strings.HasPrefix(out, "acquired=true") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestHoldTimesOut(t *testing.T) {
	dir := t.TempDir()
	f, _ := lock.NewFileFactory(dir)
	held, err := lock.CreateAndWait(context.Background(), f, "jobs")
	if err != nil || !held.Acquired() {
		t.Fatalf("hold: %v", err)
	}
	defer held.Close()

	_, err = run(t, "--backend", "file", "--dir", dir, "--timeout", "50ms", "hold", "jobs", "--", "true")
	if !errors.Is(err, errNotAcquired) {
		t.Fatalf("expected errNotAcquired got %v", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	if _, err := run(t, "--backend", "etcd", "try", "jobs"); err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("expected unknown backend error got %v", err)
	}
}

func TestRedisBackendBusSelection(t *testing.T) {
	mr := miniredis.RunT(t)

	out, err := run(t, "--backend", "redis", "--redis-addr", mr.Addr(), "--bus", "none", "--namespace", "cli", "try", "jobs")
	if err != nil || !strings.HasPrefix(out, "acquired=true") {
		t.Fatalf("try: %q %v", out, err)
	}
	if mr.Exists("cli:jobs") {
		t.Fatal("lock should be released when the command ends")
	}

	if _, err := run(t, "--backend", "redis", "--redis-addr", mr.Addr(), "--bus", "smoke-signals", "try", "jobs"); err == nil {
		t.Fatal("expected an error for an unknown bus")
	}
}

func TestLocalBackendNamespace(t *testing.T) {
	out, err := run(t, "--backend", "local", "--namespace", "ci", "try", "jobs")
	if err != nil || !strings.HasPrefix(out, "acquired=true") {
		t.Fatalf("try: %q %v", out, err)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil || out != "latch v"+Version+"\n" {
		t.Fatalf("version: %q %v", out, err)
	}
}
