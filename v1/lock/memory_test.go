package lock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRegistryDropsUnreferencedEntries(t *testing.T) {
	reg := NewRegistry()
	f, _ := NewLocalFactory(reg)
	ctx := context.Background()

	a, _ := CreateAndWait(ctx, f, "k")
	b, _ := f.Create("k")
	go func() { _ = b.Wait(ctx) }()
	time.Sleep(20 * time.Millisecond)
	if reg.Len() != 1 {
		t.Fatalf("expected one shared entry got %d", reg.Len())
	}
	_ = a.Close()
	deadline := time.Now().Add(time.Second)
	for !b.Acquired() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !b.Acquired() {
		t.Fatal("waiter did not acquire")
	}
	_ = b.Close()
	if reg.Len() != 0 {
		t.Fatalf("expected registry empty after release, got %d", reg.Len())
	}
}

func TestRegistryConcurrentJoinLeave(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s := reg.join("k")
				reg.leave("k", s)
			}
		}()
	}
	wg.Wait()
	if reg.Len() != 0 {
		t.Fatalf("entries leaked: %d", reg.Len())
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	ctx := context.Background()
	f1, _ := NewLocalFactory(NewRegistry())
	f2, _ := NewLocalFactory(NewRegistry())
	a, _ := CreateAndWait(ctx, f1, "k")
	b, _ := CreateAndWait(ctx, f2, "k", WithTimeout(0))
	if !a.Acquired() || !b.Acquired() {
		t.Fatal("locks on different registries must not contend")
	}
	_ = a.Close()
	_ = b.Close()
}

func TestFactoriesShareRegistry(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	f1, _ := NewLocalFactory(reg)
	f2, _ := NewLocalFactory(reg)
	a, _ := CreateAndWait(ctx, f1, "k")
	defer a.Close()
	b, _ := CreateAndTryWait(ctx, f2, "k", WithTimeout(0))
	defer b.Close()
	if b.Acquired() {
		t.Fatal("factories on one registry must contend")
	}
}

func TestLocalWatchdogExpiresStalledLease(t *testing.T) {
	reg := NewRegistry()
	f, _ := NewLocalFactory(reg)
	l, _ := CreateAndWait(context.Background(), f, "k", WithExpiry(60*time.Millisecond))
	h := l.(*handle)
	local := h.acq.(*localLock)

	abandon(l)
	if local.expired(l.Token()) {
		t.Fatal("fresh lease reported lapsed")
	}
	// Push the deadline into the past as a stalled renewal would.
	s := local.current()
	s.mu.Lock()
	s.deadline = time.Now().Add(-time.Second)
	s.mu.Unlock()
	if !local.expired(l.Token()) {
		t.Fatal("lease should report lapsed")
	}

	h.expire()
	if l.Acquired() {
		t.Fatal("expired lock still acquired")
	}
	if reg.Len() != 0 {
		t.Fatalf("expired lock kept its entry: %d", reg.Len())
	}
	_ = l.Close()
}

func TestLocalDropKeepsNewHolderPermit(t *testing.T) {
	reg := NewRegistry()
	f, _ := NewLocalFactory(reg, fastPoll)
	ctx := context.Background()

	a, _ := CreateAndWait(ctx, f, "k", WithExpiry(time.Hour))
	s := a.(*handle).acq.(*localLock).current()
	s.mu.Lock()
	s.deadline = time.Now().Add(-time.Second)
	s.mu.Unlock()

	b, err := CreateAndWait(ctx, f, "k", WithTimeout(time.Second), WithExpiry(time.Hour))
	if err != nil || !b.Acquired() {
		t.Fatalf("lapsed lease was not reclaimed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ok, err := b.CheckLocked(ctx); err != nil || !ok {
		t.Fatalf("closing the lapsed holder freed the new holder's permit: %v %v", ok, err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one entry got %d", reg.Len())
	}
	_ = b.Close()
	if reg.Len() != 0 {
		t.Fatalf("expected registry empty, got %d", reg.Len())
	}
}
