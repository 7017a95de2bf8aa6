package syncbus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newMeshPair(t *testing.T) (*MeshBus, *MeshBus) {
	t.Helper()
	a, err := NewMeshBus(MeshOptions{Listen: "127.0.0.1:0", Heartbeat: 50 * time.Millisecond, BatchInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("node a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := NewMeshBus(MeshOptions{
		Listen:        "127.0.0.1:0",
		Peers:         []string{a.Addr().String()},
		Heartbeat:     50 * time.Millisecond,
		BatchInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("node b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

func awaitPeer(t *testing.T, bus *MeshBus, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range bus.Peers() {
			if p == addr {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer %s never discovered, known %v", addr, bus.Peers())
}

func TestMeshBusDeliversBothWays(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()

	// a only learns about b through heartbeats
	awaitPeer(t, a, b.Addr().String())

	chA, _ := a.Subscribe(ctx, "latch:k:released")
	chB, _ := b.Subscribe(ctx, "latch:k:released")

	if err := a.Publish(ctx, "latch:k:released"); err != nil {
		t.Fatalf("publish a: %v", err)
	}
	select {
	case <-chB:
	case <-time.After(2 * time.Second):
		t.Fatal("b did not receive a's notification")
	}

	if err := b.Publish(ctx, "latch:k:released"); err != nil {
		t.Fatalf("publish b: %v", err)
	}
	select {
	case <-chA:
	case <-time.After(2 * time.Second):
		t.Fatal("a did not receive b's notification")
	}

	select {
	case <-chA:
		t.Fatal("a received its own notification back")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMeshBusMetrics(t *testing.T) {
	a, b := newMeshPair(t)
	ctx := context.Background()
	awaitPeer(t, a, b.Addr().String())
	ch, _ := b.Subscribe(ctx, "key")
	if err := a.Publish(ctx, "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for publish")
	}
	deadline := time.Now().Add(time.Second)
	for a.Metrics().Published != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := a.Metrics().Published; got != 1 {
		t.Fatalf("expected published 1 got %d", got)
	}
	if got := b.Metrics().Delivered; got != 1 {
		t.Fatalf("expected delivered 1 got %d", got)
	}
}

func TestMeshBusClose(t *testing.T) {
	a, _ := newMeshPair(t)
	ch, _ := a.Subscribe(context.Background(), "key")
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected subscriber channel closed")
	}
	if err := a.Publish(context.Background(), "key"); err == nil {
		t.Fatal("expected publish on closed mesh to fail")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestMeshBusRejectsLongKeys(t *testing.T) {
	a, _ := newMeshPair(t)
	if err := a.Publish(context.Background(), strings.Repeat("k", meshMaxKeySize+1)); !errors.Is(err, errKeyTooLong) {
		t.Fatalf("expected errKeyTooLong got %v", err)
	}
}

func TestMeshPacket(t *testing.T) {
	p := packet{Type: meshTypeRelease, NodeID: [16]byte{1, 2, 3}, Keys: []string{"latch:a", "", "latch:b"}}
	buf := make([]byte, meshMaxPacket)
	n, err := p.marshal(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if n != packetSize(p.Keys) {
		t.Fatalf("expected %d bytes got %d", packetSize(p.Keys), n)
	}

	var got packet
	if err := got.unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != p.Type || got.NodeID != p.NodeID || strings.Join(got.Keys, ",") != strings.Join(p.Keys, ",") {
		t.Fatalf("decoded %+v", got)
	}

	if err := got.unmarshal(buf[:n-1]); !errors.Is(err, errShortBuffer) {
		t.Fatalf("expected errShortBuffer got %v", err)
	}
	buf[0] = 0
	if err := got.unmarshal(buf[:n]); !errors.Is(err, errInvalidMagic) {
		t.Fatalf("expected errInvalidMagic got %v", err)
	}
	if _, err := p.marshal(make([]byte, 10)); !errors.Is(err, errShortBuffer) {
		t.Fatalf("expected errShortBuffer got %v", err)
	}
}
