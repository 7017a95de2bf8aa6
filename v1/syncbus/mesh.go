package syncbus

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"
)

const (
	defaultMeshListen    = ":7946"
	defaultMeshHeartbeat = 5 * time.Second
	defaultMeshBatch     = 20 * time.Millisecond
	meshPeerTTL          = 12
)

// MeshOptions configures a MeshBus.
type MeshOptions struct {
	// Listen is the UDP address to bind, ":7946" when empty.
	Listen string
	// Group enables IPv4 multicast on the given group address. The group
	// uses the listen port.
	Group     string
	Interface string
	// Peers are unicast seeds. Peers that heartbeat back are remembered.
	Peers         []string
	AdvertiseAddr string
	Heartbeat     time.Duration
	BatchInterval time.Duration
}

// MeshBus implements Bus over UDP between hosts of one network, without a
// broker. Delivery is best effort.
type MeshBus struct {
	fanout
	opts      MeshOptions
	nodeID    [16]byte
	conn      net.PacketConn
	groupAddr *net.UDPAddr

	peersMu sync.RWMutex
	peers   map[string]*meshPeer

	publishCh chan string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type meshPeer struct {
	addr     *net.UDPAddr
	seed     bool
	lastSeen time.Time
}

// NewMeshBus binds the UDP socket and starts the mesh goroutines.
func NewMeshBus(opts MeshOptions) (*MeshBus, error) {
	if opts.Listen == "" {
		opts.Listen = defaultMeshListen
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultMeshHeartbeat
	}
	if opts.BatchInterval <= 0 {
		opts.BatchInterval = defaultMeshBatch
	}

	c, err := net.ListenPacket("udp4", opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to listen on %s: %w", opts.Listen, err)
	}

	var groupAddr *net.UDPAddr
	if opts.Group != "" {
		groupAddr, err = joinGroup(c, opts)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &MeshBus{
		fanout:    newFanout(),
		opts:      opts,
		nodeID:    uuid.New(),
		conn:      c,
		groupAddr: groupAddr,
		peers:     make(map[string]*meshPeer),
		publishCh: make(chan string, 1024),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, p := range opts.Peers {
		addr, err := net.ResolveUDPAddr("udp4", p)
		if err != nil {
			_ = c.Close()
			cancel()
			return nil, fmt.Errorf("mesh: invalid peer %s: %w", p, err)
		}
		b.peers[addr.String()] = &meshPeer{addr: addr, seed: true}
	}

	b.wg.Add(3)
	go b.listen()
	go b.heartbeatLoop()
	go b.runBatcher()
	return b, nil
}

func joinGroup(c net.PacketConn, opts MeshOptions) (*net.UDPAddr, error) {
	local, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("mesh: unexpected local address %v", c.LocalAddr())
	}
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(opts.Group, fmt.Sprint(local.Port)))
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to resolve multicast address: %w", err)
	}
	var iface *net.Interface
	if opts.Interface != "" {
		if iface, err = net.InterfaceByName(opts.Interface); err != nil {
			return nil, fmt.Errorf("mesh: failed to find interface %s: %w", opts.Interface, err)
		}
	}
	pconn := ipv4.NewPacketConn(c)
	if err := pconn.JoinGroup(iface, addr); err != nil {
		return nil, fmt.Errorf("mesh: failed to join group %s: %w", opts.Group, err)
	}
	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			return nil, fmt.Errorf("mesh: failed to set multicast interface: %w", err)
		}
	}
	// nodes on the same host hear each other
	_ = pconn.SetMulticastLoopback(true)
	return addr, nil
}

// Addr returns the bound UDP address.
func (b *MeshBus) Addr() net.Addr {
	return b.conn.LocalAddr()
}

// Publish queues a notification for the next batch.
func (b *MeshBus) Publish(ctx context.Context, key string) error {
	if len(key) > meshMaxKeySize {
		return errKeyTooLong
	}
	if b.ctx.Err() != nil {
		return net.ErrClosed
	}
	if !b.begin(key) {
		return nil // deduplicate
	}
	select {
	case b.publishCh <- key:
		return nil
	case <-ctx.Done():
		b.end(key, ctx.Err())
		return ctx.Err()
	case <-b.ctx.Done():
		b.end(key, net.ErrClosed)
		return net.ErrClosed
	}
}

// Subscribe implements Bus.Subscribe.
func (b *MeshBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch, _ := b.add(key)
	unsubscribeOnDone(ctx, b, key, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *MeshBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.remove(key, ch)
	return nil
}

// Peers returns the unicast peers currently known.
func (b *MeshBus) Peers() []string {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	out := make([]string, 0, len(b.peers))
	for addr := range b.peers {
		out = append(out, addr)
	}
	return out
}

// Close stops the mesh goroutines and closes the socket.
func (b *MeshBus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.closeErr = b.conn.Close()
		b.wg.Wait()
		b.closeAll()
	})
	return b.closeErr
}

// broadcast sends payload to the multicast group and every known peer.
func (b *MeshBus) broadcast(payload []byte) error {
	var err error
	if b.groupAddr != nil {
		_, err = b.conn.WriteTo(payload, b.groupAddr)
	}
	b.peersMu.RLock()
	addrs := make([]*net.UDPAddr, 0, len(b.peers))
	for _, p := range b.peers {
		addrs = append(addrs, p.addr)
	}
	b.peersMu.RUnlock()
	for _, addr := range addrs {
		if _, werr := b.conn.WriteTo(payload, addr); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (b *MeshBus) send(typ byte, keys []string) error {
	p := packet{Type: typ, NodeID: b.nodeID, Keys: keys}
	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)
	n, err := p.marshal(buf)
	if err != nil {
		return err
	}
	return b.broadcast(buf[:n])
}

func (b *MeshBus) listen() {
	defer b.wg.Done()
	buf := make([]byte, meshMaxPacket)
	for {
		n, from, err := b.conn.ReadFrom(buf)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			continue
		}
		var p packet
		if err := p.unmarshal(buf[:n]); err != nil || p.NodeID == b.nodeID {
			continue
		}
		switch p.Type {
		case meshTypeHeartbeat:
			b.seen(p.Keys, from)
		case meshTypeRelease:
			for _, key := range p.Keys {
				b.deliver(key)
			}
		}
	}
}

// seen records the advertised address of a heartbeating peer, falling back
// to the packet source.
func (b *MeshBus) seen(advertised []string, from net.Addr) {
	addr, _ := from.(*net.UDPAddr)
	if len(advertised) == 1 && advertised[0] != "" {
		if a, err := net.ResolveUDPAddr("udp4", advertised[0]); err == nil {
			addr = a
		}
	}
	if addr == nil {
		return
	}
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	if p, ok := b.peers[addr.String()]; ok {
		p.lastSeen = time.Now()
		return
	}
	b.peers[addr.String()] = &meshPeer{addr: addr, lastSeen: time.Now()}
}

func (b *MeshBus) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.Heartbeat)
	defer ticker.Stop()
	b.heartbeat()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.heartbeat()
			b.prunePeers()
		}
	}
}

func (b *MeshBus) heartbeat() {
	_ = b.send(meshTypeHeartbeat, []string{b.opts.AdvertiseAddr})
}

// prunePeers forgets learned peers silent for meshPeerTTL heartbeats. Seeds
// are never pruned.
func (b *MeshBus) prunePeers() {
	cutoff := time.Now().Add(-meshPeerTTL * b.opts.Heartbeat)
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	for addr, p := range b.peers {
		if !p.seed && p.lastSeen.Before(cutoff) {
			delete(b.peers, addr)
		}
	}
}

func (b *MeshBus) runBatcher() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.BatchInterval)
	defer ticker.Stop()

	var batch []string
	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := b.send(meshTypeRelease, batch)
		for _, k := range batch {
			b.end(k, err)
		}
		batch = nil
	}

	for {
		select {
		case <-b.ctx.Done():
			for _, k := range batch {
				b.end(k, net.ErrClosed)
			}
			return
		case key := <-b.publishCh:
			if packetSize(batch)+2+len(key) > meshMaxPacket {
				flush()
			}
			batch = append(batch, key)
		case <-ticker.C:
			flush()
		}
	}
}
