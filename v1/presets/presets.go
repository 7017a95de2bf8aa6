// Package presets wires lock factories to their backends with sensible
// defaults. Factories returned here own every connection they open.
package presets

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

// processRegistry is shared by every factory from NewLocal so that locals
// exclude each other process-wide.
var processRegistry = lock.NewRegistry()

const (
	breakerThreshold = 5
	breakerTimeout   = 30 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Bus selects the release notification transport. The zero value uses
	// Redis pub/sub on the same client.
	Bus BusOptions
}

// BusKind names a release notification transport.
type BusKind string

const (
	BusRedis BusKind = "redis"
	BusNATS  BusKind = "nats"
	BusKafka BusKind = "kafka"
	BusMesh  BusKind = "mesh"
	BusNone  BusKind = "none"
)

// BusOptions configures the transport used to wake waiters on release.
type BusOptions struct {
	Kind         BusKind
	NATSURL      string
	KafkaBrokers []string
	MeshListen   string
	MeshPeers    []string
}

// ZooKeeperOptions configures the ZooKeeper ensemble.
type ZooKeeperOptions struct {
	Servers []string
	Logger  *slog.Logger
}

// NewLocal creates a process-scoped factory on the process-wide registry.
func NewLocal(opts ...lock.FactoryOption) (lock.Factory, error) {
	f, err := lock.NewLocalFactory(processRegistry, opts...)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// NewFile creates a machine-scoped factory keeping lock files in dir.
func NewFile(dir string, opts ...lock.FactoryOption) (lock.Factory, error) {
	f, err := lock.NewFileFactory(dir, opts...)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// NewRedis creates a cluster-scoped factory using Redis as the lease store.
// Releases are announced on the bus selected by opts.Bus, Redis pub/sub by
// default, behind a circuit breaker.
func NewRedis(opts RedisOptions, fopts ...lock.FactoryOption) (lock.Factory, error) {
	if opts.Addr == "" {
		return nil, errors.New("presets: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus, closeBus, err := newBus(opts.Bus, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	cf := &closingFactory{}
	if bus != nil {
		cf.bus = syncbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout)
		cf.closers = append(cf.closers, closeBus)
		fopts = append(fopts, lock.WithBus(cf.bus))
	}
	fopts = append(fopts, lock.WithOwnedBackend())
	f, err := lock.NewRedisFactory(client, fopts...)
	if err != nil {
		if closeBus != nil {
			_ = closeBus()
		}
		_ = client.Close()
		return nil, err
	}
	cf.Factory = f
	return cf, nil
}

// newBus opens the transport described by opts. The returned close function
// is nil when no bus was opened.
func newBus(opts BusOptions, client redis.UniversalClient) (syncbus.Bus, func() error, error) {
	switch opts.Kind {
	case "", BusRedis:
		b := syncbus.NewRedisBus(client)
		return b, b.Close, nil
	case BusNATS:
		url := opts.NATSURL
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := nats.Connect(url)
		if err != nil {
			return nil, nil, fmt.Errorf("presets: nats: %w", err)
		}
		return syncbus.NewNATSBus(nc), func() error { nc.Close(); return nil }, nil
	case BusKafka:
		b, err := syncbus.NewKafkaBus(opts.KafkaBrokers, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("presets: kafka: %w", err)
		}
		return b, b.Close, nil
	case BusMesh:
		b, err := syncbus.NewMeshBus(syncbus.MeshOptions{Listen: opts.MeshListen, Peers: opts.MeshPeers})
		if err != nil {
			return nil, nil, fmt.Errorf("presets: mesh: %w", err)
		}
		return b, b.Close, nil
	case BusNone:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("presets: unknown bus %q", opts.Kind)
	}
}

// BusOf returns the release notification bus a preset factory publishes
// on, or nil.
func BusOf(f lock.Factory) syncbus.Bus {
	if b, ok := f.(interface{ Bus() syncbus.Bus }); ok {
		return b.Bus()
	}
	return nil
}

// NewZooKeeper creates a cluster-scoped factory on a ZooKeeper ensemble.
// Each lock opens its own session.
func NewZooKeeper(opts ZooKeeperOptions, fopts ...lock.FactoryOption) (lock.Factory, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("presets: at least one zookeeper server is required")
	}
	f, err := lock.NewZooKeeperFactory(lock.ZooKeeperDialer(opts.Servers, opts.Logger), fopts...)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// closingFactory closes companion resources, such as a bus, before the
// factory itself.
type closingFactory struct {
	lock.Factory
	bus     syncbus.Bus
	closers []func() error

	once sync.Once
	err  error
}

// Bus returns the release notification bus of the factory.
func (f *closingFactory) Bus() syncbus.Bus { return f.bus }

func (f *closingFactory) Close() error {
	f.once.Do(func() {
		var errs []error
		for _, c := range f.closers {
			errs = append(errs, c())
		}
		errs = append(errs, f.Factory.Close())
		f.err = errors.Join(errs...)
	})
	return f.err
}
