package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/presets"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

const Version = "1.0.0"

// app carries the state shared by the subcommands of one invocation.
type app struct {
	cfg     *viper.Viper
	log     *slog.Logger
	reg     *prometheus.Registry
	factory lock.Factory
	server  *http.Server
}

func newRootCmd() *cobra.Command {
	a := &app{cfg: viper.New()}

	root := &cobra.Command{
		Use:   "latch",
		Short: "scoped mutual-exclusion locks",
		Long: fmt.Sprintf(`latch (v%s)

Acquire, probe and hold named locks on a process, machine or cluster
scope. Backends: local, file, redis, zookeeper.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("backend", "file", "lock backend (local, file, redis, zookeeper)")
	flags.String("namespace", lock.DefaultNamespace, "key namespace")
	flags.String("dir", os.TempDir(), "lock file directory for the file backend")
	flags.String("redis-addr", "localhost:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.String("bus", string(presets.BusRedis), "release bus for the redis backend (redis, nats, kafka, mesh, none)")
	flags.String("nats-url", "", "nats server url for the nats bus")
	flags.StringSlice("kafka-brokers", nil, "kafka brokers for the kafka bus")
	flags.String("mesh-listen", "", "udp address of the mesh bus")
	flags.StringSlice("mesh-peers", nil, "seed peers of the mesh bus")
	flags.StringSlice("zk-servers", []string{"localhost:2181"}, "zookeeper servers")
	flags.Duration("timeout", 0, "how long to wait for the lock, -1ns waits forever")
	flags.Duration("expiry", 0, "lease expiry, 0 uses the backend default, -1ns never expires")
	flags.String("metrics-addr", "", "serve prometheus metrics and release watch endpoints on this address")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newHoldCmd(a), newTryCmd(a), newCheckCmd(a), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of latch",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "latch v%s\n", Version)
		},
	}
}

// setup loads the configuration and opens the lock factory.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	if err := a.loadConfig(cmd); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(a.cfg.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	a.log = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	a.reg = metrics.NewRegistry()
	f, err := a.newFactory()
	if err != nil {
		return err
	}
	a.factory = f
	if addr := a.cfg.GetString("metrics-addr"); addr != "" {
		a.serve(addr)
	}
	return nil
}

func (a *app) loadConfig(cmd *cobra.Command) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a.cfg.SetEnvPrefix("latch")
	a.cfg.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.cfg.AutomaticEnv()
	if err := a.cfg.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if file := a.cfg.GetString("config"); file != "" {
		a.cfg.SetConfigFile(file)
		if err := a.cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func (a *app) newFactory() (lock.Factory, error) {
	opts := []lock.FactoryOption{
		lock.WithNamespace(a.cfg.GetString("namespace")),
		lock.WithLogger(a.log),
		lock.WithMetrics(a.reg),
	}
	switch backend := a.cfg.GetString("backend"); backend {
	case "local":
		return presets.NewLocal(opts...)
	case "file":
		return presets.NewFile(a.cfg.GetString("dir"), opts...)
	case "redis":
		return presets.NewRedis(presets.RedisOptions{
			Addr:     a.cfg.GetString("redis-addr"),
			Password: a.cfg.GetString("redis-password"),
			DB:       a.cfg.GetInt("redis-db"),
			Bus: presets.BusOptions{
				Kind:         presets.BusKind(a.cfg.GetString("bus")),
				NATSURL:      a.cfg.GetString("nats-url"),
				KafkaBrokers: a.cfg.GetStringSlice("kafka-brokers"),
				MeshListen:   a.cfg.GetString("mesh-listen"),
				MeshPeers:    a.cfg.GetStringSlice("mesh-peers"),
			},
		}, opts...)
	case "zookeeper", "zk":
		return presets.NewZooKeeper(presets.ZooKeeperOptions{
			Servers: a.cfg.GetStringSlice("zk-servers"),
			Logger:  a.log,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

// createOptions maps the timeout and expiry flags. Unset flags keep the
// factory defaults.
func (a *app) createOptions(cmd *cobra.Command) []lock.CreateOption {
	var opts []lock.CreateOption
	if a.cfg.IsSet("timeout") {
		opts = append(opts, lock.WithTimeout(flagDuration(a.cfg.GetDuration("timeout"))))
	}
	if d := a.cfg.GetDuration("expiry"); d != 0 {
		opts = append(opts, lock.WithExpiry(flagDuration(d)))
	}
	return opts
}

// flagDuration maps any negative duration to lock.Infinite.
func flagDuration(d time.Duration) time.Duration {
	if d < 0 {
		return lock.Infinite
	}
	return d
}

// serve exposes metrics and, when the backend has a release bus, streams
// release notifications on /watch (SSE) and /ws (WebSocket).
func (a *app) serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	if bus := presets.BusOf(a.factory); bus != nil {
		ns := a.cfg.GetString("namespace")
		topic := func(resource string) string { return ns + ":" + resource + ":released" }
		mux.Handle("/watch", syncbus.SSEHandler(bus, topic))
		mux.Handle("/ws", syncbus.WebSocketHandler(bus, topic))
	}
	a.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("latch: metrics server failed", "addr", addr, "error", err)
		}
	}()
}

func (a *app) teardown(_ *cobra.Command, _ []string) error {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.server.Shutdown(ctx)
	}
	if a.factory != nil {
		return a.factory.Close()
	}
	return nil
}
