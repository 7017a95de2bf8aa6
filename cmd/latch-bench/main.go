package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	concurrency = flag.Int("c", 16, "Concurrent workers")
	requests    = flag.Int("n", 2000, "Total acquisitions")
	keys        = flag.Int("k", 4, "Distinct resources")
	target      = flag.String("target", "all", "Targets: local, file, redis, zookeeper-mem")
	redisAddr   = flag.String("redis-addr", "", "Redis address, an embedded miniredis when empty")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"local", "file", "redis", "zookeeper-mem"}
	}

	fmt.Printf("| %-14s | %-10s | %-12s | %-12s | %-8s |\n", "Backend", "Acq/sec", "Avg Wait", "P99 Wait", "Timeouts")
	fmt.Println("|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		if err := runBenchmark(strings.TrimSpace(t)); err != nil {
			log.Fatalf("%s: %v", t, err)
		}
	}
}

func newFactory(name string) (lock.Factory, func(), error) {
	fast := lock.WithPollInterval(time.Millisecond, 20*time.Millisecond)
	switch name {
	case "local":
		f, err := presets.NewLocal(fast)
		return f, func() {}, err
	case "file":
		dir, err := os.MkdirTemp("", "latch-bench")
		if err != nil {
			return nil, nil, err
		}
		f, err := presets.NewFile(dir, fast)
		return f, func() { _ = os.RemoveAll(dir) }, err
	case "redis":
		addr, cleanup := *redisAddr, func() {}
		if addr == "" {
			mr, err := miniredis.Run()
			if err != nil {
				return nil, nil, err
			}
			addr, cleanup = mr.Addr(), mr.Close
		}
		f, err := presets.NewRedis(presets.RedisOptions{Addr: addr}, fast)
		return f, cleanup, err
	case "zookeeper-mem":
		coord := lock.NewInMemoryCoordinator()
		f, err := lock.NewZooKeeperFactory(coord.Dial, fast)
		return f, func() {}, err
	default:
		return nil, nil, fmt.Errorf("unknown target %q", name)
	}
}

func runBenchmark(name string) error {
	f, cleanup, err := newFactory(name)
	if err != nil {
		return err
	}
	defer cleanup()
	defer f.Close()

	holders := make([]atomic.Int32, *keys)
	waits := make([][]time.Duration, *concurrency)
	var timeouts atomic.Int64
	perWorker := *requests / *concurrency

	g, ctx := errgroup.WithContext(context.Background())
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				k := (w + j) % *keys
				t0 := time.Now()
				l, err := lock.CreateAndWait(ctx, f, fmt.Sprintf("bench:%d", k), lock.WithTimeout(10*time.Second))
				if err != nil {
					return err
				}
				if !l.Acquired() {
					timeouts.Add(1)
					_ = l.Close()
					continue
				}
				waits[w] = append(waits[w], time.Since(t0))
				if holders[k].Add(1) != 1 {
					return fmt.Errorf("mutual exclusion violated on bench:%d", k)
				}
				holders[k].Add(-1)
				if err := l.Close(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	var all []time.Duration
	for _, ws := range waits {
		all = append(all, ws...)
	}
	if len(all) == 0 {
		fmt.Printf("| %-14s | %-10s | %-12s | %-12s | %-8d |\n", name, "0", "-", "-", timeouts.Load())
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	var total time.Duration
	for _, d := range all {
		total += d
	}
	fmt.Printf("| %-14s | %-10.0f | %-12v | %-12v | %-8d |\n",
		name,
		float64(len(all))/elapsed.Seconds(),
		(total / time.Duration(len(all))).Round(time.Microsecond),
		all[len(all)*99/100].Round(time.Microsecond),
		timeouts.Load(),
	)
	return nil
}
