package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warplock/v1/lock"
	"github.com/mirkobrombin/go-warplock/v1/presets"
	"github.com/mirkobrombin/go-warplock/v1/signal"
	"github.com/mirkobrombin/go-warplock/v1/store"
)

var (
	concurrency = flag.Int("c", 8, "Concurrent workers")
	requests    = flag.Int("n", 2000, "Total acquire calls")
	target      = flag.String("target", "memory", "Targets: memory, redis, sqlite, nats, kafka or all")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
	natsURL     = flag.String("nats-url", nats.DefaultURL, "NATS URL")
	kafkaAddr   = flag.String("kafka-addr", "localhost:9092", "Kafka broker address")
	sqliteDSN   = flag.String("sqlite-dsn", "file:lock-bench?mode=memory&cache=shared", "SQLite DSN")
	lifetime    = flag.Duration("lifetime", 10*time.Second, "Lease lifetime")
	timeout     = flag.Duration("timeout", 5*time.Second, "Acquire timeout")
	verbose     = flag.Bool("v", false, "Debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "sqlite", "redis", "nats", "kafka"}
	}

	fmt.Printf("| %-8s | %-10s | %-8s | %-12s | %-12s |\n", "Backend", "Ops/sec", "Missed", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		name := strings.TrimSpace(t)
		f, cleanup, err := newFactory(name, logger)
		if err != nil {
			logger.Error("setup failed", "target", name, "error", err)
			continue
		}
		if err := runBenchmark(name, f); err != nil {
			logger.Error("benchmark failed", "target", name, "error", err)
		}
		if cleanup != nil {
			cleanup()
		}
	}
}

func newFactory(name string, logger *slog.Logger) (*lock.Factory, func(), error) {
	opts := []lock.Option{lock.WithLogger(logger)}

	switch name {
	case "memory":
		return presets.NewInMemoryStandalone(opts...), nil, nil

	case "sqlite":
		f, err := presets.NewSQLite(*sqliteDSN, nil, opts...)
		return f, nil, err

	case "redis":
		return presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, opts...), nil, nil

	case "nats":
		nc, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		rc := redis.NewClient(&redis.Options{Addr: *redisAddr})
		f, err := lock.NewFactory(store.NewRedisStore(rc), signal.NewNATS(nc), opts...)
		return f, func() { nc.Close(); _ = rc.Close() }, err

	case "kafka":
		cfg := sarama.NewConfig()
		ch, err := signal.NewKafka([]string{*kafkaAddr}, cfg, signal.WithTopic("lock-bench-"+uuid.NewString()))
		if err != nil {
			return nil, nil, fmt.Errorf("connect kafka: %w", err)
		}
		// creates the topic so the first Tail finds its partition
		if err := ch.Append(context.Background(), signal.Signal{AttemptID: "warmup"}); err != nil {
			_ = ch.Close()
			return nil, nil, fmt.Errorf("create topic: %w", err)
		}
		rc := redis.NewClient(&redis.Options{Addr: *redisAddr})
		f, err := lock.NewFactory(store.NewRedisStore(rc), ch, opts...)
		return f, func() { _ = ch.Close(); _ = rc.Close() }, err

	default:
		return nil, nil, fmt.Errorf("unknown target %q", name)
	}
}

func runBenchmark(name string, f *lock.Factory) error {
	key := "bench:" + uuid.NewString()
	chunk := *requests / *concurrency
	latencies := make([]time.Duration, chunk*(*concurrency))

	var (
		acquired, missed atomic.Int64
		counter          atomic.Int64
	)

	start := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < *concurrency; i++ {
		offset := i * chunk
		l, err := f.New(key)
		if err != nil {
			return err
		}
		g.Go(func() error {
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				h, err := l.Acquire(ctx, *lifetime, *timeout)
				if err != nil {
					return err
				}
				latencies[offset+j] = time.Since(reqStart)
				if !h.Acquired() {
					missed.Add(1)
					continue
				}
				acquired.Add(1)
				// read-modify-write that loses updates if two holders overlap
				v := counter.Load()
				counter.Store(v + 1)
				if err := h.Release(ctx); err != nil {
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

	if n, c := acquired.Load(), counter.Load(); n != c {
		return fmt.Errorf("mutual exclusion violated: %d acquisitions, counter %d", n, c)
	}

	total := len(latencies)
	if total == 0 {
		fmt.Printf("| %-8s | %-10s | %-8s | %-12s | %-12s |\n", name, "ERROR", "-", "-", "-")
		return nil
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	p99Idx := int(float64(total) * 0.99)
	if p99Idx >= total {
		p99Idx = total - 1
	}

	throughput := float64(total) / elapsed.Seconds()
	fmt.Printf("| %-8s | %-10.0f | %-8d | %-12s | %-12s |\n",
		name, throughput, missed.Load(), sum/time.Duration(total), latencies[p99Idx])
	return nil
}
