// Command pvback-sim runs a backend against an in-process guest frontend:
// it publishes the guest's ring and devices in a memory store, connects the
// backend, drives a write/verify workload per disk and serves metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	pvback "github.com/ehrlich-b/go-pvback"
	"github.com/ehrlich-b/go-pvback/executor"
	"github.com/ehrlich-b/go-pvback/internal/ctrl"
	"github.com/ehrlich-b/go-pvback/internal/logging"
	"github.com/ehrlich-b/go-pvback/internal/proto"
)

const shutdownTimeout = 5 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "YAML configuration file")
		verbose     = flag.Bool("v", false, "Verbose output")
		requests    = flag.Int("requests", 0, "Requests per disk (overrides config)")
		latency     = flag.Duration("latency", -1, "Simulated executor latency (overrides config)")
		metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address (overrides config)")
		serve       = flag.Bool("serve", false, "Keep serving after the workload until interrupted")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvback-sim: %v\n", err)
		os.Exit(2)
	}
	if *requests > 0 {
		cfg.Requests = *requests
	}
	if *latency >= 0 {
		cfg.Latency = *latency
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *serve {
		cfg.Serve = true
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(cfg.LogLevel)
	logConfig.Format = cfg.LogFormat
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go dumpStacksOnSignal(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("simulation failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *logging.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g, err := newGuest(cfg)
	if err != nil {
		return fmt.Errorf("guest: %w", err)
	}
	defer g.close()

	exec := executor.New(executor.Config{Latency: cfg.Latency, Logger: logger})
	defer exec.Close()
	sizes, err := attachDisks(exec, cfg)
	if err != nil {
		return err
	}

	params := pvback.DefaultParams()
	params.PoolSize = cfg.PoolSize
	params.MaxSegments = cfg.MaxSegments
	b, err := pvback.New(g.table, g.sw, params, &pvback.Options{
		Logger:   logger,
		Observer: pvback.NewPrometheusObserver(reg),
	})
	if err != nil {
		return err
	}

	store := ctrl.NewMemStore()
	if err := g.publish(store, cfg); err != nil {
		return fmt.Errorf("publish frontend: %w", err)
	}
	resolve := func(pdev string) (pvback.Target, error) {
		for _, d := range cfg.Disks {
			if d.Name == pdev {
				return pvback.Target{Exec: exec, Device: pdev, ReadOnly: d.ReadOnly}, nil
			}
		}
		return pvback.Target{}, fmt.Errorf("no disk named %q", pdev)
	}
	conn, err := b.ConnectFromStore(ctx, store, cfg.Domain, cfg.DevID, resolve)
	if err != nil {
		return err
	}
	logger.Info("guest connected",
		"domain", conn.Domain,
		"dev_id", conn.DevID,
		"ring_pages", cfg.RingPages,
		"max_segments", conn.MaxSegments,
		"luns", conn.Devices().Len())

	eg, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		eg.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	eg.Go(func() error {
		if err := drive(ctx, g, cfg, sizes, logger); err != nil {
			return err
		}
		if cfg.Serve {
			logger.Info("workload done, serving until interrupted")
			<-ctx.Done()
			return nil
		}
		cancel()
		return nil
	})

	werr := eg.Wait()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := b.Shutdown(sctx); err != nil {
		werr = errors.Join(werr, err)
	}
	report(b, exec, logger)
	if errors.Is(werr, context.Canceled) {
		return nil
	}
	return werr
}

// attachDisks opens every configured store and returns the disk sizes by name
func attachDisks(exec *executor.SCSI, cfg Config) (map[string]int64, error) {
	sizes := make(map[string]int64, len(cfg.Disks))
	for _, d := range cfg.Disks {
		size, _ := parseSize(d.Size)
		var store executor.Store
		var err error
		switch {
		case d.File != "" && d.Uring:
			store, err = executor.OpenUring(d.File, size, d.ReadOnly, 64)
		case d.File != "":
			store, err = executor.OpenFile(d.File, size, d.ReadOnly)
		default:
			store = executor.NewMemory(size)
		}
		if err != nil {
			return nil, fmt.Errorf("disk %s: %w", d.Name, err)
		}
		if err := exec.Attach(d.Name, store, d.ReadOnly); err != nil {
			store.Close()
			return nil, err
		}
		sizes[d.Name] = store.Size()
	}
	return sizes, nil
}

// drive runs the workload against each disk in turn
func drive(ctx context.Context, g *guest, cfg Config, sizes map[string]int64, logger *logging.Logger) error {
	for _, d := range cfg.Disks {
		addr, err := proto.ParseDevAddr(d.Addr)
		if err != nil {
			return err
		}
		w := &workload{guest: g, addr: addr, blocks: uint64(sizes[d.Name]) / blockSize, depth: cfg.Depth, ro: d.ReadOnly}
		start := time.Now()
		res, err := w.run(ctx, cfg.Requests)
		if err != nil {
			return fmt.Errorf("disk %s: %w", d.Name, err)
		}
		elapsed := time.Since(start)
		logger.Info("workload finished",
			"disk", d.Name,
			"addr", addr.String(),
			"size", formatSize(sizes[d.Name]),
			"writes", res.Writes,
			"reads", res.Reads,
			"failures", res.Failures,
			"mismatches", res.Mismatches,
			"elapsed", elapsed)
		if res.Mismatches > 0 || res.Failures > 0 {
			return fmt.Errorf("disk %s: %d failures, %d mismatches", d.Name, res.Failures, res.Mismatches)
		}
	}
	return nil
}

func report(b *pvback.Backend, exec *executor.SCSI, logger *logging.Logger) {
	snap := b.Metrics().Snapshot()
	st := b.Stats()
	es := exec.Stats()
	logger.Info("backend stats",
		"dispatched", snap.Dispatched,
		"responses", snap.Responses,
		"iops", fmt.Sprintf("%.0f", snap.IOPS),
		"p50_us", snap.LatencyP50Ns/1000,
		"p99_us", snap.LatencyP99Ns/1000,
		"error_rate", fmt.Sprintf("%.2f%%", snap.ErrorRate),
		"deferrals", snap.Deferrals,
		"grants_mapped", st.GrantsMapped,
		"grant_retries", st.GrantRetries,
		"executor_timeouts", es.TimedOut,
		"executor_cancelled", es.Cancelled)
}

// dumpStacksOnSignal writes all goroutine stacks to stderr on SIGUSR1
func dumpStacksOnSignal(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n", buf[:n])
		logger.Info("goroutine stacks dumped", "bytes", n)
	}
}
