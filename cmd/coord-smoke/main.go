package main

import (
	"context"
	stdErrors "errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-coord/v1/cache"
	coorderrors "github.com/mirkobrombin/go-coord/v1/errors"
	"github.com/mirkobrombin/go-coord/v1/metrics"
	"github.com/mirkobrombin/go-coord/v1/presets"
)

var (
	redisAddr   = flag.String("redis-addr", "", "Redis address; empty runs in-memory")
	atomicity   = flag.String("atomicity", "script", "script or cas")
	workers     = flag.Int("workers", 16, "Number of concurrent workers")
	duration    = flag.Duration("duration", 10*time.Second, "Duration of the run")
	slots       = flag.Int("slots", 4, "Semaphore capacity")
	lease       = flag.Duration("lease", 2*time.Second, "Lock and slot lease")
	hold        = flag.Duration("hold", 5*time.Millisecond, "Time spent inside each critical section")
	backoff     = flag.Duration("backoff", 20*time.Millisecond, "Wait after a busy acquire")
	metricsAddr = flag.String("metrics-addr", "", "Serve /metrics on this address")
	traceOut    = flag.Bool("trace", false, "Export spans to stdout")
	verbose     = flag.Bool("v", false, "Debug logging")
)

type stats struct {
	lockHeld, lockBusy, lockPeak atomic.Int64
	semHeld, semBusy, semPeak    atomic.Int64
	lockInside, semInside        atomic.Int64
	errors                       atomic.Int64
}

func observe(inside, peak *atomic.Int64) func() {
	n := inside.Add(1)
	for {
		cur := peak.Load()
		if n <= cur || peak.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { inside.Add(-1) }
}

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	if *traceOut {
		exp, err := stdouttrace.New()
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	if *metricsAddr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterCoreMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			logger.Info("serving metrics", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var coord *presets.Coordinator
	if *redisAddr == "" {
		coord = presets.NewInMemoryStandalone()
	} else {
		var err error
		coord, err = presets.NewRedis(presets.RedisOptions{
			Addr:      *redisAddr,
			Atomicity: cache.Atomicity(*atomicity),
			Tracing:   *traceOut,
			Logger:    logger,
		})
		if err != nil {
			log.Fatal(err)
		}
	}
	defer coord.Close()

	var st stats
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *workers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			for gctx.Err() == nil {
				err := coord.Locks.Do(gctx, "smoke", *lease, func(context.Context) error {
					defer observe(&st.lockInside, &st.lockPeak)()
					st.lockHeld.Add(1)
					time.Sleep(*hold)
					return nil
				})
				count(&st, err, &st.lockBusy)

				h, err := coord.Semaphores.Acquire(gctx, "smoke", id, *lease, *slots)
				if err == nil {
					done := observe(&st.semInside, &st.semPeak)
					st.semHeld.Add(1)
					time.Sleep(*hold)
					done()
					err = h.Release(context.Background())
				}
				count(&st, err, &st.semBusy)
			}
			return nil
		})
	}
	_ = g.Wait()

	fmt.Printf("lock:      held %d busy %d peak %d\n", st.lockHeld.Load(), st.lockBusy.Load(), st.lockPeak.Load())
	fmt.Printf("semaphore: held %d busy %d peak %d (slots %d)\n", st.semHeld.Load(), st.semBusy.Load(), st.semPeak.Load(), *slots)
	fmt.Printf("errors:    %d\n", st.errors.Load())
	if st.lockPeak.Load() > 1 || st.semPeak.Load() > int64(*slots) {
		log.Fatal("coordination bound violated")
	}
}

func count(st *stats, err error, busy *atomic.Int64) {
	switch {
	case err == nil:
	case stdErrors.Is(err, coorderrors.ErrResourceUnavailable):
		busy.Add(1)
		time.Sleep(*backoff)
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.Is(err, context.Canceled):
	default:
		st.errors.Add(1)
		slog.Warn("coordination call failed", "error", err)
	}
}
