// cmd/hcmp-bench drives the allocator with a configurable number of
// goroutines, each doing repeated Alloc/Free cycles, and prints a
// Prometheus metrics snapshot on completion or on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/shlyyy/high-concurrent-memory-pool/hcmp"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/tracing"
)

var (
	goroutines int
	iterations int
	minSize    int
	maxSize    int
	seconds    int
)

func main() {
	root := &cobra.Command{
		Use:   "hcmp-bench",
		Short: "Load-generate the high-concurrency memory pool",
		RunE:  run,
	}
	flags := root.Flags()
	flags.IntVar(&goroutines, "goroutines", runtime.NumCPU(), "concurrent allocating goroutines")
	flags.IntVar(&iterations, "iterations", 200000, "alloc/free cycles per goroutine (0 = run until --seconds elapses)")
	flags.IntVar(&minSize, "min-size", 16, "minimum allocation size in bytes")
	flags.IntVar(&maxSize, "max-size", 8192, "maximum allocation size in bytes")
	flags.IntVar(&seconds, "seconds", 0, "if set with --iterations 0, run for this many seconds instead of a fixed count")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	runtime.GOMAXPROCS(runtime.NumCPU())
	fmt.Printf("hcmp-bench: %d goroutines, sizes [%d, %d], GOMAXPROCS=%d\n",
		goroutines, minSize, maxSize, runtime.GOMAXPROCS(0))

	tracing.SetProvider(otel.GetTracerProvider())
	hcmp.Init()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	var deadline <-chan time.Time
	if iterations == 0 && seconds > 0 {
		deadline = time.After(time.Duration(seconds) * time.Second)
	}

	var ops int64
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(seed int64) {
			defer wg.Done()
			c := hcmp.NewCache()
			defer c.Close(ctx)
			rng := rand.New(rand.NewSource(seed))
			worker(ctx, deadline, rng, &ops)
		}(int64(g))
	}

	if deadline != nil {
		select {
		case <-deadline:
		case <-ctx.Done():
		}
	}
	wg.Wait()

	fmt.Printf("completed %d alloc/free pairs\n", atomic.LoadInt64(&ops))
	printMetrics()
	return nil
}

func worker(ctx context.Context, deadline <-chan time.Time, rng *rand.Rand, ops *int64) {
	span := maxSize - minSize + 1
	if span <= 0 {
		span = 1
	}
	n := iterations
	i := 0
	for n == 0 || i < n {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if deadline != nil {
			select {
			case <-deadline:
				return
			default:
			}
		}
		size := minSize + rng.Intn(span)
		ptr := hcmp.Alloc(size)
		hcmp.Free(ptr)
		atomic.AddInt64(ops, 1)
		i++
	}
}

// printMetrics gathers the allocator's Prometheus registry and prints
// the counters a human cares about after a benchmark run, without
// standing up an HTTP /metrics endpoint just for a one-shot CLI.
func printMetrics() {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("gather metrics: %v", err)
		return
	}
	wanted := map[string]bool{
		"hcmp_allocations_total": true, "hcmp_frees_total": true,
		"hcmp_thread_cache_refills_total": true, "hcmp_thread_cache_drains_total": true,
		"hcmp_central_cache_fetches_total": true, "hcmp_central_cache_new_spans_total": true,
		"hcmp_page_cache_splits_total": true, "hcmp_page_cache_coalesces_total": true,
		"hcmp_os_map_total": true, "hcmp_os_unmap_total": true, "hcmp_bytes_mapped": true,
	}
	for _, mf := range mfs {
		if !wanted[mf.GetName()] {
			continue
		}
		for _, m := range mf.GetMetric() {
			fmt.Printf("  %-38s %s\n", mf.GetName(), formatValue(m))
		}
	}
}

func formatValue(m *dto.Metric) string {
	switch {
	case m.Counter != nil:
		return fmt.Sprintf("%.0f", m.Counter.GetValue())
	case m.Gauge != nil:
		return fmt.Sprintf("%.0f", m.Gauge.GetValue())
	default:
		return "?"
	}
}
