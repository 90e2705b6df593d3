// Package metrics collects allocator counters and exposes them to
// Prometheus: a cheap atomic increment on every operation, scraped on
// demand, wired to the allocator's own slow-path events.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every counter/gauge the allocator updates. A process
// normally uses the package-level Default registry; tests construct
// their own with New so concurrent test binaries don't collide on
// Prometheus's global registerer.
type Registry struct {
	Allocations      prometheus.Counter
	Frees            prometheus.Counter
	ThreadRefills    prometheus.Counter
	ThreadDrains     prometheus.Counter
	CentralFetches   prometheus.Counter
	CentralNewSpans  prometheus.Counter
	PageSplits       prometheus.Counter
	PageCoalesces    prometheus.Counter
	OSMaps           prometheus.Counter
	OSUnmaps         prometheus.Counter
	BytesMapped      prometheus.Gauge
	OpenSpansByPages *prometheus.GaugeVec
}

// New builds a Registry and registers every metric with reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_allocations_total",
			Help: "Total number of Alloc calls served.",
		}),
		Frees: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_frees_total",
			Help: "Total number of Free calls served.",
		}),
		ThreadRefills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_thread_cache_refills_total",
			Help: "Times a thread cache bucket went empty and fetched a batch from the central cache.",
		}),
		ThreadDrains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_thread_cache_drains_total",
			Help: "Times a thread cache bucket exceeded its watermark and returned objects to the central cache.",
		}),
		CentralFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_central_cache_fetches_total",
			Help: "Times the central cache served a fetch_range request.",
		}),
		CentralNewSpans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_central_cache_new_spans_total",
			Help: "Times the central cache had to pull a fresh span from the page cache.",
		}),
		PageSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_page_cache_splits_total",
			Help: "Times the page cache split a larger span to satisfy a smaller request.",
		}),
		PageCoalesces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_page_cache_coalesces_total",
			Help: "Times the page cache merged a returned span with a free neighbor.",
		}),
		OSMaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_os_map_total",
			Help: "Times the page cache called through to the OS for fresh pages.",
		}),
		OSUnmaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hcmp_os_unmap_total",
			Help: "Times the page cache returned pages to the OS (huge spans only).",
		}),
		BytesMapped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hcmp_bytes_mapped",
			Help: "Bytes of span memory the page cache currently holds mapped from the OS; metadata pool mappings are not counted.",
		}),
		OpenSpansByPages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hcmp_page_cache_free_spans",
			Help: "Number of free spans currently parked in the page cache, by page count.",
		}, []string{"pages"}),
	}
	reg.MustRegister(
		r.Allocations, r.Frees, r.ThreadRefills, r.ThreadDrains,
		r.CentralFetches, r.CentralNewSpans, r.PageSplits, r.PageCoalesces,
		r.OSMaps, r.OSUnmaps, r.BytesMapped, r.OpenSpansByPages,
	)
	return r
}

// Default is the process-wide registry used by the root hcmp package
// and by cmd/hcmp-bench.
var Default = New(prometheus.DefaultRegisterer)
