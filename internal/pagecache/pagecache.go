// Package pagecache implements the page-granularity span pool: the
// bottom tier that splits and coalesces spans and is the only tier
// that talks to the OS.
//
// Grounded on original_source/src/page_cache.cpp and
// include/page_cache.h. PageCache owns its own lock (unlike the C++
// original, which exposes page_cache_lock_ for callers to take before
// calling new_span/release_span): NewSpan and ReleaseSpan lock
// internally, so the central cache simply calls them between
// releasing and reacquiring its own bucket lock, preserving the lock
// hierarchy without leaking a raw mutex across package boundaries.
package pagecache

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/shlyyy/high-concurrent-memory-pool/internal/metrics"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/objpool"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/pagemap"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/span"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// MaxPages is the largest span the page cache will coalesce to or
// split from; requests above this size bypass the bucket array and
// talk to the OS directly.
const MaxPages = 128

type osMapper interface {
	Map(nbytes uintptr) (unsafe.Pointer, error)
	Unmap(addr unsafe.Pointer, nbytes uintptr) error
}

// PageCache is the global, page-granularity span pool. A process has
// exactly one (see New / the singleton wiring in the root package).
type PageCache struct {
	mu sync.Mutex

	lists     [MaxPages + 1]span.List // lists[k] holds free spans of exactly k pages; index 0 unused
	pageMap   *pagemap.Map
	spanPool  *objpool.Pool
	os        osMapper
	pageSize  uintptr
	pageShift uint
	metrics   *metrics.Registry
}

// New constructs a PageCache. pageShift must satisfy 1<<pageShift ==
// pageSize.
func New(pageSize uintptr, pageShift uint, pm *pagemap.Map, os osMapper, m *metrics.Registry) *PageCache {
	pc := &PageCache{
		pageMap:   pm,
		os:        os,
		pageSize:  pageSize,
		pageShift: pageShift,
		metrics:   m,
	}
	pc.spanPool = objpool.New(unsafe.Sizeof(span.Span{}), pageSize, os)
	for i := range pc.lists {
		pc.lists[i].Init()
	}
	return pc
}

// PageMap exposes the shared page→span map so other tiers (the
// central cache, and the top-level free() dispatcher) can look up the
// span covering an address without going through the page cache lock
// themselves — reads are safe once a page has ever been mapped.
func (pc *PageCache) PageMap() *pagemap.Map { return pc.pageMap }

func (pc *PageCache) newSpanRecord() *span.Span {
	return (*span.Span)(pc.spanPool.Get())
}

// NewSpan returns a span of exactly pages pages, splitting a larger
// free span or calling the OS as needed. The returned span is marked
// InUse and has its PageMap entries set for every page it covers, so
// any interior address carved from it can be resolved back to it. A
// span above MaxPages pages comes straight from the OS and has only
// its first and last page mapped.
func (pc *PageCache) NewSpan(ctx context.Context, pages int) *span.Span {
	if pages <= 0 {
		panic("pagecache: NewSpan called with non-positive page count")
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pages > MaxPages {
		return pc.newHugeSpan(ctx, pages)
	}

	// Explicit loop, not recursion: check for an exact-size span first,
	// then look for a larger free span to split; if neither exists,
	// pull exactly one fresh 128-page span from the OS and retry, which
	// always succeeds on the second pass. The exact-size check must run
	// on every attempt, not just the first: when pages == MaxPages the
	// split scan below never runs (its range is empty), so a span
	// fetched fresh from the OS is only ever found by this check.
	for attempt := 0; attempt < 2; attempt++ {
		if !pc.lists[pages].Empty() {
			s := pc.lists[pages].PopFront()
			pc.mapCarved(s)
			s.InUse = true
			pc.observeFreeSpanCounts()
			return s
		}

		for j := pages + 1; j <= MaxPages; j++ {
			if pc.lists[j].Empty() {
				continue
			}
			big := pc.lists[j].PopFront()
			small := pc.newSpanRecord()
			small.PageID = big.PageID
			small.Pages = uintptr(pages)

			big.PageID += uintptr(pages)
			big.Pages -= uintptr(pages)
			pc.lists[big.Pages].PushFront(big)
			pc.mapEndpoints(big)
			pc.mapCarved(small)

			small.InUse = true
			pc.metrics.PageSplits.Inc()
			pc.observeFreeSpanCounts()
			return small
		}

		if attempt == 0 {
			pc.fetchFreshSpanFromOS(ctx)
		}
	}
	panic("pagecache: failed to satisfy NewSpan after refilling from the OS")
}

// newHugeSpan services a request above MaxPages directly from the OS;
// it is never parked in the bucket array.
func (pc *PageCache) newHugeSpan(ctx context.Context, pages int) *span.Span {
	nbytes := uintptr(pages) * pc.pageSize
	addr, err := pc.os.Map(nbytes)
	if err != nil {
		tracing.RecordError(ctx, err)
		panic(fmt.Sprintf("pagecache: out of memory requesting %d pages: %v", pages, err))
	}
	s := pc.newSpanRecord()
	s.PageID = uintptr(addr) >> pc.pageShift
	s.Pages = uintptr(pages)
	s.InUse = true
	pc.pageMap.Set(s.PageID, s)
	pc.pageMap.Set(s.PageID+s.Pages-1, s)

	pc.metrics.OSMaps.Inc()
	pc.metrics.BytesMapped.Add(float64(nbytes))
	return s
}

// fetchFreshSpanFromOS pulls exactly one 128-page span from the OS and
// parks it in lists[MaxPages], so the caller's next pass through the
// split loop is guaranteed to find something to split (or, if pages
// == MaxPages, to return directly).
func (pc *PageCache) fetchFreshSpanFromOS(ctx context.Context) {
	nbytes := uintptr(MaxPages) * pc.pageSize
	addr, err := pc.os.Map(nbytes)
	if err != nil {
		tracing.RecordError(ctx, err)
		panic(fmt.Sprintf("pagecache: out of memory requesting %d pages: %v", MaxPages, err))
	}
	s := pc.newSpanRecord()
	s.PageID = uintptr(addr) >> pc.pageShift
	s.Pages = MaxPages
	pc.lists[MaxPages].PushFront(s)

	pc.metrics.OSMaps.Inc()
	pc.metrics.BytesMapped.Add(float64(nbytes))
}

// ReleaseSpan returns a span the central cache has fully drained
// (use_count == 0) to the page cache, coalescing with free neighbors
// when possible. span must not be linked in any list and must have
// InUse == true on entry.
func (pc *PageCache) ReleaseSpan(ctx context.Context, s *span.Span) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if s.Pages > MaxPages {
		nbytes := s.Pages * pc.pageSize
		if err := pc.os.Unmap(unsafe.Pointer(s.PageID<<pc.pageShift), nbytes); err != nil {
			tracing.RecordError(ctx, err)
			panic(fmt.Sprintf("pagecache: unmap failed: %v", err))
		}
		pc.metrics.OSUnmaps.Inc()
		pc.metrics.BytesMapped.Add(-float64(nbytes))
		pc.spanPool.Put(unsafe.Pointer(s))
		return
	}

	coalesced := false
	for {
		prev := pc.pageMap.Get(s.PageID - 1)
		if prev == nil || prev.InUse || prev.Pages+s.Pages > MaxPages {
			break
		}
		pc.lists[prev.Pages].Remove(prev)
		s.PageID = prev.PageID
		s.Pages += prev.Pages
		pc.spanPool.Put(unsafe.Pointer(prev))
		coalesced = true
	}
	for {
		next := pc.pageMap.Get(s.PageID + s.Pages)
		if next == nil || next.InUse || next.Pages+s.Pages > MaxPages {
			break
		}
		pc.lists[next.Pages].Remove(next)
		s.Pages += next.Pages
		pc.spanPool.Put(unsafe.Pointer(next))
		coalesced = true
	}
	if coalesced {
		pc.metrics.PageCoalesces.Inc()
	}

	s.InUse = false
	s.ObjSize = 0
	s.FreeList = nil
	pc.lists[s.Pages].PushFront(s)
	pc.mapEndpoints(s)
	pc.observeFreeSpanCounts()
}

// mapCarved writes a page-map entry for every page of s, which is
// required while s is carved (owned by the central cache) so that an
// arbitrary interior address can be resolved back to its span.
func (pc *PageCache) mapCarved(s *span.Span) {
	for i := uintptr(0); i < s.Pages; i++ {
		pc.pageMap.Set(s.PageID+i, s)
	}
}

// mapEndpoints writes page-map entries for only the first and last
// page of s, sufficient for neighbor lookups while s sits free in the
// page cache.
func (pc *PageCache) mapEndpoints(s *span.Span) {
	pc.pageMap.Set(s.PageID, s)
	pc.pageMap.Set(s.PageID+s.Pages-1, s)
}

func (pc *PageCache) observeFreeSpanCounts() {
	// Cheap enough to recompute on every change to the lists: callers of
	// NewSpan/ReleaseSpan already pay for a full lock acquisition.
	for k := 1; k <= MaxPages; k++ {
		n := 0
		pc.lists[k].Each(func(*span.Span) { n++ })
		pc.metrics.OpenSpansByPages.WithLabelValues(fmt.Sprintf("%d", k)).Set(float64(n))
	}
}

// TraceAttrs is a small helper so callers building a context for
// NewSpan/ReleaseSpan can tag the span with how many pages were
// requested, without every caller re-deriving the attribute key.
func TraceAttrs(pages int) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.Int("pages", pages)}
}
