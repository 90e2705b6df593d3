// Package centralcache implements the middle tier shared by every
// thread cache: 208 size-class buckets, each independently locked,
// that hand out and reclaim batches of objects carved from spans
// fetched from the page cache.
//
// Grounded on original_source/src/central_cache.cpp and
// include/central_cache.h. The lock hierarchy — a bucket's mutex must
// be released before the page cache is called, and reacquired after —
// is implemented directly in getNonEmptySpanLocked and Release below, rather
// than left as a contract the caller has to honor.
package centralcache

import (
	"context"
	"sync"
	"unsafe"

	"go.opentelemetry.io/otel/attribute"

	"github.com/shlyyy/high-concurrent-memory-pool/internal/metrics"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/pagecache"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/sizeclass"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/span"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/tracing"
)

type bucket struct {
	mu    sync.Mutex
	spans span.List
}

// CentralCache is the process-wide, size-class-sharded span pool
// between the page cache and every thread cache.
type CentralCache struct {
	buckets   [sizeclass.NumClasses]bucket
	pageCache *pagecache.PageCache
	pageSize  uintptr
	pageShift uint
	metrics   *metrics.Registry
}

// New constructs a CentralCache backed by pc.
func New(pc *pagecache.PageCache, pageSize uintptr, pageShift uint, m *metrics.Registry) *CentralCache {
	cc := &CentralCache{pageCache: pc, pageSize: pageSize, pageShift: pageShift, metrics: m}
	for i := range cc.buckets {
		cc.buckets[i].spans.Init()
	}
	return cc
}

// FetchRange pops up to n objects of the given size class and returns
// them threaded into a single free list (object i's first word points
// to object i+1, the last points to nil), along with how many objects
// were actually linked. It always returns exactly n unless n is
// non-positive, since the page cache can always supply another span.
func (cc *CentralCache) FetchRange(ctx context.Context, classIndex, n int) (unsafe.Pointer, int) {
	if n <= 0 {
		return nil, 0
	}
	tracer := tracing.GetTracer("centralcache")
	ctx, sp := tracing.StartSpan(ctx, tracer, "FetchRange", attribute.Int("objects", n))
	defer sp.End()

	b := &cc.buckets[classIndex]
	b.mu.Lock()
	defer b.mu.Unlock()

	var head, tail unsafe.Pointer
	count := 0
	s := cc.getNonEmptySpanLocked(ctx, b, classIndex)
	for count < n {
		if s.FreeList == nil {
			s = cc.getNonEmptySpanLocked(ctx, b, classIndex)
		}
		var obj unsafe.Pointer
		obj, s.FreeList = span.PopFront(s.FreeList)
		s.UseCount++
		if head == nil {
			head = obj
		} else {
			span.SetNext(tail, obj)
		}
		tail = obj
		count++
	}
	span.SetNext(tail, nil)
	cc.metrics.CentralFetches.Inc()
	return head, count
}

// getNonEmptySpanLocked returns a span in bucket b with at least one
// free object, carving a fresh one from the page cache if none of the
// bucket's spans have room. b.mu must be held on entry and is held on
// return; it is released only for the duration of the page cache call.
func (cc *CentralCache) getNonEmptySpanLocked(ctx context.Context, b *bucket, classIndex int) *span.Span {
	var found *span.Span
	b.spans.Each(func(s *span.Span) {
		if found == nil && s.FreeList != nil {
			found = s
		}
	})
	if found != nil {
		return found
	}

	objSize := sizeclass.ClassSize(classIndex)
	pages := sizeclass.PageCount(objSize, cc.pageSize)

	b.mu.Unlock()
	s := cc.pageCache.NewSpan(ctx, pages)
	cc.carve(s, objSize)
	b.mu.Lock()

	b.spans.PushFront(s)
	cc.metrics.CentralNewSpans.Inc()
	return s
}

// carve threads a fresh span's backing bytes into a free list of
// objSize-byte objects, matching original_source's central_cache.cpp
// span-carving loop.
func (cc *CentralCache) carve(s *span.Span, objSize uintptr) {
	s.ObjSize = objSize
	s.UseCount = 0
	total := s.Pages * cc.pageSize
	base := s.PageID << cc.pageShift
	count := total / objSize
	var head unsafe.Pointer
	for i := uintptr(0); i < count; i++ {
		obj := unsafe.Pointer(base + i*objSize)
		head = span.PushFront(head, obj)
	}
	s.FreeList = head
}

// Release returns a batch of objects (threaded as a free list starting
// at start) of the given size class to the central cache, demuxing
// each object to its owning span via the shared page map and draining
// fully-freed spans back to the page cache.
func (cc *CentralCache) Release(ctx context.Context, start unsafe.Pointer, classIndex int) {
	tracer := tracing.GetTracer("centralcache")
	ctx, sp := tracing.StartSpan(ctx, tracer, "Release")
	defer sp.End()

	b := &cc.buckets[classIndex]
	b.mu.Lock()

	obj := start
	for obj != nil {
		next := span.Next(obj)
		pageID := uintptr(obj) >> cc.pageShift
		s := cc.pageCache.PageMap().Get(pageID)
		if s == nil {
			panic("centralcache: Release called with an address not owned by any span")
		}
		s.FreeList = span.PushFront(s.FreeList, obj)
		s.UseCount--
		if s.UseCount == 0 {
			b.spans.Remove(s)
			b.mu.Unlock()
			cc.pageCache.ReleaseSpan(ctx, s)
			b.mu.Lock()
		}
		obj = next
	}
	b.mu.Unlock()
}
