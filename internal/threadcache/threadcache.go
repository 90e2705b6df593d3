// Package threadcache implements the lock-free fast path: a set of
// per-size-class free lists meant to be owned by exactly one goroutine
// at a time, refilled in batches from the central cache and drained
// back to it once a bucket grows past its watermark.
//
// Grounded on original_source/src/thread_cache.cpp and
// include/thread_cache.h. The C++ original is a thread_local singleton
// with a pthread destructor that drains it on thread exit; Go has
// neither construct. Cache is instead an explicit handle — the
// Go-idiomatic analogue of a non-concurrency-safe type like
// bufio.Writer — that a caller owns for as long as it keeps allocating,
// and whose Close method is the drop hook the pthread destructor would
// have been (see DESIGN.md's Open Question notes). The root hcmp
// package additionally layers a sync.Pool of Cache handles on top for
// callers who don't want to manage one themselves.
package threadcache

import (
	"context"
	"unsafe"

	"github.com/shlyyy/high-concurrent-memory-pool/internal/centralcache"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/metrics"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/sizeclass"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/span"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/tracing"
)

type freeList struct {
	head   unsafe.Pointer
	length int
	maxLen int
}

// Cache is a per-owner set of free lists, one per size class. It is
// not safe for concurrent use: exactly one goroutine may call Alloc or
// Free on a given Cache at a time.
type Cache struct {
	lists    [sizeclass.NumClasses]freeList
	cc       *centralcache.CentralCache
	pageSize uintptr
	metrics  *metrics.Registry
}

// New creates an empty Cache. Every bucket starts with a watermark of
// 1: a bucket earns the right to hold more objects only after
// repeatedly starving, rather than jumping straight to a large batch.
func New(cc *centralcache.CentralCache, pageSize uintptr, m *metrics.Registry) *Cache {
	c := &Cache{cc: cc, pageSize: pageSize, metrics: m}
	for i := range c.lists {
		c.lists[i].maxLen = 1
	}
	return c
}

// Alloc returns an object of at least size bytes, or panics if size
// exceeds the size classes this cache serves (callers above
// sizeclass.MaxSmallSize must route to the central/page cache tiers
// directly; see the root hcmp package).
func (c *Cache) Alloc(ctx context.Context, size uintptr) unsafe.Pointer {
	aligned := sizeclass.AlignUp(size, c.pageSize)
	idx := sizeclass.ClassIndex(aligned)
	l := &c.lists[idx]
	if l.head == nil {
		c.refill(ctx, idx)
	}
	var obj unsafe.Pointer
	obj, l.head = span.PopFront(l.head)
	l.length--
	if c.metrics != nil {
		c.metrics.Allocations.Inc()
	}
	return obj
}

// Free returns obj, previously obtained from Alloc with the same size,
// to the cache, draining a batch to the central cache if the bucket
// has grown past its current watermark.
func (c *Cache) Free(ctx context.Context, obj unsafe.Pointer, size uintptr) {
	aligned := sizeclass.AlignUp(size, c.pageSize)
	idx := sizeclass.ClassIndex(aligned)
	l := &c.lists[idx]
	l.head = span.PushFront(l.head, obj)
	l.length++
	if c.metrics != nil {
		c.metrics.Frees.Inc()
	}
	if l.length > l.maxLen {
		c.drain(ctx, idx)
	}
}

// refill fetches a batch from the central cache, requesting no more
// than the bucket's current watermark, and grows the watermark by one
// so the next starve can ask for a slightly larger batch.
func (c *Cache) refill(ctx context.Context, idx int) {
	l := &c.lists[idx]
	objSize := sizeclass.ClassSize(idx)
	want := sizeclass.BatchCount(objSize)
	if want > l.maxLen {
		want = l.maxLen
	}
	tracer := tracing.GetTracer("threadcache")
	ctx, sp := tracing.StartSpan(ctx, tracer, "refill")
	defer sp.End()

	head, n := c.cc.FetchRange(ctx, idx, want)
	l.head = head
	l.length = n
	if l.maxLen < sizeclass.BatchCount(objSize) {
		l.maxLen++
	}
	if c.metrics != nil {
		c.metrics.ThreadRefills.Inc()
	}
}

// drain returns up to a full batch of objects from bucket idx to the
// central cache, walking batch-1 links to cut the free list at the
// batch boundary; anything past the cut stays in the bucket.
func (c *Cache) drain(ctx context.Context, idx int) {
	l := &c.lists[idx]
	objSize := sizeclass.ClassSize(idx)
	batch := sizeclass.BatchCount(objSize)
	if batch > l.length {
		batch = l.length
	}
	if batch == 0 {
		return
	}

	tracer := tracing.GetTracer("threadcache")
	ctx, sp := tracing.StartSpan(ctx, tracer, "drain")
	defer sp.End()

	head := l.head
	tail := head
	for i := 1; i < batch; i++ {
		tail = span.Next(tail)
	}
	rest := span.Next(tail)
	span.SetNext(tail, nil)

	c.cc.Release(ctx, head, idx)
	l.head = rest
	l.length -= batch
	if c.metrics != nil {
		c.metrics.ThreadDrains.Inc()
	}
}

// Close drains every non-empty bucket back to the central cache. It is
// the Go equivalent of the C++ thread cache's pthread destructor:
// callers that own a Cache directly (rather than borrowing one from
// the root package's pool) must call Close when they stop allocating,
// or objects sit stranded in the cache forever.
func (c *Cache) Close(ctx context.Context) {
	for idx := range c.lists {
		l := &c.lists[idx]
		if l.head == nil {
			continue
		}
		c.cc.Release(ctx, l.head, idx)
		l.head = nil
		l.length = 0
	}
}
