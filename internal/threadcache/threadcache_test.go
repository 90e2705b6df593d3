package threadcache

import (
	"context"
	"unsafe"

	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shlyyy/high-concurrent-memory-pool/internal/centralcache"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/metrics"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/pagecache"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/pagemap"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/sizeclass"
)

type heapOS struct{}

func (heapOS) Map(nbytes uintptr) (unsafe.Pointer, error) {
	b := make([]byte, nbytes)
	return unsafe.Pointer(&b[0]), nil
}

func (heapOS) Unmap(unsafe.Pointer, uintptr) error { return nil }

func newTestCache() *Cache {
	const pageSize = 4096
	const pageShift = 12
	os := heapOS{}
	pm := pagemap.New(40, pageShift, pageSize, os)
	m := metrics.New(prometheus.NewRegistry())
	pc := pagecache.New(pageSize, pageShift, pm, os, m)
	cc := centralcache.New(pc, pageSize, pageShift, m)
	return New(cc, pageSize, m)
}

func TestAllocReturnsDistinctAddresses(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	seen := map[unsafe.Pointer]bool{}
	for i := 0; i < 500; i++ {
		p := c.Alloc(ctx, 64)
		if seen[p] {
			t.Fatalf("Alloc returned an address still outstanding on iteration %d", i)
		}
		seen[p] = true
	}
}

func TestAllocFreeRoundTripReusesMemory(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	p := c.Alloc(ctx, 64)
	c.Free(ctx, p, 64)
	q := c.Alloc(ctx, 64)
	if p != q {
		t.Fatal("expected Free followed by Alloc of the same size to reuse the just-freed object")
	}
}

func TestWatermarkGrowsOnRepeatedStarves(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	idx := sizeclass.ClassIndex(sizeclass.AlignUp(64, 4096))

	initial := c.lists[idx].maxLen
	for round := 0; round < 5; round++ {
		p := c.Alloc(ctx, 64)
		c.Free(ctx, p, 64)
		// Each round leaves one more object outstanding, so the bucket
		// keeps running dry and every refill grows maxLen by one.
		c.Alloc(ctx, 64)
	}
	if c.lists[idx].maxLen <= initial {
		t.Fatalf("maxLen did not grow after repeated starves: got %d, started at %d", c.lists[idx].maxLen, initial)
	}
}

func TestCloseDrainsAllBuckets(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		p := c.Alloc(ctx, 64)
		c.Free(ctx, p, 64)
	}
	c.Close(ctx)
	for i, l := range c.lists {
		if l.head != nil || l.length != 0 {
			t.Fatalf("bucket %d not drained by Close: head=%v length=%d", i, l.head, l.length)
		}
	}
}
