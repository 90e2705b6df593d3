package pagecache

import (
	"context"
	"sync"
	"unsafe"

	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shlyyy/high-concurrent-memory-pool/internal/metrics"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/pagemap"
)

// heapOS satisfies osMapper with plain Go heap allocations, and tracks
// every live mapping so tests can assert Unmap was actually called.
type heapOS struct {
	mu   sync.Mutex
	live map[unsafe.Pointer]uintptr
}

func newHeapOS() *heapOS { return &heapOS{live: map[unsafe.Pointer]uintptr{}} }

func (h *heapOS) Map(nbytes uintptr) (unsafe.Pointer, error) {
	b := make([]byte, nbytes)
	p := unsafe.Pointer(&b[0])
	h.mu.Lock()
	h.live[p] = nbytes
	h.mu.Unlock()
	return p, nil
}

func (h *heapOS) Unmap(addr unsafe.Pointer, nbytes uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if got, ok := h.live[addr]; !ok || got != nbytes {
		panic("test heapOS: Unmap of an address/size it never Map'd")
	}
	delete(h.live, addr)
	return nil
}

func newTestPageCache() (*PageCache, *heapOS) {
	const pageSize = 64
	const pageShift = 6
	os := newHeapOS()
	pm := pagemap.New(40, pageShift, pageSize, os)
	m := metrics.New(prometheus.NewRegistry())
	return New(pageSize, pageShift, pm, os, m), os
}

func TestNewSpanPullsFreshSpanFromOSWhenEmpty(t *testing.T) {
	pc, _ := newTestPageCache()
	s := pc.NewSpan(context.Background(), 10)
	if s.Pages != 10 {
		t.Fatalf("got a %d-page span, want 10", s.Pages)
	}
	if !s.InUse {
		t.Fatal("span returned by NewSpan must be marked InUse")
	}
	// The remainder of the 128-page chunk should now sit free at 118 pages.
	if pc.lists[MaxPages-10].Empty() {
		t.Fatalf("expected a %d-page remainder span after the split", MaxPages-10)
	}
}

// TestNewSpanReusesExactSizeBucket carves an OS chunk into two
// same-size halves so both sides end up InUse, releases one, and
// checks the free half is handed back out without another OS call
// (and without coalescing, since its only neighbor is still in use).
func TestNewSpanReusesExactSizeBucket(t *testing.T) {
	pc, os := newTestPageCache()
	a := pc.NewSpan(context.Background(), 64)
	b := pc.NewSpan(context.Background(), 64)
	if len(os.live) != 1 {
		t.Fatalf("expected exactly one OS mapping after carving a single 128-page chunk, got %d", len(os.live))
	}

	pc.ReleaseSpan(context.Background(), a)
	if pc.lists[64].Empty() {
		t.Fatal("released 64-page span should sit in lists[64] (its neighbor is still in use, so no coalesce)")
	}

	c := pc.NewSpan(context.Background(), 64)
	if c.PageID != a.PageID {
		t.Fatal("expected the freed span to be reused rather than requesting a new OS chunk")
	}
	if len(os.live) != 1 {
		t.Fatalf("reusing a freed span should not trigger another OS mapping, got %d live", len(os.live))
	}
	_ = b
}

func TestReleaseSpanCoalescesWithFreeNeighbor(t *testing.T) {
	pc, _ := newTestPageCache()
	small := pc.NewSpan(context.Background(), 10)

	pc.ReleaseSpan(context.Background(), small)

	if pc.lists[MaxPages].Empty() {
		t.Fatal("releasing the carved span should coalesce with its remainder back into a full 128-page span")
	}
	for k := 1; k < MaxPages; k++ {
		if !pc.lists[k].Empty() {
			t.Fatalf("lists[%d] should be empty after full coalesce, found a span", k)
		}
	}
}

func TestHugeSpanBypassesBucketsAndUnmapsOnRelease(t *testing.T) {
	pc, os := newTestPageCache()
	s := pc.NewSpan(context.Background(), MaxPages+1)
	if s.Pages != MaxPages+1 {
		t.Fatalf("got %d pages, want %d", s.Pages, MaxPages+1)
	}
	for k := 1; k <= MaxPages; k++ {
		if !pc.lists[k].Empty() {
			t.Fatalf("huge span request should not touch lists[%d]", k)
		}
	}

	pc.ReleaseSpan(context.Background(), s)
	if len(os.live) != 0 {
		t.Fatal("releasing a huge span should unmap it rather than parking it in a bucket")
	}
}
