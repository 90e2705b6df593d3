package hcmp

import (
	"context"
	"math/bits"
	"runtime"
	"sync"
	"unsafe"

	"github.com/shlyyy/high-concurrent-memory-pool/internal/centralcache"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/metrics"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/osmem"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/pagecache"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/pagemap"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/sizeclass"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/threadcache"
)

// addressBits is the virtual address width the page map is sized for.
// 48 bits covers every current x86-64 and arm64 Linux configuration
// without the 5-level paging extension; see DESIGN.md.
const addressBits = 48

var (
	initOnce sync.Once

	pageSize  uintptr
	pageShift uint

	osSource  osmem.Source
	theMap    *pagemap.Map
	thePages  *pagecache.PageCache
	theCaches *centralcache.CentralCache

	cachePool sync.Pool
)

// Init prepares the allocator's global state. It is idempotent and is
// called automatically by Alloc and Free; callers only need it
// directly if they want to force initialization (and any panic it
// could raise) before the first real allocation, e.g. at program
// startup.
func Init() {
	initOnce.Do(func() {
		pageSize = uintptr(osmem.PageSize)
		pageShift = uint(bits.TrailingZeros(uint(pageSize)))

		theMap = pagemap.New(addressBits, pageShift, pageSize, osSource)
		thePages = pagecache.New(pageSize, pageShift, theMap, osSource, metrics.Default)
		theCaches = centralcache.New(thePages, pageSize, pageShift, metrics.Default)

		// A cache the pool drops is closed by its finalizer, so objects
		// it still holds flow back to the central cache.
		cachePool.New = func() any {
			c := threadcache.New(theCaches, pageSize, metrics.Default)
			runtime.SetFinalizer(c, func(c *threadcache.Cache) { c.Close(context.Background()) })
			return c
		}
	})
}

// NewCache returns a dedicated thread cache handle for callers who
// allocate and free repeatedly from a single goroutine and want to
// avoid the package-level API's per-call pool borrow/return. The
// caller must call Close on the returned handle when done with it.
func NewCache() *threadcache.Cache {
	Init()
	return threadcache.New(theCaches, pageSize, metrics.Default)
}

// Alloc returns size bytes of uninitialized memory. Requests larger
// than sizeclass.MaxSmallSize bypass the thread/central cache tiers
// entirely and are served directly from the page cache (or the OS,
// above pagecache.MaxPages pages). size == 0 is not an error: it is
// served from the smallest size class, the same as any other request
// sizeclass.AlignUp rounds up to that class.
func Alloc(size int) unsafe.Pointer {
	if size < 0 {
		panic("hcmp: Alloc called with negative size")
	}
	Init()
	if uintptr(size) > sizeclass.MaxSmallSize {
		return allocHuge(uintptr(size))
	}

	c := cachePool.Get().(*threadcache.Cache)
	ptr := c.Alloc(context.Background(), uintptr(size))
	cachePool.Put(c)
	return ptr
}

// Free releases memory previously returned by Alloc. Unlike the
// thread/central cache internals, callers do not need to pass the
// original size back in: it is recovered from the page map, the same
// way original_source's free(ptr) does it.
func Free(ptr unsafe.Pointer) {
	Init()
	pageID := uintptr(ptr) >> pageShift
	s := theMap.Get(pageID)
	if s == nil {
		panic("hcmp: Free called with a pointer hcmp did not allocate")
	}
	if s.ObjSize > sizeclass.MaxSmallSize {
		thePages.ReleaseSpan(context.Background(), s)
		metrics.Default.Frees.Inc()
		return
	}

	size := s.ObjSize
	c := cachePool.Get().(*threadcache.Cache)
	c.Free(context.Background(), ptr, size)
	cachePool.Put(c)
}

// allocHuge services a request above sizeclass.MaxSmallSize directly
// from the page cache, recording the exact requested size on the span
// before returning so Free can recognize and release it as a whole
// unit.
func allocHuge(size uintptr) unsafe.Pointer {
	Init()
	pages := int(size / pageSize)
	if size%pageSize != 0 {
		pages++
	}
	s := thePages.NewSpan(context.Background(), pages)
	s.ObjSize = size
	metrics.Default.Allocations.Inc()
	return unsafe.Pointer(s.PageID << pageShift)
}

// Metrics returns the process-wide metrics registry the allocator
// updates, for callers that want to expose it on their own
// /metrics endpoint instead of using cmd/hcmp-bench's.
func Metrics() *metrics.Registry {
	Init()
	return metrics.Default
}
