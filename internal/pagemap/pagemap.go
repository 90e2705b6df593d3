// Package pagemap implements the page → span reverse map: a radix
// tree keyed by page number that makes free(ptr) possible without the
// caller supplying a size.
//
// Grounded on original_source/include/page_map.h. That header actually
// defines four variants; the simplest, TCMalloc_PageMap2, indexes a
// root table with a fixed number of high bits, which only keeps
// leaves a sane size when the tracked address space is 32-bit. For a
// real 64-bit process the header's own final variant — plain
// "PageMap", fixed at 15 leaf bits with the root width derived from
// the target's total key size — is the one actually practical, and is
// what we implement: rootBits = addressBits - pageShift - 15. Run the
// formula with a 32-bit addressBits and a 4KiB page and it reduces to
// exactly 5 root bits, the fixed width TCMalloc_PageMap2 would have
// used at that address size; see DESIGN.md's Open Question notes.
package pagemap

import (
	"sync"
	"unsafe"

	"github.com/shlyyy/high-concurrent-memory-pool/internal/objpool"
	"github.com/shlyyy/high-concurrent-memory-pool/internal/span"
)

const leafBits = 15
const leafLen = 1 << leafBits

type leaf [leafLen]unsafe.Pointer

type mapper interface {
	Map(nbytes uintptr) (unsafe.Pointer, error)
}

// Map is a two-level radix tree from page number to *span.Span. Gets
// are lock-free once a leaf has ever been allocated (a leaf's address
// never changes once set); Set must be called only while holding
// whatever lock the owning tier uses to serialize mutation (the page
// cache's own lock, for the one caller that mutates this map).
type Map struct {
	rootBits int
	rootLen  int
	root     []unsafe.Pointer // each entry is *leaf, nil until first touched

	mu       sync.Mutex // guards leaf allocation and root writes
	leafPool *objpool.Pool
}

// New creates a map able to address 2^addressBits distinct byte
// addresses, with pages of 2^pageShift bytes. Leaves are allocated
// from a fixed-size pool (256KiB blocks on a 64-bit pointer width, one
// leaf's worth) backed by os.
func New(addressBits int, pageShift uint, pageSize uintptr, os mapper) *Map {
	rootBits := addressBits - int(pageShift) - leafBits
	if rootBits < 1 {
		rootBits = 1
	}
	m := &Map{
		rootBits: rootBits,
		rootLen:  1 << rootBits,
	}
	m.root = make([]unsafe.Pointer, m.rootLen)
	m.leafPool = objpool.New(unsafe.Sizeof(leaf{}), pageSize, os)
	return m
}

func (m *Map) split(pageID uintptr) (i1, i2 uintptr) {
	i1 = pageID >> leafBits
	i2 = pageID & (leafLen - 1)
	return
}

// Get returns the span covering pageID, or nil if it was never set.
func (m *Map) Get(pageID uintptr) *span.Span {
	i1, i2 := m.split(pageID)
	if int(i1) >= m.rootLen {
		return nil
	}
	l := (*leaf)(m.root[i1])
	if l == nil {
		return nil
	}
	return (*span.Span)(l[i2])
}

// Set records that pageID belongs to s, allocating a leaf node on
// first touch. Callers must serialize all Set calls (and any Get call
// racing with the very first Set of a given leaf range) with the
// owning tier's lock — see the package doc comment.
func (m *Map) Set(pageID uintptr, s *span.Span) {
	i1, i2 := m.split(pageID)
	if int(i1) >= m.rootLen {
		panic("pagemap: page id out of configured address range")
	}
	if m.root[i1] == nil {
		m.mu.Lock()
		if m.root[i1] == nil {
			m.root[i1] = m.leafPool.Get()
		}
		m.mu.Unlock()
	}
	l := (*leaf)(m.root[i1])
	l[i2] = unsafe.Pointer(s)
}
