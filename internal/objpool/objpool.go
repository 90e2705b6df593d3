// Package objpool implements a fixed-size-block pool used for the
// allocator's own metadata (Span records, page-map leaves): a bump
// pointer over OS-backed blocks that grow 1.5x per refill up to a
// cap, with reclaimed blocks threaded onto a free list through their
// own first word exactly like an ordinary free object.
//
// Grounded on original_source/include/object_pool.h. Unlike the C++
// version this pool is generic over a fixed block size rather than a
// type, since Go's type system does not let us run a placement `new`
// over raw bytes the way the template does; callers get back
// unsafe.Pointer and cast.
package objpool

import (
	"sync"
	"unsafe"
)

// mapper is the subset of internal/osmem's interface the pool needs.
// Kept as an interface so tests can supply an in-process allocator
// instead of touching mmap.
type mapper interface {
	Map(nbytes uintptr) (unsafe.Pointer, error)
}

// Pool hands out fixed-size blocks of blockSize bytes, never
// returning memory to the OS for the life of the pool (matching the
// page cache's own policy of retaining its working set).
type Pool struct {
	mu sync.Mutex

	blockSize uintptr
	os        mapper

	current   unsafe.Pointer
	remaining uintptr

	freeList unsafe.Pointer

	growSize uintptr
	maxGrow  uintptr
}

const initialGrowPages = 1
const maxGrowPages = 1024

// New creates a pool of blockSize-byte blocks backed by os, growing
// its underlying blocks 1.5x per refill starting from pageSize bytes,
// up to maxGrowPages*pageSize. A refill never maps less than one
// blockSize block.
func New(blockSize, pageSize uintptr, os mapper) *Pool {
	if blockSize < unsafe.Sizeof(uintptr(0)) {
		blockSize = unsafe.Sizeof(uintptr(0))
	}
	return &Pool{
		blockSize: blockSize,
		os:        os,
		growSize:  initialGrowPages * pageSize,
		maxGrow:   maxGrowPages * pageSize,
	}
}

// Get returns a zeroed block of p's configured size.
func (p *Pool) Get() unsafe.Pointer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeList != nil {
		obj := p.freeList
		p.freeList = *(*unsafe.Pointer)(obj)
		zero(obj, p.blockSize)
		return obj
	}

	if p.remaining < p.blockSize {
		size := p.growSize
		if size < p.blockSize {
			size = p.blockSize
		}
		block, err := p.os.Map(size)
		if err != nil {
			panic("objpool: out of memory: " + err.Error())
		}
		p.current = block
		p.remaining = size

		if p.growSize < p.maxGrow {
			p.growSize = p.growSize * 3 / 2
			if p.growSize > p.maxGrow {
				p.growSize = p.maxGrow
			}
		}
	}

	obj := p.current
	p.current = unsafe.Add(p.current, p.blockSize)
	p.remaining -= p.blockSize
	return obj
}

// Put returns obj to the pool's free list for reuse by a later Get.
// obj must have come from this pool and must not be used again by the
// caller until a later Get hands it back out.
func (p *Pool) Put(obj unsafe.Pointer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	*(*unsafe.Pointer)(obj) = p.freeList
	p.freeList = obj
}

func zero(p unsafe.Pointer, n uintptr) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}
