package objpool

import (
	"unsafe"

	"testing"
)

// heapMapper satisfies mapper without touching the OS, so these tests
// don't need mmap permissions.
type heapMapper struct{}

func (heapMapper) Map(nbytes uintptr) (unsafe.Pointer, error) {
	b := make([]byte, nbytes)
	return unsafe.Pointer(&b[0]), nil
}

func TestGetReturnsDistinctZeroedBlocks(t *testing.T) {
	type block struct{ a, b uintptr }
	p := New(unsafe.Sizeof(block{}), 64, heapMapper{})

	seen := map[unsafe.Pointer]bool{}
	for i := 0; i < 100; i++ {
		obj := p.Get()
		blk := (*block)(obj)
		if blk.a != 0 || blk.b != 0 {
			t.Fatalf("block %d not zeroed: %+v", i, blk)
		}
		if seen[obj] {
			t.Fatalf("block %d reused an address still outstanding", i)
		}
		seen[obj] = true
		blk.a = 0xdead
	}
}

func TestPutRecyclesBlocks(t *testing.T) {
	type block struct{ v uintptr }
	p := New(unsafe.Sizeof(block{}), 64, heapMapper{})

	a := p.Get()
	(*block)(a).v = 42
	p.Put(a)

	b := p.Get()
	if b != a {
		t.Fatal("Get after Put did not recycle the freed block")
	}
	if (*block)(b).v != 0 {
		t.Fatal("recycled block was not zeroed")
	}
}

func TestGrowSizeRampsUpAndCaps(t *testing.T) {
	p := New(8, 64, heapMapper{})
	for i := 0; i < 100000; i++ {
		p.Get()
	}
	if p.growSize > p.maxGrow {
		t.Fatalf("growSize %d exceeded maxGrow %d", p.growSize, p.maxGrow)
	}
	if p.growSize != p.maxGrow {
		t.Fatalf("growSize %d did not ramp up to maxGrow %d", p.growSize, p.maxGrow)
	}
}
