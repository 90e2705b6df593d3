package pagemap

import (
	"unsafe"

	"testing"

	"github.com/shlyyy/high-concurrent-memory-pool/internal/span"
)

type heapMapper struct{}

func (heapMapper) Map(nbytes uintptr) (unsafe.Pointer, error) {
	b := make([]byte, nbytes)
	return unsafe.Pointer(&b[0]), nil
}

func TestGetBeforeSetIsNil(t *testing.T) {
	m := New(32, 12, 4096, heapMapper{})
	if s := m.Get(12345); s != nil {
		t.Fatalf("Get on an untouched page returned %+v, want nil", s)
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	m := New(32, 12, 4096, heapMapper{})
	s := &span.Span{Pages: 4}

	for _, pageID := range []uintptr{0, 1, 100000, 1<<20 - 1} {
		m.Set(pageID, s)
		if got := m.Get(pageID); got != s {
			t.Fatalf("Get(%d) = %v, want %v", pageID, got, s)
		}
	}
}

func TestAdjacentPagesDoNotAlias(t *testing.T) {
	m := New(32, 12, 4096, heapMapper{})
	a, b := &span.Span{Pages: 1}, &span.Span{Pages: 1}
	m.Set(500, a)
	m.Set(501, b)
	if m.Get(500) != a || m.Get(501) != b {
		t.Fatal("adjacent page entries clobbered each other")
	}
}

func TestRootBitsReducesToFiveAtThirtyTwoBitAddresses(t *testing.T) {
	m := New(32, 12, 4096, heapMapper{})
	if m.rootBits != 5 {
		t.Fatalf("rootBits = %d, want 5 (addressBits=32, pageShift=12, leafBits=15)", m.rootBits)
	}
}
