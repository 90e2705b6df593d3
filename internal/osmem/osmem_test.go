package osmem

import (
	"testing"
	"unsafe"
)

func TestMapUnmapRoundTrip(t *testing.T) {
	var s Source
	p, err := s.Map(uintptr(PageSize))
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if p == nil {
		t.Fatal("Map returned a nil pointer")
	}

	b := unsafe.Slice((*byte)(p), PageSize)
	for i := range b {
		if b[i] != 0 {
			t.Fatalf("byte %d not zero-filled: %d", i, b[i])
		}
	}
	b[0] = 0xff
	b[PageSize-1] = 0xff

	if err := s.Unmap(p, uintptr(PageSize)); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestMapRoundsUpToPageMultiple(t *testing.T) {
	var s Source
	p, err := s.Map(1)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer s.Unmap(p, uintptr(PageSize))

	b := unsafe.Slice((*byte)(p), PageSize)
	b[PageSize-1] = 1 // must not fault: Map(1) should still back a full page
}
