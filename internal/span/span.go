// Package span implements the Span and SpanList primitives that the
// central cache and page cache build on, plus the free-list encoding
// that makes per-object metadata unnecessary: a free object's first
// machine word holds the pointer to the next free object in the same
// span.
package span

import "unsafe"

// nextObj returns a reference to the next-pointer slot embedded in
// the first word of obj. obj must be at least pointer-sized, which
// sizeclass.AlignUp guarantees for every class the allocator serves.
func nextObj(obj unsafe.Pointer) *unsafe.Pointer {
	return (*unsafe.Pointer)(obj)
}

// PushFront links obj onto the head of a free list rooted at head and
// returns the new head.
func PushFront(head unsafe.Pointer, obj unsafe.Pointer) unsafe.Pointer {
	*nextObj(obj) = head
	return obj
}

// PopFront removes and returns the head of a free list, along with the
// list's new head. head must be non-nil.
func PopFront(head unsafe.Pointer) (obj, newHead unsafe.Pointer) {
	return head, *nextObj(head)
}

// Next returns the next-pointer stored in obj.
func Next(obj unsafe.Pointer) unsafe.Pointer {
	return *nextObj(obj)
}

// SetNext overwrites the next-pointer stored in obj.
func SetNext(obj, next unsafe.Pointer) {
	*nextObj(obj) = next
}

// Span is a contiguous run of Pages pages, owned by exactly one tier
// at a time. It carries its own doubly
// linked list pointers so it can live in a PageCache page-count bucket
// or a CentralCache size-class bucket without extra allocation.
type Span struct {
	PageID  uintptr // page number of the first page
	Pages   uintptr // number of pages covered
	ObjSize uintptr // size class the span is carved for; 0 while free in the page cache

	FreeList unsafe.Pointer // head of the span-local free list
	UseCount int            // objects currently lent out to a thread cache
	InUse    bool           // true iff owned by the central cache

	prev, next *Span // intrusive doubly linked list, owned by whichever tier holds this span
}

// List is an intrusive, circular, doubly linked list of Spans with a
// sentinel head node, matching original_source/common.h's SpanList
// (minus its bucket mutex, which the owning tier supplies itself so
// lock scope is explicit at call sites).
type List struct {
	head Span
}

// Init must be called once before use; a zero-value List is not
// ready (its head does not point to itself yet).
func (l *List) Init() {
	l.head.next = &l.head
	l.head.prev = &l.head
}

// Empty reports whether the list has no spans.
func (l *List) Empty() bool {
	return l.head.next == &l.head
}

// Front returns the first span, or nil if the list is empty.
func (l *List) Front() *Span {
	if l.Empty() {
		return nil
	}
	return l.head.next
}

// Each calls fn for every span in the list, in front-to-back order.
// fn must not mutate the list.
func (l *List) Each(fn func(*Span)) {
	for s := l.head.next; s != &l.head; s = s.next {
		fn(s)
	}
}

// PushFront inserts s at the front of the list.
func (l *List) PushFront(s *Span) {
	l.insertAfter(&l.head, s)
}

// Remove unlinks s from whatever list it is currently in. s's own
// prev/next are left dangling (the caller typically reuses or frees
// s immediately after).
func (l *List) Remove(s *Span) {
	s.prev.next = s.next
	s.next.prev = s.prev
}

// PopFront removes and returns the first span. The list must be
// non-empty.
func (l *List) PopFront() *Span {
	s := l.head.next
	l.Remove(s)
	return s
}

func (l *List) insertAfter(pos, s *Span) {
	s.next = pos.next
	s.prev = pos
	pos.next.prev = s
	pos.next = s
}
