// Package hcmp is a thread-caching, segregated-fit general-purpose
// allocator: a thread cache of lock-free per-size-class free lists
// backed by a sharded central cache, backed in turn by a single page
// cache that is the only tier that talks to the OS.
//
// Call Init once before the first Alloc/Free (Alloc and Free call it
// for you on first use). Most callers just use the package-level
// Alloc/Free, which borrow a *threadcache.Cache from an internal
// sync.Pool for the duration of each call; callers doing tight
// allocate/free loops on one goroutine should instead call NewCache
// and hold onto the handle, closing it when done, to avoid paying the
// pool's borrow/return cost per operation.
package hcmp
