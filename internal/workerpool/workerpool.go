// Package workerpool implements the thread-local handle/scratch-buffer
// slot pattern spec.md §5 and §9 describe: "the caller provides a factory
// closure that produces a fresh handle; each worker fetches one from a
// thread-local slot on first use and reuses it. Do not share a mutable
// handle behind a lock." Go has no direct equivalent of a goroutine-local
// slot tied to an OS thread, so this uses a sync.Pool of lazily-cloned
// handles: a worker borrows one for the duration of its unit of work and
// returns it, which gives the same "exclusive access until the worker
// returns" contract without ever sharing one handle mutably across
// concurrent readers.
package workerpool

import (
	"sync"

	"github.com/Urethramancer/scanflow/memaccess"
)

// HandlePool hands out independent memaccess.Handle clones to concurrent
// workers, cloning lazily and reusing returned handles instead of cloning
// on every borrow.
type HandlePool struct {
	pool sync.Pool
}

// NewHandlePool builds a pool that clones from base on first use.
func NewHandlePool(base memaccess.Handle) *HandlePool {
	hp := &HandlePool{}
	hp.pool.New = func() any {
		return base.Clone()
	}
	return hp
}

// Get borrows a handle, cloning one if the pool is empty.
func (hp *HandlePool) Get() memaccess.Handle {
	return hp.pool.Get().(memaccess.Handle)
}

// Put returns a handle to the pool for reuse by the next borrower.
func (hp *HandlePool) Put(h memaccess.Handle) {
	hp.pool.Put(h)
}

// ScratchPool recycles fixed-shape scratch buffers (read windows, section
// lists) so parallel sweeps avoid reallocating per stride. new builds a
// fresh T when the pool is empty; reset clears a borrowed T before reuse.
type ScratchPool[T any] struct {
	pool  sync.Pool
	reset func(T)
}

// NewScratchPool builds a scratch pool. newFn constructs a fresh T; reset
// (may be nil) is called on a borrowed T before Get returns it.
func NewScratchPool[T any](newFn func() T, reset func(T)) *ScratchPool[T] {
	sp := &ScratchPool[T]{reset: reset}
	sp.pool.New = func() any { return newFn() }
	return sp
}

// Get borrows (and, if reset is set, clears) a scratch value.
func (sp *ScratchPool[T]) Get() T {
	v := sp.pool.Get().(T)
	if sp.reset != nil {
		sp.reset(v)
	}
	return v
}

// Put returns a scratch value for reuse.
func (sp *ScratchPool[T]) Put(v T) {
	sp.pool.Put(v)
}
