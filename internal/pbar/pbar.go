// Package pbar implements the Progress Reporter (spec.md §4.1, C1): an
// optional sidecar that receives cumulative progress counts from worker
// threads. It never affects the correctness of the surrounding algorithm —
// every scanning engine calls Add/Set/Finish unconditionally and gets a
// real bar or a no-op depending on New's enabled argument.
package pbar

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// pollInterval matches original_source/scanflow/src/pbar.rs's 30ms poll.
const pollInterval = 30 * time.Millisecond

const finishedSentinel = math.MaxUint64

// Bar is a lock-free progress counter optionally rendered by a background
// goroutine. The zero value is not usable; construct with New.
type Bar struct {
	cnt  atomic.Uint64
	done chan struct{}
}

// New creates a progress bar for a task expected to reach max units. When
// enabled is false, Bar is a pure no-op: Add/Set only touch the atomic
// counter and no goroutine is spawned. byteUnits selects a human-readable
// byte-size render (KiB/MiB/...) over a plain integer counter. An enabled
// bar's renderer goroutine runs until Finish is called; callers must call
// Finish.
func New(max uint64, byteUnits bool, enabled bool) *Bar {
	b := &Bar{done: make(chan struct{})}
	if !enabled {
		close(b.done)
		return b
	}

	bar := pb.New64(int64(max))
	if byteUnits {
		bar.Set(pb.Bytes, true)
	}
	bar.Start()

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for range ticker.C {
			loaded := b.cnt.Load()
			if loaded == finishedSentinel {
				bar.Finish()
				return
			}
			bar.SetCurrent(int64(loaded))
		}
	}()

	return b
}

// Add increments the counter by delta. Safe to call from any number of
// producer goroutines concurrently.
func (b *Bar) Add(delta uint64) {
	b.cnt.Add(delta)
}

// Set overwrites the counter with value.
func (b *Bar) Set(value uint64) {
	b.cnt.Store(value)
}

// Finish signals the background renderer to stop and waits for it to exit.
// Finish is idempotent: calling it twice, or never starting a real bar, is
// safe.
func (b *Bar) Finish() {
	b.cnt.Store(finishedSentinel)
	<-b.done
}
