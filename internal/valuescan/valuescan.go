// Package valuescan implements the Value Scanner (spec.md §4.2, C2):
// parallel full-address-space search with iterative refinement. The first
// call to ScanFor enumerates the target's mapped ranges and finds every
// occurrence of a byte pattern; every subsequent call filters the existing
// match set down to addresses that still hold the (possibly different)
// pattern.
package valuescan

import (
	"bytes"
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/config"
	"github.com/Urethramancer/scanflow/internal/pbar"
	"github.com/Urethramancer/scanflow/internal/scanerr"
	"github.com/Urethramancer/scanflow/internal/workerpool"
	"github.com/Urethramancer/scanflow/memaccess"
)

// Scanner holds the value-scanner state from spec.md §3: whether a scan has
// happened yet, the sorted/duplicate-free match addresses, and the mapped
// ranges the initial sweep covered. Construct with New; the zero value has
// a zero stride and is not usable.
type Scanner struct {
	scanned bool
	matches []addr.Address
	memMap  []addr.MemoryRange

	cfg         config.ValueScanConfig
	progressBar bool
}

// New creates a Scanner using cfg's tunables. Pass config.Default().ValueScan
// for spec.md's literal constants.
func New(cfg config.ValueScanConfig, progressBar bool) *Scanner {
	return &Scanner{cfg: cfg, progressBar: progressBar}
}

// Reset discards all state, returning the Scanner to its initial empty form.
func (s *Scanner) Reset() {
	s.scanned = false
	s.matches = nil
	s.memMap = nil
}

// Matches returns the current sorted, duplicate-free match set.
func (s *Scanner) Matches() []addr.Address {
	return s.matches
}

// MatchesMut returns a pointer to the match slice so callers may manually
// insert or remove candidates between scans.
func (s *Scanner) MatchesMut() *[]addr.Address {
	return &s.matches
}

// ScanFor performs the initial sweep (if this Scanner has never scanned) or
// a refinement filter (otherwise). See spec.md §4.2 for the exact
// algorithm and the empty-pattern asymmetry between the two paths.
func (s *Scanner) ScanFor(ctx context.Context, mem memaccess.Handle, pattern []byte) error {
	if !s.scanned {
		if len(pattern) == 0 {
			return scanerr.New(scanerr.InvalidArgument, "valuescan.ScanFor: empty pattern forbidden during initial sweep")
		}
		return s.initialSweep(ctx, mem, pattern)
	}
	return s.refine(ctx, mem, pattern)
}

func (s *Scanner) initialSweep(ctx context.Context, mem memaccess.Handle, pattern []byte) error {
	memMap, err := mem.MappedMemRangeVec(ctx, s.cfg.CoalesceGapBytes, addr.Null, addr.Address(^uint64(0)))
	if err != nil {
		return scanerr.Wrap(scanerr.MemoryFatal, "valuescan.initialSweep: MappedMemRangeVec", err)
	}
	s.memMap = memMap

	var total uint64
	for _, r := range memMap {
		total += r.Size
	}
	bar := pbar.New(total, true, s.progressBar)
	defer bar.Finish()

	logrus.WithField("ranges", len(memMap)).WithField("pattern_len", len(pattern)).Info("valuescan: starting initial sweep")

	stride := s.cfg.StrideBytes
	overlap := uint64(len(pattern) - 1)

	type job struct {
		base addr.Address
		size uint64
	}
	var jobs []job
	for _, r := range memMap {
		for off := uint64(0); off < r.Size; off += stride {
			sz := stride
			if off+sz > r.Size {
				sz = r.Size - off
			}
			jobs = append(jobs, job{base: r.Base + addr.Address(off), size: sz})
		}
	}

	results := make([][]addr.Address, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	handles := workerpool.NewHandlePool(mem)

	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			worker := handles.Get()
			defer handles.Put(worker)
			buf := make([]byte, j.size+overlap)
			if err := worker.ReadRawInto(gctx, j.base, buf); err != nil {
				if scanerr.IsData(err) {
					logrus.WithField("base", j.base).Debug("valuescan: region unreadable, skipping")
					return nil
				}
				return scanerr.Wrap(scanerr.MemoryFatal, "valuescan.initialSweep: ReadRawInto", err)
			}
			bar.Add(j.size)

			var found []addr.Address
			for o := 0; o+len(pattern) <= len(buf); o++ {
				if bytes.Equal(buf[o:o+len(pattern)], pattern) {
					found = append(found, j.base+addr.Address(o))
				}
			}
			results[i] = found
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var all []addr.Address
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	s.matches = all
	s.scanned = true
	return nil
}

func (s *Scanner) refine(ctx context.Context, mem memaccess.Handle, pattern []byte) error {
	old := s.matches
	s.matches = nil

	if len(pattern) == 0 {
		// Per spec.md §9's documented asymmetry: an empty pattern during
		// refinement is a no-op that empties the match set, rather than
		// the "match everywhere" semantics the initial sweep would imply.
		return nil
	}

	bar := pbar.New(uint64(len(old)), false, s.progressBar)
	defer bar.Finish()

	chunkSize := s.cfg.RefinementChunk
	if chunkSize <= 0 {
		chunkSize = 256
	}

	var chunks [][]addr.Address
	for i := 0; i < len(old); i += chunkSize {
		end := i + chunkSize
		if end > len(old) {
			end = len(old)
		}
		chunks = append(chunks, old[i:end])
	}

	results := make([][]addr.Address, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	handles := workerpool.NewHandlePool(mem)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			worker := handles.Get()
			defer handles.Put(worker)
			batcher := worker.Batcher()
			bufs := make([][]byte, len(chunk))
			for j := range chunk {
				bufs[j] = make([]byte, len(pattern))
				batcher.ReadRawInto(chunk[j], bufs[j])
			}
			if err := batcher.Flush(gctx); err != nil {
				if scanerr.IsFatal(err) {
					return scanerr.Wrap(scanerr.MemoryFatal, "valuescan.refine: Batcher.Flush", err)
				}
			}
			bar.Add(uint64(len(chunk)))

			var kept []addr.Address
			for j, a := range chunk {
				if bytes.Equal(bufs[j], pattern) {
					kept = append(kept, a)
				}
			}
			results[i] = kept
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var all []addr.Address
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	s.matches = all
	return nil
}

