// Package pointermap implements the Pointer Map (spec.md §4.3, C3): a
// bidirectional graph of every pointer-shaped word found in memory, plus a
// bounded depth-first offset-chain walker that finds human-readable chains
// from a set of entry points down to a target address.
package pointermap

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/config"
	"github.com/Urethramancer/scanflow/internal/ordmap"
	"github.com/Urethramancer/scanflow/internal/pbar"
	"github.com/Urethramancer/scanflow/internal/scanerr"
	"github.com/Urethramancer/scanflow/internal/workerpool"
	"github.com/Urethramancer/scanflow/memaccess"
)

// Step is one link in an offset chain: dereferencing Addr+Offset yields the
// next step's Addr. For the last step, Addr+Offset is the search target
// itself, with no dereference.
type Step struct {
	Addr   addr.Address
	Offset addr.SignedOffset
}

// Chain is one complete offset chain rooted at an entry point and ending at
// the searched-for target, read entry -> ... -> target.
type Chain struct {
	Target addr.Address
	Steps  []Step
}

// Map holds the pointer-map state from spec.md §3: forward edges, their
// inverse (target -> sources), and the sorted key list. Construct with New;
// the zero value is not usable.
type Map struct {
	forward *ordmap.Map[addr.Address, addr.Address]
	inverse ordmap.SliceMap[addr.Address, addr.Address]
	pointers []addr.Address

	cfg         config.PointerMapConfig
	progressBar bool
}

// New creates a Map using cfg's tunables.
func New(cfg config.PointerMapConfig, progressBar bool) *Map {
	return &Map{
		forward:     ordmap.New[addr.Address, addr.Address](),
		inverse:     ordmap.NewSlice[addr.Address, addr.Address](),
		cfg:         cfg,
		progressBar: progressBar,
	}
}

// Reset discards all state.
func (m *Map) Reset() {
	m.forward.Clear()
	m.inverse.Clear()
	m.pointers = nil
}

// ForwardMap returns the edge addr -> pointee.
func (m *Map) ForwardMap() *ordmap.Map[addr.Address, addr.Address] { return m.forward }

// InverseMap returns the edge pointee -> sources.
func (m *Map) InverseMap() ordmap.SliceMap[addr.Address, addr.Address] { return m.inverse }

// Pointers returns every address holding a pointer-shaped word, sorted.
func (m *Map) Pointers() []addr.Address { return m.pointers }

// CreateMap sweeps mem's full mapped address space, interpreting every
// addrSize-byte-aligned-or-not window as a little-endian candidate pointer
// and keeping it as an edge iff it lands inside some mapped range. addrSize
// must be 4 or 8.
func (m *Map) CreateMap(ctx context.Context, mem memaccess.Handle, addrSize int) error {
	if addrSize != 4 && addrSize != 8 {
		return scanerr.New(scanerr.InvalidArgument, "pointermap.CreateMap: addrSize must be 4 or 8")
	}
	m.Reset()

	memMap, err := mem.MappedMemRangeVec(ctx, m.cfg.CoalesceGapBytes, addr.Null, addr.Address(^uint64(0)))
	if err != nil {
		return scanerr.Wrap(scanerr.MemoryFatal, "pointermap.CreateMap: MappedMemRangeVec", err)
	}

	var total uint64
	for _, r := range memMap {
		total += r.Size
	}
	bar := pbar.New(total, true, m.progressBar)
	defer bar.Finish()

	logrus.WithField("ranges", len(memMap)).WithField("addr_size", addrSize).Info("pointermap: building map")

	stride := m.cfg.StrideBytes
	overlap := uint64(addrSize - 1)

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

	type edge struct {
		src, dst addr.Address
	}
	results := make([][]edge, len(jobs))
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
					return nil
				}
				return scanerr.Wrap(scanerr.MemoryFatal, "pointermap.CreateMap: ReadRawInto", err)
			}
			bar.Add(j.size)

			var found []edge
			for o := 0; o+addrSize <= len(buf); o++ {
				candidate := addr.FromLittleEndian(buf[o : o+addrSize])
				if rangeContains(memMap, candidate) {
					found = append(found, edge{src: j.base + addr.Address(o), dst: candidate})
				}
			}
			results[i] = found
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	var all []edge
	for _, r := range results {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].src < all[j].src })

	for _, e := range all {
		m.forward.Set(e.src, e.dst)
		m.inverse.Append(e.dst, e.src)
	}
	m.pointers = append(m.pointers, m.forward.Keys()...)

	return nil
}

// rangeContains reports whether a falls inside one of the sorted, disjoint
// ranges in memMap, via binary search.
func rangeContains(memMap []addr.MemoryRange, a addr.Address) bool {
	lo, hi := 0, len(memMap)
	for lo < hi {
		mid := (lo + hi) / 2
		if memMap[mid].End() <= a {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo < len(memMap) && memMap[lo].Contains(a)
}

// FindMatches finds offset chains from every known pointer to each address
// in searchFor. It is the specialisation of FindMatchesAddrs with
// entryPoints = m.Pointers().
func (m *Map) FindMatches(ctx context.Context, rng Range, maxDepth int, searchFor []addr.Address) []Chain {
	return m.FindMatchesAddrs(ctx, rng, maxDepth, searchFor, m.pointers)
}

// Range bounds how far apart (in bytes) two linked addresses may be: a
// candidate source address k qualifies for target addr iff
// addr-urange <= k <= addr+lrange.
type Range struct {
	LRange uint64
	URange uint64
}

// FindMatchesAddrs finds, for every target in searchFor, every offset chain
// (entry, (a1,o1), ..., (ak,ok), target) such that a1=entry,
// *(ai+oi)=a(i+1) for i<k, ak+ok=target, k<=maxDepth, and each oi lies in
// [-lrange, urange] (oi is addr-k for a k in [addr-urange, addr+lrange]).
// See spec.md §4.3 for the full
// constructive definition of walk_down_range, including the closest-
// neighbor entry-point tie-break this reproduces exactly.
func (m *Map) FindMatchesAddrs(ctx context.Context, rng Range, maxDepth int, searchFor []addr.Address, entryPoints []addr.Address) []Chain {
	sortedEntries := append([]addr.Address(nil), entryPoints...)
	sort.Slice(sortedEntries, func(i, j int) bool { return sortedEntries[i] < sortedEntries[j] })

	bar := pbar.New(100000, false, m.progressBar)
	defer bar.Finish()

	results := make([][]Chain, len(searchFor))
	g, _ := errgroup.WithContext(ctx)
	part := 1.0 / float64(len(searchFor))
	if len(searchFor) == 0 {
		part = 1.0
	}

	for i, target := range searchFor {
		i, target := i, target
		g.Go(func() error {
			w := &walker{m: m, rng: rng, maxDepth: maxDepth, entries: sortedEntries}
			var out []Chain
			w.walkDownRange(target, 1, target, nil, &out, bar, float32(part*float64(i)), float32(part*float64(i+1)))
			results[i] = out
			bar.Set(uint64(100000.0 * part * float64(i+1)))
			return nil
		})
	}
	_ = g.Wait()

	var all []Chain
	for _, r := range results {
		all = append(all, r...)
	}
	return all
}

type walker struct {
	m        *Map
	rng      Range
	maxDepth int
	entries  []addr.Address
}

// walkDownRange is the direct port of original_source/scanflow's
// walk_down_range: find the single closest entry point within range of
// addr, emit a completed chain if one exists, then (depth permitting)
// recurse through every inverse-map source in range, extending tmp with
// (k, signed_diff(addr,k)) and popping it back off before returning so
// sibling branches of the DFS do not see each other's stack frames.
func (w *walker) walkDownRange(
	current addr.Address,
	level int,
	target addr.Address,
	tmp []Step,
	out *[]Chain,
	bar *pbar.Bar,
	pbStart, pbEnd float32,
) {
	min := current.Add(-addr.SignedOffset(w.rng.URange))
	max := current.Add(addr.SignedOffset(w.rng.LRange))

	idx := sort.Search(len(w.entries), func(i int) bool { return w.entries[i] >= min })

	var best *addr.Address
	for i := idx; i < len(w.entries) && w.entries[i] <= max; i++ {
		e := w.entries[i]
		if best == nil {
			e := e
			best = &e
			continue
		}
		off := addr.SignedDiff(current, e).Abs()
		bestOff := addr.SignedDiff(current, *best).Abs()
		// Entries are visited in ascending order, so <= lets the later
		// (higher) of two equidistant candidates replace the earlier one:
		// ties go to the higher address, not to "lowest wins".
		if off <= bestOff {
			e := e
			best = &e
		}
	}

	if best != nil {
		off := addr.SignedDiff(current, *best)
		chain := append(append([]Step(nil), tmp...), Step{Addr: *best, Offset: off})
		reverseSteps(chain)
		*out = append(*out, Chain{Target: target, Steps: chain})
	}

	if level < w.maxDepth {
		last := min
		var keys []addr.Address
		w.m.inverse.Range(min, max, func(k addr.Address, _ []addr.Address) bool {
			keys = append(keys, k)
			return true
		})

		for _, k := range keys {
			sources, _ := w.m.inverse.Get(k)

			fracStart := safeFrac(last, min, max)
			newStart := pbStart + (pbEnd-pbStart)*fracStart
			fracEnd := safeFrac(k, min, max)
			newEnd := pbStart + (pbEnd-pbStart)*fracEnd
			last = k

			off := addr.SignedDiff(current, k)
			tmp = append(tmp, Step{Addr: k, Offset: off})

			part := (newEnd - newStart) / float32(len(sources))
			for i, v := range sources {
				w.walkDownRange(v, level+1, target, tmp, out, bar,
					newStart+part*float32(i), newStart+part*float32(i+1))
			}
			tmp = tmp[:len(tmp)-1]

			if newEnd-pbStart >= 0.00001 {
				bar.Set(uint64(float64(newEnd) * 100000.0))
			}
		}
	}
}

func safeFrac(k, min, max addr.Address) float32 {
	span := max - min
	if span == 0 {
		return 0
	}
	return float32(k-min) / float32(span)
}

func reverseSteps(s []Step) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
