// Package fake is an in-memory memaccess.Handle used by every core
// package's tests. It lets tests fabricate a target's address space (spec
// §8's S1-S6 scenarios) without a live process, the same role
// original_source's own unit tests filled with an in-process memflow
// "DummyOs" connector.
package fake

import (
	"context"
	"sort"
	"sync"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/scanerr"
	"github.com/Urethramancer/scanflow/memaccess"
)

// region is one fabricated mapped range of bytes.
type region struct {
	base addr.Address
	data []byte
}

func (r region) size() uint64 { return uint64(len(r.data)) }
func (r region) end() addr.Address {
	return r.base + addr.Address(len(r.data))
}

// Handle is a byte-slice-backed memaccess.Handle. Construct one with New;
// the zero value is not usable.
type Handle struct {
	mu       *sync.RWMutex
	regions  *[]region
	modules  *[]memaccess.Module
	sections *map[string][]memaccess.Section
	arch     memaccess.Arch
	unmapped map[addr.Address]bool // addresses that must read as MemoryData
}

// New creates an empty fake handle for the given architecture.
func New(arch memaccess.Arch) *Handle {
	regions := []region{}
	modules := []memaccess.Module{}
	sections := map[string][]memaccess.Section{}
	return &Handle{
		mu:       &sync.RWMutex{},
		regions:  &regions,
		modules:  &modules,
		sections: &sections,
		arch:     arch,
		unmapped: map[addr.Address]bool{},
	}
}

// AddRegion fabricates a mapped range of size bytes starting at base, all
// initially zero. Fill it with WriteBytes.
func (h *Handle) AddRegion(base addr.Address, size uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.regions = append(*h.regions, region{base: base, data: make([]byte, size)})
	sort.Slice(*h.regions, func(i, j int) bool { return (*h.regions)[i].base < (*h.regions)[j].base })
}

// WriteBytes writes b into the fabricated address space at a, panicking if
// a..a+len(b) is not fully covered by a single region added via AddRegion.
// This is test setup, not the Handle.WriteRaw path (which returns errors
// instead of panicking).
func (h *Handle) WriteBytes(a addr.Address, b []byte) {
	if err := h.WriteRaw(context.Background(), a, b); err != nil {
		panic(err)
	}
}

// AddModule registers a module with the given sections, whose Base fields
// are absolute addresses. The module's backing bytes are whatever the regions
// already contain at that address (call AddRegion/WriteBytes first).
func (h *Handle) AddModule(m memaccess.Module, sections []memaccess.Section) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.modules = append(*h.modules, m)
	(*h.sections)[m.Name] = sections
}

// findRegion returns the region a falls inside of, regardless of whether a
// read starting at a fits within it: callers asking for an overlap window that
// runs a little past a region's end are a normal part of spec.md §4.2's
// fixed-size stride reads and get whatever bytes are actually present,
// zero-padded.
func (h *Handle) findRegion(a addr.Address) (*region, int) {
	for i := range *h.regions {
		r := &(*h.regions)[i]
		if a >= r.base && a < r.end() {
			return r, i
		}
	}
	return nil, -1
}

func (h *Handle) ReadRawInto(_ context.Context, a addr.Address, buf []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.unmapped[a] {
		return scanerr.New(scanerr.MemoryData, "fake.ReadRawInto")
	}
	r, _ := h.findRegion(a)
	if r == nil {
		return scanerr.New(scanerr.MemoryData, "fake.ReadRawInto: unmapped")
	}
	for i := range buf {
		buf[i] = 0
	}
	avail := r.data[a-r.base:]
	n := len(buf)
	if len(avail) < n {
		n = len(avail)
	}
	copy(buf[:n], avail)
	return nil
}

func (h *Handle) WriteRaw(_ context.Context, a addr.Address, buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, _ := h.findRegion(a)
	if r == nil || uint64(a-r.base)+uint64(len(buf)) > r.size() {
		return scanerr.New(scanerr.MemoryData, "fake.WriteRaw: out of range")
	}
	copy(r.data[a-r.base:], buf)
	return nil
}

func (h *Handle) ReadRawList(ctx context.Context, reqs []memaccess.ReadRequest) error {
	for _, req := range reqs {
		if err := h.ReadRawInto(ctx, req.Addr, req.Buf); err != nil {
			if !scanerr.IsData(err) {
				return err
			}
		}
	}
	return nil
}

type fakeBatcher struct {
	h    *Handle
	reqs []memaccess.ReadRequest
}

func (b *fakeBatcher) ReadRawInto(a addr.Address, buf []byte) {
	b.reqs = append(b.reqs, memaccess.ReadRequest{Addr: a, Buf: buf})
}

func (b *fakeBatcher) Flush(ctx context.Context) error {
	return b.h.ReadRawList(ctx, b.reqs)
}

func (h *Handle) Batcher() memaccess.Batcher {
	return &fakeBatcher{h: h}
}

func (h *Handle) MappedMemRangeVec(_ context.Context, gap uint64, from, to addr.Address) ([]addr.MemoryRange, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []addr.MemoryRange
	for _, r := range *h.regions {
		if r.end() <= from || r.base >= to {
			continue
		}
		base := r.base
		size := r.size()
		if len(out) > 0 {
			last := &out[len(out)-1]
			lastEnd := last.End()
			if base >= lastEnd && uint64(base-lastEnd) <= gap {
				newEnd := r.base + addr.Address(size)
				last.Size = uint64(newEnd - last.Base)
				continue
			}
		}
		out = append(out, addr.MemoryRange{Base: base, Size: size})
	}
	return out, nil
}

func (h *Handle) ModuleList(_ context.Context) ([]memaccess.Module, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]memaccess.Module, len(*h.modules))
	copy(out, *h.modules)
	return out, nil
}

func (h *Handle) ModuleSectionList(_ context.Context, m memaccess.Module, cb func(memaccess.Section) error) error {
	h.mu.RLock()
	secs := (*h.sections)[m.Name]
	h.mu.RUnlock()
	for _, s := range secs {
		if err := cb(s); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) Info(_ context.Context) (memaccess.Info, error) {
	return memaccess.Info{ProcArch: h.arch}, nil
}

// Clone returns h itself: the fake backend's regions are guarded by a
// shared mutex, so sharing the same *Handle across goroutines is safe and
// cheap. Unlike the independent handle memaccess.Handle.Clone describes,
// every clone shares h's state and its lock.
func (h *Handle) Clone() memaccess.Handle {
	return h
}

// MarkUnmapped makes every future read at exactly a fail with MemoryData,
// used to exercise the "region unreadable, skip" path.
func (h *Handle) MarkUnmapped(a addr.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unmapped[a] = true
}
