//go:build linux

// Package procfs is the Linux reference memaccess.Handle: reads and writes
// go through /proc/[pid]/mem via pread/pwrite, and the mapped-range/module
// queries are derived by parsing /proc/[pid]/maps, the same source
// iceisfun/gomem's GetMemoryMap and tsaarni/smaps-container-exporter's
// scanner both parse.
package procfs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/scanerr"
	"github.com/Urethramancer/scanflow/memaccess"
)

// mapping is one parsed /proc/[pid]/maps line.
type mapping struct {
	base, end addr.Address
	perms     string
	path      string
}

func (m mapping) readable() bool { return len(m.perms) > 0 && m.perms[0] == 'r' }

// Handle is a /proc/[pid]/mem-backed memaccess.Handle. The zero value is
// not usable; build one with Open or OpenView.
type Handle struct {
	pid      int
	mu       *sync.Mutex
	mem      *os.File
	viewOnly bool
	arch     memaccess.Arch
}

// Open attaches to pid's full address space: module/section queries work,
// derived from grouping /proc/[pid]/maps entries by backing file.
func Open(pid int, arch memaccess.Arch) (*Handle, error) {
	return open(pid, arch, false)
}

// OpenView attaches to pid in the "view" variant from spec.md §6: reads
// and writes work, but ModuleList/ModuleSectionList return
// memaccess.ErrModulesUnavailable and MappedMemRangeVec reports a single
// range spanning everything mapped.
func OpenView(pid int, arch memaccess.Arch) (*Handle, error) {
	return open(pid, arch, true)
}

func open(pid int, arch memaccess.Arch, viewOnly bool) (*Handle, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		f, err = os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	}
	if err != nil {
		return nil, scanerr.Wrap(scanerr.MemoryFatal, "procfs.Open", err)
	}
	return &Handle{pid: pid, mu: &sync.Mutex{}, mem: f, viewOnly: viewOnly, arch: arch}, nil
}

func (h *Handle) readMaps() ([]mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", h.pid))
	if err != nil {
		return nil, scanerr.Wrap(scanerr.MemoryFatal, "procfs.readMaps", err)
	}
	defer f.Close()

	var out []mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		rangeParts := strings.SplitN(fields[0], "-", 2)
		if len(rangeParts) != 2 {
			continue
		}
		base, err1 := strconv.ParseUint(rangeParts[0], 16, 64)
		end, err2 := strconv.ParseUint(rangeParts[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		path := ""
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
		}
		out = append(out, mapping{
			base:  addr.Address(base),
			end:   addr.Address(end),
			perms: fields[1],
			path:  path,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, scanerr.Wrap(scanerr.MemoryFatal, "procfs.readMaps: scan", err)
	}
	return out, nil
}

func (h *Handle) ReadRawInto(_ context.Context, a addr.Address, buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := unix.Pread(int(h.mem.Fd()), buf, int64(a))
	if err != nil && n <= 0 {
		return scanerr.Wrap(scanerr.MemoryData, "procfs.ReadRawInto", err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func (h *Handle) WriteRaw(_ context.Context, a addr.Address, buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := unix.Pwrite(int(h.mem.Fd()), buf, int64(a))
	if err != nil || n != len(buf) {
		return scanerr.Wrap(scanerr.MemoryData, "procfs.WriteRaw", err)
	}
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

type procfsBatcher struct {
	h    *Handle
	reqs []memaccess.ReadRequest
}

func (b *procfsBatcher) ReadRawInto(a addr.Address, buf []byte) {
	b.reqs = append(b.reqs, memaccess.ReadRequest{Addr: a, Buf: buf})
}

func (b *procfsBatcher) Flush(ctx context.Context) error {
	return b.h.ReadRawList(ctx, b.reqs)
}

func (h *Handle) Batcher() memaccess.Batcher {
	return &procfsBatcher{h: h}
}

func (h *Handle) MappedMemRangeVec(_ context.Context, gap uint64, from, to addr.Address) ([]addr.MemoryRange, error) {
	maps, err := h.readMaps()
	if err != nil {
		return nil, err
	}

	var out []addr.MemoryRange
	for _, m := range maps {
		if !m.readable() || m.end <= from || m.base >= to {
			continue
		}
		base, end := m.base, m.end
		if base < from {
			base = from
		}
		if end > to {
			end = to
		}
		size := uint64(end - base)
		if len(out) > 0 {
			last := &out[len(out)-1]
			lastEnd := last.End()
			if base >= lastEnd && uint64(base-lastEnd) <= gap {
				newEnd := base + addr.Address(size)
				last.Size = uint64(newEnd - last.Base)
				continue
			}
		}
		out = append(out, addr.MemoryRange{Base: base, Size: size})
	}
	if h.viewOnly && len(out) > 1 {
		first, last := out[0], out[len(out)-1]
		out = []addr.MemoryRange{{Base: first.Base, Size: uint64(last.End() - first.Base)}}
	}
	return out, nil
}

func (h *Handle) ModuleList(_ context.Context) ([]memaccess.Module, error) {
	if h.viewOnly {
		return nil, memaccess.ErrModulesUnavailable
	}
	maps, err := h.readMaps()
	if err != nil {
		return nil, err
	}

	type acc struct {
		base, end addr.Address
		name      string
	}
	byPath := map[string]*acc{}
	var order []string
	for _, m := range maps {
		if m.path == "" || strings.HasPrefix(m.path, "[") {
			continue
		}
		a, ok := byPath[m.path]
		if !ok {
			a = &acc{base: m.base, end: m.end, name: m.path}
			byPath[m.path] = a
			order = append(order, m.path)
			continue
		}
		if m.base < a.base {
			a.base = m.base
		}
		if m.end > a.end {
			a.end = m.end
		}
	}

	out := make([]memaccess.Module, 0, len(order))
	for _, path := range order {
		a := byPath[path]
		out = append(out, memaccess.Module{Base: a.base, Size: uint64(a.end - a.base), Name: a.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })
	return out, nil
}

func (h *Handle) ModuleSectionList(_ context.Context, m memaccess.Module, cb func(memaccess.Section) error) error {
	if h.viewOnly {
		return memaccess.ErrModulesUnavailable
	}
	maps, err := h.readMaps()
	if err != nil {
		return err
	}
	for _, mp := range maps {
		if mp.path != m.Name || mp.base < m.Base || mp.end > m.Base.Add(addr.SignedOffset(m.Size)) {
			continue
		}
		isText := strings.Contains(mp.perms, "x")
		if err := cb(memaccess.Section{Base: mp.base, Size: uint64(mp.end - mp.base), IsText: isText}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) Info(_ context.Context) (memaccess.Info, error) {
	return memaccess.Info{ProcArch: h.arch}, nil
}

// Clone reopens /proc/[pid]/mem independently so the returned handle can
// be used from another goroutine without contending on h's file position.
func (h *Handle) Clone() memaccess.Handle {
	clone, err := open(h.pid, h.arch, h.viewOnly)
	if err != nil {
		// /proc/[pid]/mem is expected to stay openable for the process
		// lifetime once the first Open succeeded; a failure here means the
		// target has already gone away. Fall back to sharing this handle
		// under its own mutex rather than losing the worker entirely.
		return h
	}
	return clone
}
