// Package disasm implements the Disassembler Index (spec.md §4.4, C4):
// parallel linear-sweep disassembly of every module's code sections,
// extracting instruction-pointer-relative memory references into a
// bidirectional map shaped exactly like internal/pointermap's.
package disasm

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/config"
	"github.com/Urethramancer/scanflow/internal/ordmap"
	"github.com/Urethramancer/scanflow/internal/pbar"
	"github.com/Urethramancer/scanflow/internal/scanerr"
	"github.com/Urethramancer/scanflow/internal/workerpool"
	"github.com/Urethramancer/scanflow/memaccess"
)

// CodeRange is one executable section's absolute address range within a
// module's mapped image.
type CodeRange struct {
	Base addr.Address
	Size uint64
}

// CodeSection is one module's executable range, tagged with the module it
// belongs to so Index can answer sigmaker's "find the module containing
// this global" query.
type CodeSection struct {
	Module memaccess.Module
	CodeRange
}

// Index holds the disassembler-index state from spec.md §3: the IP ->
// IP-relative-target edges, their inverse, and every code section scanned
// to produce them. Construct with New; the zero value is not usable.
type Index struct {
	forward  *ordmap.Map[addr.Address, addr.Address]
	inverse  ordmap.SliceMap[addr.Address, addr.Address]
	globals  []addr.Address
	sections []CodeSection

	cfg         config.DisasmConfig
	progressBar bool
}

// New creates an Index using cfg's tunables.
func New(cfg config.DisasmConfig, progressBar bool) *Index {
	return &Index{
		forward:     ordmap.New[addr.Address, addr.Address](),
		inverse:     ordmap.NewSlice[addr.Address, addr.Address](),
		cfg:         cfg,
		progressBar: progressBar,
	}
}

// Reset discards all collected state.
func (idx *Index) Reset() {
	idx.forward.Clear()
	idx.inverse.Clear()
	idx.globals = nil
	idx.sections = nil
}

// ForwardMap returns the edge ip -> ip_rel_target.
func (idx *Index) ForwardMap() *ordmap.Map[addr.Address, addr.Address] { return idx.forward }

// InverseMap returns the edge target -> referencing instruction addresses.
func (idx *Index) InverseMap() ordmap.SliceMap[addr.Address, addr.Address] { return idx.inverse }

// Globals returns every distinct referenced target, sorted ascending.
func (idx *Index) Globals() []addr.Address { return idx.globals }

// CodeSections returns every module code section the last CollectGlobals
// scanned, used by sigmaker to locate the module containing a global.
func (idx *Index) CodeSections() []CodeSection { return idx.sections }

// CollectGlobals enumerates proc's modules, disassembles each code section
// in 2 MiB strides, and retains every (ip, ip_rel_target) edge meeting the
// three conditions in spec.md §4.4: the instruction ends before the
// section's end, it uses an IP-relative memory operand, and it is not a
// near branch.
func (idx *Index) CollectGlobals(ctx context.Context, proc memaccess.Handle) error {
	idx.Reset()

	info, err := proc.Info(ctx)
	if err != nil {
		return scanerr.Wrap(scanerr.MemoryFatal, "disasm.CollectGlobals: Info", err)
	}
	mode := info.ProcArch.Bits()
	if mode == 0 {
		return scanerr.New(scanerr.InvalidArgument, "disasm.CollectGlobals: unknown architecture")
	}

	modules, err := proc.ModuleList(ctx)
	if err != nil {
		return scanerr.Wrap(scanerr.MemoryFatal, "disasm.CollectGlobals: ModuleList", err)
	}

	handles := workerpool.NewHandlePool(proc)
	perModule := make([][]CodeSection, len(modules))
	mg, mgctx := errgroup.WithContext(ctx)

	for i, m := range modules {
		i, m := i, m
		mg.Go(func() error {
			worker := handles.Get()
			defer handles.Put(worker)

			var found []CodeSection
			err := worker.ModuleSectionList(mgctx, m, func(s memaccess.Section) error {
				if s.IsText {
					found = append(found, CodeSection{Module: m, CodeRange: CodeRange{Base: s.Base, Size: s.Size}})
				}
				return nil
			})
			if err != nil {
				if scanerr.IsData(err) {
					logrus.WithField("module", m.Name).WithError(err).Debug("disasm: module sections unavailable, skipping")
					return nil
				}
				return scanerr.Wrap(scanerr.MemoryFatal, "disasm.CollectGlobals: ModuleSectionList", err)
			}
			perModule[i] = found
			return nil
		})
	}

	if err := mg.Wait(); err != nil {
		return err
	}

	var allSections []CodeSection
	for _, found := range perModule {
		allSections = append(allSections, found...)
	}
	idx.sections = allSections

	var total uint64
	for _, s := range allSections {
		total += s.Size
	}
	bar := pbar.New(total, true, idx.progressBar)
	defer bar.Finish()

	logrus.WithField("sections", len(allSections)).Info("disasm: collecting globals")

	results := make([][]edge, len(allSections))
	g, gctx := errgroup.WithContext(ctx)

	for i, sec := range allSections {
		i, sec := i, sec
		g.Go(func() error {
			worker := handles.Get()
			defer handles.Put(worker)
			found, err := sweepSection(gctx, worker, sec, idx.cfg.StrideBytes, idx.cfg.OverlapBytes, mode, bar)
			if err != nil {
				return err
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
	sort.Slice(all, func(i, j int) bool { return all[i].ip < all[j].ip })

	for _, e := range all {
		idx.forward.Set(e.ip, e.target)
		idx.inverse.Append(e.target, e.ip)
	}
	idx.globals = append(idx.globals, idx.inverse.Keys()...)

	return nil
}

type edge struct {
	ip, target addr.Address
}

// sweepSection linear-sweeps one code section in stride-sized chunks, each
// with a trailing overlap so instructions straddling a stride boundary
// remain decodable. After each stride, the next one resumes at the last
// successfully decoded instruction's end rather than start+stride, so a
// truncated instruction at the boundary is re-decoded whole.
func sweepSection(ctx context.Context, worker memaccess.Handle, sec CodeSection, stride, overlap uint64, mode int, bar *pbar.Bar) ([]edge, error) {
	var out []edge
	sectionEnd := sec.Base.Add(addr.SignedOffset(sec.Size))

	cursor := sec.Base
	for cursor < sectionEnd {
		chunkSize := stride
		if remaining := uint64(sectionEnd - cursor); chunkSize > remaining {
			chunkSize = remaining
		}
		readLen := chunkSize + overlap
		buf := make([]byte, readLen)
		if err := worker.ReadRawInto(ctx, cursor, buf); err != nil {
			if scanerr.IsData(err) {
				logrus.WithField("base", cursor).Debug("disasm: section unreadable, skipping")
				break
			}
			return nil, scanerr.Wrap(scanerr.MemoryFatal, "disasm.sweepSection: ReadRawInto", err)
		}

		lastDecodedEnd := cursor
		off := 0
		for off < len(buf) {
			ip := cursor + addr.Address(off)
			if ip >= sectionEnd {
				break
			}
			inst, err := x86asm.Decode(buf[off:], mode)
			if err != nil || inst.Len == 0 {
				off++
				continue
			}
			instEnd := ip.Add(addr.SignedOffset(inst.Len))
			if instEnd <= sectionEnd {
				lastDecodedEnd = instEnd
				if target, ok := ipRelativeTarget(inst, ip); ok {
					out = append(out, edge{ip: ip, target: target})
				}
			}
			off += inst.Len
		}

		bar.Add(chunkSize)
		if lastDecodedEnd <= cursor {
			cursor = cursor.Add(addr.SignedOffset(chunkSize))
		} else {
			cursor = lastDecodedEnd
		}
	}

	return out, nil
}

// branchOps are the x86 mnemonics whose PC-relative operand is a branch
// target rather than a memory reference: spec.md §4.4's condition 3 keeps
// only non-branch IP-relative references.
var branchOps = map[x86asm.Op]bool{
	x86asm.JMP: true, x86asm.JMPF: true, x86asm.CALL: true, x86asm.CALLF: true,
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.JE: true, x86asm.JG: true, x86asm.JGE: true, x86asm.JL: true,
	x86asm.JLE: true, x86asm.JNE: true, x86asm.JNO: true, x86asm.JNP: true,
	x86asm.JNS: true, x86asm.JO: true, x86asm.JP: true, x86asm.JS: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

// ipRelativeTarget reports the absolute address a decoded instruction
// references through IP-relative addressing, and whether that reference is
// a non-branch memory operand (conditions 2 and 3 of spec.md §4.4). Branch
// instructions (condition 3) are excluded by opcode; among the rest, only a
// Mem operand with an EIP/RIP base is IP-relative, and its displacement is
// relative to the address right after the instruction.
func ipRelativeTarget(inst x86asm.Inst, ip addr.Address) (addr.Address, bool) {
	if branchOps[inst.Op] {
		return addr.Null, false
	}
	for _, a := range inst.Args {
		mem, ok := a.(x86asm.Mem)
		if !ok || !isRIPRelative(mem) {
			continue
		}
		target := ip.Add(addr.SignedOffset(inst.Len)).Add(addr.SignedOffset(mem.Disp))
		return target, true
	}
	return addr.Null, false
}

// isRIPRelative reports whether mem is addressed relative to the
// instruction pointer, the only base-register forms x86asm uses for
// EIP/RIP-relative operands.
func isRIPRelative(mem x86asm.Mem) bool {
	return mem.Base == x86asm.EIP || mem.Base == x86asm.RIP
}
