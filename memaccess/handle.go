// Package memaccess defines the abstract memory-access layer the four
// scanning engines consume (spec.md §6). It places no constraint on how a
// concrete Handle reaches the target process — over ptrace, a driver, a
// debug API, or (memaccess/fake) a plain byte slice for tests. The core
// algorithms in internal/valuescan, internal/pointermap, internal/disasm
// and internal/sigmaker only ever see this interface.
package memaccess

import (
	"context"

	"github.com/Urethramancer/scanflow/addr"
)

// ReadRequest is one element of a scatter read issued through ReadRawList:
// fill Buf starting at Addr.
type ReadRequest struct {
	Addr addr.Address
	Buf  []byte
}

// Module describes one loaded module (executable or shared library).
type Module struct {
	Base addr.Address
	Size uint64
	Name string
}

// Section describes one section of a module's image.
type Section struct {
	Base addr.Address
	Size uint64
	// IsText reports whether this section holds executable code (either
	// named ".text" or carrying the code characteristic/flag bit for the
	// image format in question).
	IsText bool
}

// Arch describes the target's instruction-set architecture, from which
// pointer size and decoder bitness derive.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchX86_64
)

// PointerSize returns 4 for ArchX86, 8 for ArchX86_64, 0 otherwise.
func (a Arch) PointerSize() int {
	switch a {
	case ArchX86:
		return 4
	case ArchX86_64:
		return 8
	default:
		return 0
	}
}

// Bits returns the decoder bitness x86asm expects: 32 or 64.
func (a Arch) Bits() int {
	switch a {
	case ArchX86:
		return 32
	case ArchX86_64:
		return 64
	default:
		return 0
	}
}

// Info describes static facts about the target process.
type Info struct {
	ProcArch Arch
}

// Batcher accumulates reads issued one at a time and executes them together
// when Flush is called, the batching primitive spec.md §4.2's refinement
// algorithm relies on.
type Batcher interface {
	// ReadRawInto schedules a read into buf at addr; the read is not
	// guaranteed to have happened until Flush returns.
	ReadRawInto(addr addr.Address, buf []byte)
	// Flush executes every scheduled read and returns the first fatal
	// error encountered, if any. Per-request failures that are data-only
	// leave the corresponding buffer untouched; callers detect a skipped
	// request by content, same as the rest of this package's batched
	// reads.
	Flush(ctx context.Context) error
}

// Handle is the abstract memory-access capability consumed by every
// scanning engine (spec.md §6). A Handle is not assumed to be safe for
// concurrent use by multiple goroutines directly — each worker must first
// obtain an independent Clone.
type Handle interface {
	// ReadRawInto fills buf with len(buf) bytes read from addr. Errors are
	// scanerr-tagged: MemoryData for a locally recoverable failure (the
	// region is unmapped or permission-denied), MemoryFatal for anything
	// that should abort the surrounding sweep.
	ReadRawInto(ctx context.Context, addr addr.Address, buf []byte) error
	// WriteRaw writes buf to addr, with the same error-kind split as
	// ReadRawInto.
	WriteRaw(ctx context.Context, addr addr.Address, buf []byte) error
	// ReadRawList performs a scatter read in one round-trip where the
	// backend supports it (a single syscall/batched RPC); a backend that
	// cannot batch natively may simply loop over ReadRawInto.
	ReadRawList(ctx context.Context, reqs []ReadRequest) error
	// Batcher returns a fresh accumulator for deferred, batched reads.
	Batcher() Batcher
	// MappedMemRangeVec returns the MemoryRanges mapped in [from, to),
	// with adjacent ranges separated by a gap <= gap coalesced into one.
	MappedMemRangeVec(ctx context.Context, gap uint64, from, to addr.Address) ([]addr.MemoryRange, error)
	// ModuleList returns every loaded module. In the "view" variant
	// (spec.md §6) where only raw memory is available, this returns
	// ErrModulesUnavailable.
	ModuleList(ctx context.Context) ([]Module, error)
	// ModuleSectionList streams m's sections to cb. Iteration stops at the
	// first error cb returns.
	ModuleSectionList(ctx context.Context, m Module, cb func(Section) error) error
	// Info returns static target-process facts.
	Info(ctx context.Context) (Info, error)
	// Clone produces an independent handle safe to hand to another
	// goroutine. Implementations are expected to make this cheap (e.g.
	// reopen a file descriptor or copy a small struct), never to hold a
	// shared mutable lock across clones.
	Clone() Handle
}
