package disasm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/config"
	"github.com/Urethramancer/scanflow/internal/pbar"
	"github.com/Urethramancer/scanflow/memaccess"
	"github.com/Urethramancer/scanflow/memaccess/fake"
)

// TestIPRelativeTargetMov is scenario S5 from spec.md §8: a 64-bit
// `mov rax, [rip+0x44332211]` at IP 0x400000 produces the edge
// 0x400000 -> 0x400000 + 7 + 0x44332211.
func TestIPRelativeTargetMov(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x400000, 0x1000)
	h.WriteBytes(0x400000, []byte{0x48, 0x8B, 0x05, 0x11, 0x22, 0x33, 0x44})

	sec := CodeSection{
		Module:    memaccess.Module{Base: 0x400000, Size: 0x1000, Name: "m"},
		CodeRange: codeRange(0x400000, 0x1000),
	}
	bar := pbar.New(0x1000, false, false)
	defer bar.Finish()

	edges, err := sweepSection(context.Background(), h, sec, 2<<20, 32, 64, bar)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, addr.Address(0x400000), edges[0].ip)
	assert.Equal(t, addr.Address(0x400000+7+0x44332211), edges[0].target)
}

// TestIPRelativeTargetExcludesNearBranch is C4's invariant (spec.md §8
// property 7): a near branch's IP-relative target is never retained as an
// edge, even though it decodes with the same PCRel machinery.
func TestIPRelativeTargetExcludesNearBranch(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x400000, 0x1000)
	// jmp rel32: e9 <disp32>
	h.WriteBytes(0x400000, []byte{0xE9, 0x00, 0x00, 0x00, 0x00})

	sec := CodeSection{
		Module:    memaccess.Module{Base: 0x400000, Size: 0x1000, Name: "m"},
		CodeRange: codeRange(0x400000, 0x1000),
	}
	bar := pbar.New(0x1000, false, false)
	defer bar.Finish()

	edges, err := sweepSection(context.Background(), h, sec, 2<<20, 32, 64, bar)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

// TestSweepSectionStopsAtSectionEnd is condition 1 of spec.md §4.4: an
// instruction that would end beyond the section boundary does not
// contribute an edge even if it decodes cleanly from the overlap bytes.
func TestSweepSectionStopsAtSectionEnd(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x400000, 0x1000)
	// Five one-byte NOPs keep the sweep aligned so the mov decodes at 0x400005.
	h.WriteBytes(0x400000, []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x48, 0x8B, 0x05, 0x11, 0x22, 0x33, 0x44})

	sec := CodeSection{
		Module:    memaccess.Module{Base: 0x400000, Size: 0x1000, Name: "m"},
		CodeRange: codeRange(0x400000, 7), // section ends at 0x400007, mid-instruction at 0x400005
	}
	bar := pbar.New(0x1000, false, false)
	defer bar.Finish()

	edges, err := sweepSection(context.Background(), h, sec, 2<<20, 32, 64, bar)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func codeRange(base addr.Address, size uint64) CodeRange {
	return CodeRange{Base: base, Size: size}
}

// TestCollectGlobalsUsesModuleSectionListForTextSections confirms
// CollectGlobals discovers code sections through memaccess.Handle's
// ModuleSectionList (spec.md §6), not by re-reading and re-parsing a
// module's raw header bytes: a registered data section is excluded from
// the swept ranges even though it sits inside the same module.
func TestCollectGlobalsUsesModuleSectionListForTextSections(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x400000, 0x2000)
	h.WriteBytes(0x400000, []byte{0x48, 0x8B, 0x05, 0x11, 0x22, 0x33, 0x44})

	mod := memaccess.Module{Base: 0x400000, Size: 0x2000, Name: "m"}
	h.AddModule(mod, []memaccess.Section{
		{Base: 0x400000, Size: 0x1000, IsText: true},
		{Base: 0x401000, Size: 0x1000, IsText: false},
	})

	idx := New(config.Default().Disasm, false)
	require.NoError(t, idx.CollectGlobals(context.Background(), h))

	require.Len(t, idx.CodeSections(), 1)
	assert.Equal(t, addr.Address(0x400000), idx.CodeSections()[0].Base)
	assert.Equal(t, uint64(0x1000), idx.CodeSections()[0].Size)

	target, ok := idx.ForwardMap().Get(0x400000)
	require.True(t, ok)
	assert.Equal(t, addr.Address(0x400000+7+0x44332211), target)
}

// TestCollectGlobalsFansOutAcrossModules exercises the module-discovery
// fan-out with more than one module, confirming every module's sections
// still get collected when probed concurrently.
func TestCollectGlobalsFansOutAcrossModules(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x400000, 0x1000)
	h.AddRegion(0x500000, 0x1000)
	h.WriteBytes(0x400000, []byte{0x48, 0x8B, 0x05, 0x11, 0x22, 0x33, 0x44})
	h.WriteBytes(0x500000, []byte{0x48, 0x8B, 0x05, 0xAA, 0xBB, 0xCC, 0xDD})

	h.AddModule(memaccess.Module{Base: 0x400000, Size: 0x1000, Name: "a"},
		[]memaccess.Section{{Base: 0x400000, Size: 0x1000, IsText: true}})
	h.AddModule(memaccess.Module{Base: 0x500000, Size: 0x1000, Name: "b"},
		[]memaccess.Section{{Base: 0x500000, Size: 0x1000, IsText: true}})

	idx := New(config.Default().Disasm, false)
	require.NoError(t, idx.CollectGlobals(context.Background(), h))

	assert.Len(t, idx.CodeSections(), 2)
	assert.Len(t, idx.Globals(), 2)
}
