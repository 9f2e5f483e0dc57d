package valuescan_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/config"
	"github.com/Urethramancer/scanflow/internal/valuescan"
	"github.com/Urethramancer/scanflow/memaccess"
	"github.com/Urethramancer/scanflow/memaccess/fake"
)

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// TestValueScanExactThenRefine is scenario S1 from spec.md §8: an exact
// initial sweep followed by a refinement that narrows the match set. The
// empty-pattern refinement is covered by
// TestValueScanEmptyPatternRefinementIsNoOp below.
func TestValueScanExactThenRefine(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x1000, 0x1000)
	h.WriteBytes(0x1234, u32le(0xDEADBEEF))
	h.WriteBytes(0x1F00, u32le(0xDEADBEEF))

	s := valuescan.New(config.Default().ValueScan, false)
	ctx := context.Background()

	require.NoError(t, s.ScanFor(ctx, h, u32le(0xDEADBEEF)))
	assert.Equal(t, []addr.Address{0x1234, 0x1F00}, s.Matches())

	h.WriteBytes(0x1F00, u32le(0xCAFEBABE))
	require.NoError(t, s.ScanFor(ctx, h, u32le(0xCAFEBABE)))
	assert.Equal(t, []addr.Address{0x1F00}, s.Matches())
}

func TestValueScanEmptyPatternForbiddenOnInitialSweep(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x1000, 0x100)

	s := valuescan.New(config.Default().ValueScan, false)
	err := s.ScanFor(context.Background(), h, nil)
	assert.Error(t, err)
}

// TestValueScanEmptyPatternRefinementIsNoOp is scenario S2: once a scan has
// happened, refining with an empty pattern clears matches instead of
// erroring.
func TestValueScanEmptyPatternRefinementIsNoOp(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x1000, 0x1000)
	h.WriteBytes(0x1234, u32le(0xDEADBEEF))

	s := valuescan.New(config.Default().ValueScan, false)
	ctx := context.Background()
	require.NoError(t, s.ScanFor(ctx, h, u32le(0xDEADBEEF)))
	require.NotEmpty(t, s.Matches())

	require.NoError(t, s.ScanFor(ctx, h, nil))
	assert.Empty(t, s.Matches())
}

func TestValueScanSkipsUnmappedRegions(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x1000, 0x100)
	h.AddRegion(0x2000, 0x100)
	h.WriteBytes(0x2010, u32le(0x11223344))
	h.MarkUnmapped(0x1000)

	s := valuescan.New(config.Default().ValueScan, false)
	require.NoError(t, s.ScanFor(context.Background(), h, u32le(0x11223344)))
	assert.Equal(t, []addr.Address{0x2010}, s.Matches())
}

func TestValueScanResetClearsState(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x1000, 0x100)
	h.WriteBytes(0x1000, u32le(1))

	s := valuescan.New(config.Default().ValueScan, false)
	require.NoError(t, s.ScanFor(context.Background(), h, u32le(1)))
	require.NotEmpty(t, s.Matches())

	s.Reset()
	assert.Empty(t, s.Matches())
	// A reset scanner is back to requiring a non-empty initial pattern.
	assert.Error(t, s.ScanFor(context.Background(), h, nil))
}
