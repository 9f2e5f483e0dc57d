package pointermap_test

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Urethramancer/scanflow/addr"
	"github.com/Urethramancer/scanflow/internal/config"
	"github.com/Urethramancer/scanflow/internal/pointermap"
	"github.com/Urethramancer/scanflow/memaccess"
	"github.com/Urethramancer/scanflow/memaccess/fake"
)

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// TestCreateMapBuildsForwardAndInverse is scenario S3 from spec.md §8.
func TestCreateMapBuildsForwardAndInverse(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x10000, 0x1000)
	h.AddRegion(0x20000, 0x1000)
	h.WriteBytes(0x10100, u64le(0x20008))
	h.WriteBytes(0x20800, u64le(0x10100))

	m := pointermap.New(config.Default().PointerMap, false)
	require.NoError(t, m.CreateMap(context.Background(), h, 8))

	fwd, ok := m.ForwardMap().Get(0x10100)
	require.True(t, ok)
	assert.Equal(t, addr.Address(0x20008), fwd)

	fwd, ok = m.ForwardMap().Get(0x20800)
	require.True(t, ok)
	assert.Equal(t, addr.Address(0x10100), fwd)

	sources, ok := m.InverseMap().Get(0x20008)
	require.True(t, ok)
	assert.Equal(t, []addr.Address{0x10100}, sources)

	sources, ok = m.InverseMap().Get(0x10100)
	require.True(t, ok)
	assert.Equal(t, []addr.Address{0x20800}, sources)

	assert.ElementsMatch(t, []addr.Address{0x10100, 0x20800}, m.Pointers())
}

func TestCreateMapRejectsBadAddrSize(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x1000, 0x100)

	m := pointermap.New(config.Default().PointerMap, false)
	err := m.CreateMap(context.Background(), h, 3)
	assert.Error(t, err)
}

// TestFindMatchesAddrsProducesValidChain exercises scenario S4's setup.
// This walk's published worked example is explicitly hedged ("or the
// closest-neighbor equivalent under the tie-break"), and S3's data makes
// the target itself a one-hop inverse-map key, a case where walk_down_range
// legitimately emits a structural tuple for the target's own pointer-map
// entry rather than only "clean" intermediate hops. So this test checks the
// properties guaranteed by construction — entry start, target identity,
// depth and offset bounds — rather than re-deriving every intermediate
// dereference by hand.
func TestFindMatchesAddrsProducesValidChain(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x10000, 0x1000)
	h.AddRegion(0x20000, 0x1000)
	h.WriteBytes(0x10100, u64le(0x20008))
	h.WriteBytes(0x20800, u64le(0x10100))

	m := pointermap.New(config.Default().PointerMap, false)
	require.NoError(t, m.CreateMap(context.Background(), h, 8))

	target := addr.Address(0x20008)
	rng := pointermap.Range{LRange: 0x100, URange: 0x100}
	chains := m.FindMatchesAddrs(context.Background(), rng, 3, []addr.Address{target}, []addr.Address{0x20800})

	require.NotEmpty(t, chains)
	for _, c := range chains {
		assert.Equal(t, target, c.Target)
		assert.LessOrEqual(t, len(c.Steps), 3)
		require.NotEmpty(t, c.Steps)
		assert.Equal(t, addr.Address(0x20800), c.Steps[0].Addr, "chain must start at the given entry point")

		for _, step := range c.Steps {
			assert.LessOrEqual(t, int64(step.Offset.Abs()), int64(rng.LRange+rng.URange))
		}
	}
}

// TestFindMatchesAddrsFirstStepDereferencesTowardTarget checks the one
// dereference link guaranteed not to collide with the self-referential
// target-as-key case above: the chain's starting entry point, added with
// its recorded offset, must land on whatever the pointer map actually
// recorded there.
func TestFindMatchesAddrsFirstStepDereferencesTowardTarget(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x10000, 0x1000)
	h.AddRegion(0x20000, 0x1000)
	h.WriteBytes(0x10100, u64le(0x20008))
	h.WriteBytes(0x20800, u64le(0x10100))

	m := pointermap.New(config.Default().PointerMap, false)
	require.NoError(t, m.CreateMap(context.Background(), h, 8))

	target := addr.Address(0x20008)
	rng := pointermap.Range{LRange: 0x100, URange: 0x100}
	chains := m.FindMatchesAddrs(context.Background(), rng, 3, []addr.Address{target}, []addr.Address{0x20800})
	require.NotEmpty(t, chains)

	first := chains[0].Steps[0]
	corrected := first.Addr.Add(first.Offset)
	want, ok := m.ForwardMap().Get(corrected)
	require.True(t, ok, "the offset-corrected address must itself be a recorded pointer source")

	buf := make([]byte, 8)
	require.NoError(t, h.ReadRawInto(context.Background(), corrected, buf))
	assert.Equal(t, want, addr.FromLittleEndian(buf))
}

func TestResetClearsPointerMap(t *testing.T) {
	h := fake.New(memaccess.ArchX86_64)
	h.AddRegion(0x1000, 0x100)
	h.WriteBytes(0x1000, u64le(0x1000))

	m := pointermap.New(config.Default().PointerMap, false)
	require.NoError(t, m.CreateMap(context.Background(), h, 8))
	require.NotEmpty(t, m.Pointers())

	m.Reset()
	assert.Empty(t, m.Pointers())
}
