package blockio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanRejectsZeroBlockSize(t *testing.T) {
	_, err := NewPlan(100, 0)
	require.Error(t, err)
}

func TestPlanPartitionsExactly(t *testing.T) {
	cases := []struct {
		name      string
		totalSize uint64
		blockSize uint32
	}{
		{"empty file", 0, 65536},
		{"smaller than one block", 100, 65536},
		{"exactly one block", 65536, 65536},
		{"short tail", 150000, 65536},
		{"even multiple", 262144, 65536},
		{"tiny blocks", 1000, 7},
		{"single byte", 1, 65536},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := NewPlan(tc.totalSize, tc.blockSize)
			require.NoError(t, err)

			var next uint64
			var index uint64
			err = plan.Each(func(b BlockSpec) error {
				assert.Equal(t, index, b.Index, "ascending index")
				assert.Equal(t, next, b.Offset, "no gap, no overlap")
				assert.NotZero(t, b.Length)
				assert.LessOrEqual(t, uint64(b.Length), uint64(tc.blockSize))
				next = b.Offset + uint64(b.Length)
				index++
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, tc.totalSize, next, "blocks cover [0,totalSize)")
			assert.Equal(t, plan.Count(), index)
		})
	}
}

func TestPlanExampleFromProtocolDocs(t *testing.T) {
	plan, err := NewPlan(150000, 65536)
	require.NoError(t, err)

	require.Equal(t, uint64(3), plan.Count())
	assert.Equal(t, BlockSpec{Index: 0, Offset: 0, Length: 65536}, plan.Spec(0))
	assert.Equal(t, BlockSpec{Index: 1, Offset: 65536, Length: 65536}, plan.Spec(1))
	assert.Equal(t, BlockSpec{Index: 2, Offset: 131072, Length: 18928}, plan.Spec(2))
}

func TestSpecPastEndIsEmpty(t *testing.T) {
	plan, err := NewPlan(150000, 65536)
	require.NoError(t, err)

	for _, index := range []uint64{plan.Count(), plan.Count() + 1, 1 << 40} {
		spec := plan.Spec(index)
		assert.Equal(t, index, spec.Index)
		assert.Zero(t, spec.Length, "index %d is past the last block", index)
	}
}

func TestPlanIsRestartable(t *testing.T) {
	plan, err := NewPlan(999999, 4096)
	require.NoError(t, err)

	var first, second []BlockSpec
	_ = plan.Each(func(b BlockSpec) error { first = append(first, b); return nil })
	_ = plan.Each(func(b BlockSpec) error { second = append(second, b); return nil })
	assert.Equal(t, first, second)
}
