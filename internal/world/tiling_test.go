package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTilingPlan_Partition(t *testing.T) {
	plan := NewTilingPlan()
	require.NoError(t, plan.Validate())

	union := make(map[uint8]int)
	for k, group := range plan.Phases() {
		assert.Len(t, group, 64, "в фазе %d должно быть 64 чанка", k)
		for _, id := range group {
			union[id]++
			assert.Equal(t, k, plan.PhaseOf(id))
		}
	}

	assert.Len(t, union, ChunkCount, "фазы покрывают все 256 чанков")
	for id, n := range union {
		assert.Equal(t, 1, n, "чанк %d должен входить ровно в одну фазу", id)
	}
}

func TestTilingPlan_NonAdjacency(t *testing.T) {
	plan := NewTilingPlan()

	for k := 0; k < PhaseCount; k++ {
		group := plan.ChunksInPhase(k)
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				ax, az := ChunkCoords(group[i])
				bx, bz := ChunkCoords(group[j])
				dx, dz := abs(ax-bx), abs(az-bz)
				assert.GreaterOrEqual(t, max(dx, dz), 2, "чанки %d и %d фазы %d соседние", group[i], group[j], k)

				// и с учётом заворачивания мира
				assert.False(t, Adjacent(group[i], group[j]))
			}
		}
	}
}

func TestTilingPlan_PhaseFormula(t *testing.T) {
	plan := NewTilingPlan()

	assert.Equal(t, 0, plan.PhaseOf(0))
	assert.Equal(t, 1, plan.PhaseOf(1))
	assert.Equal(t, 2, plan.PhaseOf(16))
	assert.Equal(t, 3, plan.PhaseOf(17))
	assert.Equal(t, []uint8{0, 2, 4, 6, 8, 10, 12, 14, 32}, plan.ChunksInPhase(0)[:9])
}

func TestTilingPlan_ReturnsCopies(t *testing.T) {
	plan := NewTilingPlan()

	group := plan.ChunksInPhase(0)
	group[0] = 255
	assert.Equal(t, uint8(0), plan.ChunksInPhase(0)[0], "изменение копии не должно портить план")
}

func TestTilingPlan_ValidateDetectsBrokenPlan(t *testing.T) {
	plan := NewTilingPlan()
	// переносим чанк 1 в фазу 0: он соседствует с чанком 0
	plan.phases[0] = append(plan.phases[0][:len(plan.phases[0])-1], 1)

	assert.Error(t, plan.Validate())
}

func TestAdjacent(t *testing.T) {
	assert.True(t, Adjacent(ChunkAt(3, 3), ChunkAt(4, 4)), "угловое касание")
	assert.True(t, Adjacent(ChunkAt(0, 5), ChunkAt(15, 5)), "соседи через границу мира")
	assert.False(t, Adjacent(ChunkAt(3, 3), ChunkAt(3, 3)), "чанк не соседствует сам с собой")
	assert.False(t, Adjacent(ChunkAt(3, 3), ChunkAt(5, 3)))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
