package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerlinGenerator_Deterministic(t *testing.T) {
	a := NewPerlinGenerator(42, 0)
	b := NewPerlinGenerator(42, 0)

	for x := 0; x < WorldSide; x += 17 {
		for z := 0; z < WorldSide; z += 13 {
			h := a.HeightAt(x, z)
			assert.Equal(t, h, b.HeightAt(x, z), "одинаковый сид даёт одинаковый рельеф")
			assert.GreaterOrEqual(t, h, 1)
			assert.Less(t, h, Height)
		}
	}
}

func TestFillColumn(t *testing.T) {
	col := make([]Block, Height)

	fillColumn(col, 100)
	assert.Equal(t, KindStone, col[0].Kind)
	assert.Equal(t, KindDirt, col[99].Kind)
	assert.Equal(t, KindGrass, col[100].Kind)
	assert.True(t, col[101].IsAir())

	fillColumn(col, 40)
	assert.Equal(t, KindDirt, col[40].Kind, "под водой поверхность — земля")
	assert.Equal(t, KindWater, col[41].Kind)
	assert.Equal(t, KindWater, col[SeaLevel].Kind)
	assert.True(t, col[SeaLevel+1].IsAir())

	fillColumn(col, SeaLevel)
	assert.Equal(t, KindSand, col[SeaLevel].Kind, "у кромки воды песок")
}

func TestGeneratorByName(t *testing.T) {
	g, err := GeneratorByName("empty", 1, 0)
	require.NoError(t, err)

	store := NewBlockStore()
	g.Generate(store)
	assert.Equal(t, ChunkVolume*ChunkCount, store.CountKind(KindAir))

	_, err = GeneratorByName("perlin", 1, 0.05)
	assert.NoError(t, err)

	_, err = GeneratorByName("caves", 1, 0)
	assert.Error(t, err)
}
