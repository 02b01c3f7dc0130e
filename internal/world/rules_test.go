package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runRule(t *testing.T, store *BlockStore, chunk uint8, rule Rule) {
	t.Helper()

	snapshot := NewBlockStore()
	snapshot.CopyFrom(store)

	v, err := store.Lease(chunk)
	require.NoError(t, err)
	defer store.Release(v)

	v.SetOutside(snapshot, false)
	require.NoError(t, v.Each(rule))
}

func TestGrassSpread(t *testing.T) {
	store := NewBlockStore()
	dirt := EncodeXYZ(20, 10, 20)
	store.Set(dirt, Block{Kind: KindDirt})
	store.Set(EncodeXYZ(21, 10, 20), Block{Kind: KindGrass})

	covered := EncodeXYZ(30, 10, 20)
	store.Set(covered, Block{Kind: KindDirt})
	store.Set(EncodeXYZ(30, 11, 20), Block{Kind: KindStone})
	store.Set(EncodeXYZ(31, 10, 20), Block{Kind: KindGrass})

	runRule(t, store, dirt.Chunk(), GrassSpread)

	assert.Equal(t, KindGrass, store.Get(dirt).Kind, "земля рядом с травой зарастает")
	assert.Equal(t, KindDirt, store.Get(covered).Kind, "под камнем трава не растёт")
}

func TestGrassSpread_AcrossChunkBorder(t *testing.T) {
	store := NewBlockStore()
	// x=15 последний столбец чанка 0, x=16 уже чанк 1
	dirt := EncodeXYZ(15, 40, 0)
	store.Set(dirt, Block{Kind: KindDirt})
	store.Set(EncodeXYZ(16, 40, 0), Block{Kind: KindGrass})
	require.NotEqual(t, dirt.Chunk(), EncodeXYZ(16, 40, 0).Chunk())

	runRule(t, store, dirt.Chunk(), GrassSpread)

	assert.Equal(t, KindGrass, store.Get(dirt).Kind)
}

func TestSandFall(t *testing.T) {
	store := NewBlockStore()
	store.Set(EncodeXYZ(3, 12, 3), Block{Kind: KindSand})

	runRule(t, store, EncodeXYZ(3, 0, 3).Chunk(), SandFall)

	assert.Equal(t, KindSand, store.Get(EncodeXYZ(3, 11, 3)).Kind, "песок опустился на одну клетку")
	assert.Equal(t, KindAir, store.Get(EncodeXYZ(3, 12, 3)).Kind)
	assert.Equal(t, 1, store.CountKind(KindSand))
}

func TestRuleByName(t *testing.T) {
	for _, name := range []string{"", "identity", "grass", "sand"} {
		rule, err := RuleByName(name)
		assert.NoError(t, err, name)
		assert.NotNil(t, rule, name)
	}

	_, err := RuleByName("gravity")
	assert.Error(t, err)
}
