package world

import (
	"fmt"

	"github.com/aquilax/go-perlin"
)

// Generator заполняет начальный мир. Вызывается ровно один раз до первого тика.
type Generator interface {
	Generate(store *BlockStore)
}

// GeneratorFunc адаптер функции к Generator
type GeneratorFunc func(store *BlockStore)

func (f GeneratorFunc) Generate(store *BlockStore) { f(store) }

// EmptyGenerator оставляет мир заполненным воздухом
var EmptyGenerator = GeneratorFunc(func(*BlockStore) {})

// Константы рельефа
const (
	SeaLevel   = 64
	BaseHeight = 48 // Минимальная высота суши
	Amplitude  = 64 // Разброс высот
	DirtDepth  = 3  // Толщина слоя земли над камнем
	BeachBand  = 2  // Песок у кромки воды
)

// PerlinGenerator генерирует рельеф по шуму Перлина: камень, земля, трава,
// песок у воды и вода до уровня моря.
type PerlinGenerator struct {
	Seed       int64
	NoiseScale float64

	noise *perlin.Perlin
}

// NewPerlinGenerator создаёт генератор с указанным сидом
func NewPerlinGenerator(seed int64, scale float64) *PerlinGenerator {
	alpha := 2.0  // Сглаживание шума
	beta := 2.0   // Частота шума
	n := int32(3) // Количество октав

	if scale <= 0 {
		scale = 0.03
	}

	return &PerlinGenerator{
		Seed:       seed,
		NoiseScale: scale,
		noise:      perlin.NewPerlin(alpha, beta, n, seed),
	}
}

// HeightAt высота поверхности в колонне мира (x, z)
func (g *PerlinGenerator) HeightAt(x, z int) int {
	// значение шума примерно в [-1, 1], переводим в [0, 1]
	v := (g.noise.Noise2D(float64(x)*g.NoiseScale, float64(z)*g.NoiseScale) + 1) / 2
	h := BaseHeight + int(v*Amplitude)
	return min(max(h, 1), Height-1)
}

// Generate заполняет хранилище. Обход по чанкам совпадает с раскладкой памяти.
func (g *PerlinGenerator) Generate(store *BlockStore) {
	for chunk := 0; chunk < ChunkCount; chunk++ {
		cells := store.ChunkCells(uint8(chunk))
		for column := 0; column < ColumnCount; column++ {
			p := EncodeGrid(uint8(chunk), uint8(column), 0)
			x, _, z := p.XYZ()
			fillColumn(cells[column*Height:(column+1)*Height], g.HeightAt(x, z))
		}
	}
}

// fillColumn раскладывает слои одной колонны высотой surface
func fillColumn(col []Block, surface int) {
	for y := 0; y < Height; y++ {
		switch {
		case y < surface-DirtDepth:
			col[y] = Block{Kind: KindStone}
		case y < surface:
			col[y] = Block{Kind: KindDirt}
		case y == surface && surface <= SeaLevel+BeachBand && surface >= SeaLevel-BeachBand:
			col[y] = Block{Kind: KindSand}
		case y == surface && surface > SeaLevel:
			col[y] = Block{Kind: KindGrass}
		case y == surface:
			col[y] = Block{Kind: KindDirt}
		case y <= SeaLevel:
			col[y] = Block{Kind: KindWater, Aux: 7}
		default:
			col[y] = Block{}
		}
	}
}

// GeneratorByName генератор по имени из конфигурации
func GeneratorByName(name string, seed int64, scale float64) (Generator, error) {
	switch name {
	case "empty":
		return EmptyGenerator, nil
	case "", "perlin":
		return NewPerlinGenerator(seed, scale), nil
	default:
		return nil, fmt.Errorf("world: unknown generator %q", name)
	}
}
