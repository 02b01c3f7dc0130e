package world

import (
	"fmt"
)

// Rule правило мутации одной клетки за тик. Вызывается для каждой клетки
// чанка внутри задачи планировщика; b — изменяемая клетка собственного чанка,
// v — доступ к чтению остального мира. Ошибка или паника прерывает задачу,
// и чанк остаётся в состоянии до её начала.
type Rule func(v *ChunkView, p Pos, b *Block) error

// Identity ничего не меняет
func Identity(v *ChunkView, p Pos, b *Block) error {
	return nil
}

// SetKind безусловно выставляет вид блока
func SetKind(kind uint8) Rule {
	return func(v *ChunkView, p Pos, b *Block) error {
		b.Kind = kind
		return nil
	}
}

// grassNeighbours горизонтальные соседи для распространения травы
var grassNeighbours = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

// GrassSpread трава прорастает на землю, над которой воздух, если рядом
// по горизонтали есть трава. Соседние клетки могут лежать в других чанках.
func GrassSpread(v *ChunkView, p Pos, b *Block) error {
	if b.Kind != KindDirt {
		return nil
	}
	above, ok := p.Offset(0, 1, 0)
	if ok && !v.Get(above).IsAir() {
		return nil
	}
	for _, d := range grassNeighbours {
		n, _ := p.Offset(d[0], 0, d[1])
		if v.Get(n).Kind == KindGrass {
			b.Kind = KindGrass
			return nil
		}
	}
	return nil
}

// SandFall песок над воздухом опускается на одну клетку за тик.
// Колонна целиком лежит в одном чанке, поэтому правило не читает соседей.
func SandFall(v *ChunkView, p Pos, b *Block) error {
	if b.Kind != KindAir || p.Block() == Height-1 {
		return nil
	}
	up := v.Cell((p + 1).Local())
	if up.Kind == KindSand {
		*b, *up = *up, *b
	}
	return nil
}

// RuleByName правило по имени из конфигурации
func RuleByName(name string) (Rule, error) {
	switch name {
	case "", "identity":
		return Identity, nil
	case "grass":
		return GrassSpread, nil
	case "sand":
		return SandFall, nil
	default:
		return nil, fmt.Errorf("world: unknown rule %q", name)
	}
}
