package world

import (
	"fmt"
)

// PhaseCount число фаз тика
const PhaseCount = 4

// TilingPlan разбиение 256 чанков на 4 фазы по чётности макро-координат:
// phase = (cx mod 2) + 2*(cz mod 2). Два разных чанка одной фазы отстоят
// минимум на 2 по cx или cz, то есть никогда не касаются ни гранью, ни углом.
// Поэтому задачи одной фазы пишут в непересекающиеся области без блокировок.
//
// ChunkSide чётный, так что разбиение остаётся корректным и с учётом
// заворачивания мира по X/Z.
type TilingPlan struct {
	phases  [PhaseCount][]uint8
	phaseOf [ChunkCount]uint8
}

// NewTilingPlan строит разбиение из правила смежности
func NewTilingPlan() *TilingPlan {
	plan := &TilingPlan{}
	for id := 0; id < ChunkCount; id++ {
		chunk := uint8(id)
		k := phaseFor(chunk)
		plan.phaseOf[chunk] = uint8(k)
		plan.phases[k] = append(plan.phases[k], chunk)
	}
	return plan
}

func phaseFor(chunk uint8) int {
	cx, cz := ChunkCoords(chunk)
	return cx%2 + 2*(cz%2)
}

// Phases возвращает копию всех четырёх групп
func (t *TilingPlan) Phases() [PhaseCount][]uint8 {
	var out [PhaseCount][]uint8
	for k := range t.phases {
		out[k] = t.ChunksInPhase(k)
	}
	return out
}

// ChunksInPhase чанки фазы k в порядке возрастания id
func (t *TilingPlan) ChunksInPhase(k int) []uint8 {
	return append([]uint8(nil), t.phases[k]...)
}

// PhaseOf фаза, в которой обрабатывается чанк
func (t *TilingPlan) PhaseOf(chunk uint8) int {
	return int(t.phaseOf[chunk])
}

// Validate заново проверяет инварианты разбиения: каждая фаза из 64 чанков,
// фазы не пересекаются и покрывают все id, внутри фазы нет смежных чанков.
func (t *TilingPlan) Validate() error {
	var seen [ChunkCount]bool
	want := ChunkCount / PhaseCount

	for k, group := range t.phases {
		if len(group) != want {
			return fmt.Errorf("tiling: phase %d has %d chunks, want %d", k, len(group), want)
		}
		for _, id := range group {
			if seen[id] {
				return fmt.Errorf("tiling: chunk %d appears in more than one phase", id)
			}
			seen[id] = true
		}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if Adjacent(group[i], group[j]) {
					return fmt.Errorf("tiling: chunks %d and %d share phase %d but are adjacent", group[i], group[j], k)
				}
			}
		}
	}

	for id, ok := range seen {
		if !ok {
			return fmt.Errorf("tiling: chunk %d is not assigned to any phase", id)
		}
	}
	return nil
}

// Adjacent сообщает, касаются ли два разных чанка гранью или углом,
// с учётом заворачивания мира.
func Adjacent(a, b uint8) bool {
	if a == b {
		return false
	}
	return ChunkDistance(a, b) <= 1
}

// ChunkDistance расстояние Чебышёва между чанками на торе
func ChunkDistance(a, b uint8) int {
	ax, az := ChunkCoords(a)
	bx, bz := ChunkCoords(b)
	return max(torusDelta(ax, bx), torusDelta(az, bz))
}

func torusDelta(a, b int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	return min(d, ChunkSide-d)
}
