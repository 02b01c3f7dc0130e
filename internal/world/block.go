package world

// Базовые виды блоков. Набор открыт: правила и генератор могут
// использовать любые значения байта.
const (
	KindAir   uint8 = 0
	KindStone uint8 = 1
	KindDirt  uint8 = 2
	KindGrass uint8 = 3
	KindWater uint8 = 4
	KindSand  uint8 = 5
)

// Block представляет собой один воксель. Значимый тип, копируется свободно.
type Block struct {
	Kind uint8 // Вид блока
	Aux  uint8 // Дополнительное состояние (уровень воды, рост и т.п.)
}

// IsAir возвращает true для пустого блока
func (b Block) IsAir() bool {
	return b.Kind == KindAir
}

// CellChange изменённая за тик клетка с её итоговым значением
type CellChange struct {
	Pos   Pos
	Block Block
}
