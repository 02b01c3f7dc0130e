package world

// Размеры мира. Меняются только вместе с TilingPlan, которая выводится
// из них же (см. NewTilingPlan).
const (
	ChunkSide   = 16                      // чанков вдоль X и Z
	ColumnSide  = 16                      // колонн вдоль X и Z внутри чанка
	WorldSide   = ChunkSide * ColumnSide  // 256 блоков вдоль X и Z
	Height      = 256                     // блоков в колонне
	ChunkCount  = ChunkSide * ChunkSide   // 256
	ColumnCount = ColumnSide * ColumnSide // 256
	ChunkVolume = ColumnCount * Height    // 65536 блоков в чанке
	WorldVolume = ChunkCount * ChunkVolume

	posMask = WorldVolume - 1
)

// Pos плоский индекс блока: chunk*65536 + column*256 + block.
// Любое значение Pos после маскирования — корректный индекс хранилища.
type Pos uint32

// EncodeGrid собирает индекс из тройки (chunk, column, block)
func EncodeGrid(chunk, column, block uint8) Pos {
	return Pos(uint32(chunk)<<16 | uint32(column)<<8 | uint32(block))
}

// EncodeXYZ собирает индекс из мировых координат. X и Z заворачиваются по
// модулю 256 (мир — тор), y — высота.
func EncodeXYZ(x int, y uint8, z int) Pos {
	wx, wz := wrap(x, WorldSide), wrap(z, WorldSide)

	chunk := uint8(wx/ColumnSide + ChunkSide*(wz/ColumnSide))
	column := uint8(wx%ColumnSide + ColumnSide*(wz%ColumnSide))

	return EncodeGrid(chunk, column, y)
}

// Decode раскладывает индекс обратно в (chunk, column, block)
func (p Pos) Decode() (chunk, column, block uint8) {
	return p.Chunk(), p.Column(), p.Block()
}

func (p Pos) Chunk() uint8  { return uint8(p >> 16) }
func (p Pos) Column() uint8 { return uint8(p >> 8) }
func (p Pos) Block() uint8  { return uint8(p) }

// Local индекс внутри чанка: column*256 + block
func (p Pos) Local() int {
	return int(p & (ChunkVolume - 1))
}

// XYZ возвращает мировые координаты в диапазоне [0,255]
func (p Pos) XYZ() (x int, y uint8, z int) {
	cx, cz := ChunkCoords(p.Chunk())
	column := int(p.Column())
	fx, fz := column%ColumnSide, column/ColumnSide

	return cx*ColumnSide + fx, p.Block(), cz*ColumnSide + fz
}

// Offset сдвигает позицию в мировых координатах. X и Z заворачиваются,
// выход по Y за [0,255] даёт ok == false.
func (p Pos) Offset(dx, dy, dz int) (Pos, bool) {
	x, y, z := p.XYZ()
	ny := int(y) + dy
	if ny < 0 || ny >= Height {
		return p, false
	}
	return EncodeXYZ(x+dx, uint8(ny), z+dz), true
}

// ChunkCoords макро-координаты чанка (cx, cz) в сетке 16x16
func ChunkCoords(chunk uint8) (cx, cz int) {
	return int(chunk) % ChunkSide, int(chunk) / ChunkSide
}

// ChunkAt идентификатор чанка по макро-координатам, с заворачиванием
func ChunkAt(cx, cz int) uint8 {
	return uint8(wrap(cx, ChunkSide) + ChunkSide*wrap(cz, ChunkSide))
}

// wrap евклидов остаток: всегда в [0, n)
func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}
