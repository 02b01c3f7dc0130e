package world

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrChunkLeased повторная аренда чанка до его возврата
	ErrChunkLeased = errors.New("world: chunk already leased")
	// ErrNotAdjacent чтение в живом режиме за пределами соседних чанков
	ErrNotAdjacent = errors.New("world: read outside neighbouring chunks")
)

// Reader источник чтения блоков (хранилище или его снимок)
type Reader interface {
	Get(p Pos) Block
}

// BlockStore владеет всем массивом 256x256x256 блоков.
// Чанк занимает непрерывный участок из ChunkVolume ячеек, поэтому
// его можно выдать задаче как отдельный срез.
type BlockStore struct {
	cells []Block

	mu     sync.Mutex
	leased [ChunkCount]bool
}

// NewBlockStore создаёт мир, заполненный блоками по умолчанию (воздух)
func NewBlockStore() *BlockStore {
	return &BlockStore{cells: make([]Block, WorldVolume)}
}

// Get возвращает копию блока
func (s *BlockStore) Get(p Pos) Block {
	return s.cells[p&posMask]
}

// At возвращает изменяемую ссылку на клетку.
// Вне планировщика вызывается только в последовательной фазе применения
// обновлений; внутри тика хранилище целиком не выдаётся, задачи получают ChunkView.
func (s *BlockStore) At(p Pos) *Block {
	return &s.cells[p&posMask]
}

// Set записывает блок целиком
func (s *BlockStore) Set(p Pos, b Block) {
	s.cells[p&posMask] = b
}

// Apply перезаписывает вид блока в позиции обновления; Aux не трогается
func (s *BlockStore) Apply(u WorldUpdate) {
	s.cells[u.Pos&posMask].Kind = u.Kind
}

// Fill заполняет весь мир одним блоком
func (s *BlockStore) Fill(b Block) {
	for i := range s.cells {
		s.cells[i] = b
	}
}

// CopyFrom копирует содержимое другого хранилища (снимок начала тика)
func (s *BlockStore) CopyFrom(src *BlockStore) {
	copy(s.cells, src.cells)
}

// FirstDiff возвращает первую позицию, где хранилища различаются
func (s *BlockStore) FirstDiff(other *BlockStore) (Pos, bool) {
	for i := range s.cells {
		if s.cells[i] != other.cells[i] {
			return Pos(i), true
		}
	}
	return 0, false
}

// CountKind считает клетки заданного вида
func (s *BlockStore) CountKind(kind uint8) int {
	n := 0
	for i := range s.cells {
		if s.cells[i].Kind == kind {
			n++
		}
	}
	return n
}

// ChunkCells возвращает участок чанка только для чтения (генератор, экспорт)
func (s *BlockStore) ChunkCells(chunk uint8) []Block {
	start := int(chunk) * ChunkVolume
	return s.cells[start : start+ChunkVolume : start+ChunkVolume]
}

// Lease выдаёт эксклюзивное представление одного чанка.
// Пока чанк арендован, повторная аренда возвращает ErrChunkLeased.
func (s *BlockStore) Lease(chunk uint8) (*ChunkView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leased[chunk] {
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkLeased, chunk)
	}
	s.leased[chunk] = true

	start := int(chunk) * ChunkVolume
	region := s.cells[start : start+ChunkVolume : start+ChunkVolume]

	return &ChunkView{
		id:     chunk,
		base:   EncodeGrid(chunk, 0, 0),
		region: region,
		cells:  region,
	}, nil
}

// Release возвращает чанк хранилищу; представление после этого недействительно
func (s *BlockStore) Release(v *ChunkView) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leased[v.id] = false
	v.region = nil
	v.cells = nil
	v.outside = nil
}

// LeasedCount количество арендованных сейчас чанков
func (s *BlockStore) LeasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, l := range s.leased {
		if l {
			n++
		}
	}
	return n
}

// ChunkView эксклюзивное представление одного чанка на время задачи.
// Запись возможна только в собственные клетки; чтение чужих чанков идёт
// через внешний Reader (снимок начала тика или живое хранилище).
type ChunkView struct {
	id     uint8
	base   Pos
	region []Block // арендованный участок хранилища
	cells  []Block // то, что видит правило: region или рабочая копия

	outside      Reader
	adjacentOnly bool
}

// ID идентификатор чанка
func (v *ChunkView) ID() uint8 { return v.id }

// Base позиция первой клетки чанка
func (v *ChunkView) Base() Pos { return v.base }

// Owns сообщает, принадлежит ли позиция этому чанку
func (v *ChunkView) Owns(p Pos) bool {
	return p.Chunk() == v.id
}

// Cell изменяемая клетка по локальному индексу column*256 + block
func (v *ChunkView) Cell(local int) *Block {
	return &v.cells[local]
}

// SetOutside задаёт источник чтения чужих чанков.
// adjacentOnly ограничивает чтение восемью соседними чанками (живой режим).
func (v *ChunkView) SetOutside(r Reader, adjacentOnly bool) {
	v.outside = r
	v.adjacentOnly = adjacentOnly
}

// Get читает любую клетку мира. Свои клетки читаются с учётом изменений
// текущей задачи, чужие — из внешнего источника.
func (v *ChunkView) Get(p Pos) Block {
	p &= posMask
	if v.Owns(p) {
		return v.cells[p.Local()]
	}
	if v.outside == nil {
		panic(fmt.Errorf("%w: chunk %d has no outside reader", ErrNotAdjacent, v.id))
	}
	if v.adjacentOnly && !Adjacent(v.id, p.Chunk()) {
		panic(fmt.Errorf("%w: chunk %d read chunk %d", ErrNotAdjacent, v.id, p.Chunk()))
	}
	return v.outside.Get(p)
}

// Stage копирует участок в рабочий буфер; правило работает с копией,
// а участок хранилища остаётся нетронутым до Commit.
func (v *ChunkView) Stage(buf []Block) {
	buf = buf[:ChunkVolume]
	copy(buf, v.region)
	v.cells = buf
}

// Commit переносит рабочую копию в хранилище. Возвращает число изменённых
// клеток и, если track == true, их список.
func (v *ChunkView) Commit(track bool) (int, []CellChange) {
	if &v.cells[0] == &v.region[0] {
		return 0, nil
	}

	changed := 0
	var changes []CellChange
	for i := range v.cells {
		if v.cells[i] == v.region[i] {
			continue
		}
		changed++
		if track {
			changes = append(changes, CellChange{Pos: v.base + Pos(i), Block: v.cells[i]})
		}
		v.region[i] = v.cells[i]
	}

	v.cells = v.region
	return changed, changes
}

// Discard отбрасывает рабочую копию: чанк остаётся в состоянии до задачи
func (v *ChunkView) Discard() {
	v.cells = v.region
}

// Each применяет правило ко всем 65536 клеткам чанка по порядку индекса
func (v *ChunkView) Each(rule Rule) error {
	for i := range v.cells {
		if err := rule(v, v.base+Pos(i), &v.cells[i]); err != nil {
			return fmt.Errorf("cell %d: %w", v.base+Pos(i), err)
		}
	}
	return nil
}
