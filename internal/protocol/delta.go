package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/Panadero1/ill-of-the-world/internal/world"
)

// DeltaVersion версия бинарного формата TickDelta
const DeltaVersion = 1

// changeSize байт на одну клетку: 3 байта позиции, вид, доп. состояние
const changeSize = 5

var (
	// ErrBadVersion неизвестная версия формата
	ErrBadVersion = errors.New("protocol: unsupported delta version")
	// ErrTruncated данные обрываются посреди записи
	ErrTruncated = errors.New("protocol: truncated delta")
)

// TickDelta изменённые за тик клетки с их итоговыми значениями
type TickDelta struct {
	Tick    uint64
	Changes []world.CellChange
}

// DeltaCodec кодирует/декодирует TickDelta для шины и клиентов
type DeltaCodec interface {
	Encode(d *TickDelta) ([]byte, error)
	Decode(payload []byte) (*TickDelta, error)
}

// binaryCodec формат без сжатия:
// [version][uvarint tick][uvarint count] затем count записей по 5 байт
// (позиция 24 бита big-endian, kind, aux).
type binaryCodec struct{}

// NewBinaryCodec кодек без сжатия
func NewBinaryCodec() DeltaCodec { return binaryCodec{} }

func (binaryCodec) Encode(d *TickDelta) ([]byte, error) {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen64+len(d.Changes)*changeSize)
	buf = append(buf, DeltaVersion)
	buf = binary.AppendUvarint(buf, d.Tick)
	buf = binary.AppendUvarint(buf, uint64(len(d.Changes)))

	for _, c := range d.Changes {
		p := uint32(c.Pos)
		buf = append(buf, byte(p>>16), byte(p>>8), byte(p), c.Block.Kind, c.Block.Aux)
	}
	return buf, nil
}

func (binaryCodec) Decode(payload []byte) (*TickDelta, error) {
	if len(payload) == 0 {
		return nil, ErrTruncated
	}
	if payload[0] != DeltaVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, payload[0])
	}
	i := 1

	tick, n := binary.Uvarint(payload[i:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: tick", ErrTruncated)
	}
	i += n

	count, n := binary.Uvarint(payload[i:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: count", ErrTruncated)
	}
	i += n

	if uint64(len(payload)-i) != count*changeSize {
		return nil, fmt.Errorf("%w: %d changes need %d bytes, have %d", ErrTruncated, count, count*changeSize, len(payload)-i)
	}

	d := &TickDelta{Tick: tick, Changes: make([]world.CellChange, count)}
	for k := range d.Changes {
		rec := payload[i : i+changeSize]
		d.Changes[k] = world.CellChange{
			Pos:   world.Pos(uint32(rec[0])<<16 | uint32(rec[1])<<8 | uint32(rec[2])),
			Block: world.Block{Kind: rec[3], Aux: rec[4]},
		}
		i += changeSize
	}
	return d, nil
}

// zstdCodec бинарный формат, сжатый zstd. Энкодер и декодер используются
// через EncodeAll/DecodeAll и безопасны для конкурентных вызовов.
type zstdCodec struct {
	raw          binaryCodec
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

// NewZstdCodec кодек со сжатием zstd
func NewZstdCodec() (DeltaCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("protocol: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: zstd decoder: %w", err)
	}
	return &zstdCodec{compressor: enc, decompressor: dec}, nil
}

func (c *zstdCodec) Encode(d *TickDelta) ([]byte, error) {
	raw, err := c.raw.Encode(d)
	if err != nil {
		return nil, err
	}
	return c.compressor.EncodeAll(raw, nil), nil
}

func (c *zstdCodec) Decode(payload []byte) (*TickDelta, error) {
	raw, err := c.decompressor.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: decompression failed: %w", err)
	}
	return c.raw.Decode(raw)
}
