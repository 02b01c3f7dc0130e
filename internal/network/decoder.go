package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/Panadero1/ill-of-the-world/internal/world"
)

// MessageType байт-тег входящего сообщения
type MessageType uint8

const (
	MsgBlockUpdate    MessageType = iota // 0: chunk, column, block, kind
	MsgPreMessage                        // 1: длина следующего текстового сообщения
	MsgMessage                           // 2: текст длиной из MsgPreMessage
	MsgPlayerPos                         // 3: три float32 little-endian
	MsgBlockUpdateXYZ                    // 4: x int16 LE, y, z int16 LE, kind
)

func (t MessageType) String() string {
	switch t {
	case MsgBlockUpdate:
		return "block_update"
	case MsgPreMessage:
		return "pre_message"
	case MsgMessage:
		return "message"
	case MsgPlayerPos:
		return "player_pos"
	case MsgBlockUpdateXYZ:
		return "block_update_xyz"
	default:
		return fmt.Sprintf("unknown_%d", uint8(t))
	}
}

var (
	// ErrUnknownMessage неизвестный тег; соединение закрывается
	ErrUnknownMessage = errors.New("network: unknown message tag")
	// ErrMissingLength текст пришёл без предшествующего MsgPreMessage
	ErrMissingLength = errors.New("network: message without length prefix")
)

// payloadSize фиксированные размеры тел сообщений (без тега)
var payloadSize = map[MessageType]int{
	MsgBlockUpdate:    4,
	MsgPreMessage:     1,
	MsgPlayerPos:      12,
	MsgBlockUpdateXYZ: 6,
}

// Message разобранное сообщение клиента
type Message struct {
	Type     MessageType
	Update   world.WorldUpdate // MsgBlockUpdate, MsgBlockUpdateXYZ
	Text     string            // MsgMessage
	Position [3]float32        // MsgPlayerPos
}

// StreamDecoder разбирает байтовый поток соединения. Сообщения могут быть
// разрезаны между чтениями произвольно: неполный хвост хранится до
// следующего Feed. Не безопасен для конкурентного использования.
type StreamDecoder struct {
	buf        []byte
	pendingLen int // длина из MsgPreMessage, -1 если не было
}

// NewStreamDecoder создаёт декодер для одного соединения
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{pendingLen: -1}
}

// Buffered число байт, ожидающих продолжения сообщения
func (d *StreamDecoder) Buffered() int { return len(d.buf) }

// Feed добавляет прочитанные байты и возвращает все полностью пришедшие сообщения.
// После ошибки декодер непригоден: поток рассинхронизирован.
func (d *StreamDecoder) Feed(data []byte) ([]Message, error) {
	d.buf = append(d.buf, data...)

	var out []Message
	i := 0
	for i < len(d.buf) {
		tag := MessageType(d.buf[i])

		size, fixed := payloadSize[tag]
		switch {
		case fixed:
		case tag == MsgMessage:
			if d.pendingLen < 0 {
				return out, ErrMissingLength
			}
			size = d.pendingLen
		default:
			return out, fmt.Errorf("%w: %d", ErrUnknownMessage, uint8(tag))
		}

		if len(d.buf)-i-1 < size {
			break // ждём остаток
		}
		body := d.buf[i+1 : i+1+size]
		i += 1 + size

		msg := Message{Type: tag}
		switch tag {
		case MsgBlockUpdate:
			msg.Update = world.NewGridUpdate(body[0], body[1], body[2], body[3])
		case MsgPreMessage:
			d.pendingLen = int(body[0])
		case MsgMessage:
			msg.Text = string(body)
			d.pendingLen = -1
		case MsgPlayerPos:
			for k := 0; k < 3; k++ {
				msg.Position[k] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*k:]))
			}
		case MsgBlockUpdateXYZ:
			x := int16(binary.LittleEndian.Uint16(body[0:2]))
			z := int16(binary.LittleEndian.Uint16(body[3:5]))
			msg.Update = world.NewXYZUpdate(int(x), body[2], int(z), body[5])
		}
		out = append(out, msg)
	}

	// сдвигаем неполный хвост в начало буфера
	n := copy(d.buf, d.buf[i:])
	d.buf = d.buf[:n]
	return out, nil
}

// EncodeBlockUpdate кодирует обновление в формате MsgBlockUpdate
func EncodeBlockUpdate(dst []byte, chunk, column, block, kind uint8) []byte {
	return append(dst, byte(MsgBlockUpdate), chunk, column, block, kind)
}

// EncodeBlockUpdateXYZ кодирует обновление в формате MsgBlockUpdateXYZ
func EncodeBlockUpdateXYZ(dst []byte, x int16, y uint8, z int16, kind uint8) []byte {
	dst = append(dst, byte(MsgBlockUpdateXYZ))
	dst = binary.LittleEndian.AppendUint16(dst, uint16(x))
	dst = append(dst, y)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(z))
	return append(dst, kind)
}

// EncodeChat кодирует текст парой MsgPreMessage + MsgMessage (до 255 байт)
func EncodeChat(dst []byte, text string) []byte {
	if len(text) > math.MaxUint8 {
		text = text[:math.MaxUint8]
	}
	dst = append(dst, byte(MsgPreMessage), byte(len(text)), byte(MsgMessage))
	return append(dst, text...)
}

// EncodePlayerPos кодирует позицию игрока
func EncodePlayerPos(dst []byte, x, y, z float32) []byte {
	dst = append(dst, byte(MsgPlayerPos))
	for _, v := range [3]float32{x, y, z} {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
	}
	return dst
}
