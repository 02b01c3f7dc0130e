package network

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Panadero1/ill-of-the-world/internal/eventbus"
	"github.com/Panadero1/ill-of-the-world/internal/protocol"
	"github.com/Panadero1/ill-of-the-world/internal/world"
)

// fakeSink собирает обновления вместо очереди мира
type fakeSink struct {
	mu      sync.Mutex
	updates []world.WorldUpdate
	err     error
}

func (s *fakeSink) Enqueue(u world.WorldUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func startIngress(t *testing.T, sink Sink, bus eventbus.EventBus) *Ingress {
	t.Helper()
	in := NewIngress(Options{Transport: "tcp", Addr: "127.0.0.1:0"}, sink, bus, nil)
	require.NoError(t, in.Start())
	t.Cleanup(in.Stop)
	return in
}

func TestIngress_TCPUpdates(t *testing.T) {
	sink := &fakeSink{}
	in := startIngress(t, sink, nil)

	conn, err := net.Dial("tcp", in.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var stream []byte
	stream = EncodeBlockUpdate(stream, 5, 10, 20, 7)
	stream = EncodeChat(stream, "hi")
	stream = EncodeBlockUpdateXYZ(stream, 16, 1, 0, 3)

	// отправляем по частям, разрезая сообщения
	_, err = conn.Write(stream[:3])
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = conn.Write(stream[3:])
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.len() == 2 }, 2*time.Second, time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, world.NewGridUpdate(5, 10, 20, 7), sink.updates[0])
	assert.Equal(t, world.NewXYZUpdate(16, 1, 0, 3), sink.updates[1])
	sink.mu.Unlock()
}

func TestIngress_UnknownTagClosesConnection(t *testing.T) {
	in := startIngress(t, &fakeSink{}, nil)

	conn, err := net.Dial("tcp", in.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return in.Clients() == 1 }, 2*time.Second, time.Millisecond)

	_, err = conn.Write([]byte{0xEE})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "сервер закрывает соединение после неизвестного тега")
	assert.Eventually(t, func() bool { return in.Clients() == 0 }, 2*time.Second, time.Millisecond)
}

func TestIngress_BroadcastsDeltas(t *testing.T) {
	bus := eventbus.NewMemoryBus(8)
	defer bus.Close()
	in := startIngress(t, &fakeSink{}, bus)

	conn, err := net.Dial("tcp", in.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return in.Clients() == 1 }, 2*time.Second, time.Millisecond)

	codec := protocol.NewBinaryCodec()
	delta := &protocol.TickDelta{Tick: 3, Changes: []world.CellChange{{Pos: 42, Block: world.Block{Kind: 1}}}}
	payload, err := codec.Encode(delta)
	require.NoError(t, err)

	ev := eventbus.NewEnvelope("test", eventbus.EventTickDelta, eventbus.PriorityCritical, payload)
	require.NoError(t, bus.Publish(context.Background(), ev))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := protocol.ReadFrame(conn)
	require.NoError(t, err)

	got, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, delta, got)
}

func TestIngress_RejectedUpdatesKeepConnection(t *testing.T) {
	sink := &fakeSink{err: world.ErrQueueFull}
	in := startIngress(t, sink, nil)

	conn, err := net.Dial("tcp", in.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(EncodeBlockUpdate(nil, 1, 1, 1, 1))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, in.Clients(), "переполнение очереди не разрывает соединение")
}

func TestListen_UnknownTransport(t *testing.T) {
	in := NewIngress(Options{Transport: "carrier-pigeon", Addr: ":0"}, &fakeSink{}, nil, nil)
	assert.Error(t, in.Start())
	in.Stop()
}

func TestIngress_RegisterAfterStopClosesConnection(t *testing.T) {
	in := NewIngress(Options{Transport: "tcp", Addr: "127.0.0.1:0"}, &fakeSink{}, nil, nil)
	require.NoError(t, in.Start())
	in.Stop()

	// соединение, принятое перед закрытием слушателя, регистрируется уже после обхода клиентов
	server, client := net.Pipe()
	defer client.Close()

	assert.Nil(t, in.register(server), "после Stop клиент не регистрируется")
	assert.Equal(t, 0, in.Clients())

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "соединение закрыто сервером")
}
