package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"
	"golang.org/x/time/rate"

	"github.com/Panadero1/ill-of-the-world/internal/eventbus"
	"github.com/Panadero1/ill-of-the-world/internal/logging"
	"github.com/Panadero1/ill-of-the-world/internal/metrics"
	"github.com/Panadero1/ill-of-the-world/internal/protocol"
	"github.com/Panadero1/ill-of-the-world/internal/world"
)

// readBufSize размер одного чтения из соединения
const readBufSize = 1024

// sendQueueSize кадров в очереди отправки одного клиента
const sendQueueSize = 64

// writeTimeout предел записи одного кадра клиенту
const writeTimeout = 5 * time.Second

// Sink принимает обновления мира от клиентов
type Sink interface {
	Enqueue(u world.WorldUpdate) error
}

// Options параметры входящего сервера
type Options struct {
	Transport        string // tcp | kcp
	Addr             string
	UpdatesPerSecond float64 // предел обновлений на одно соединение
	Burst            int
}

// Ingress принимает соединения клиентов, разбирает их поток в обновления
// мира и рассылает клиентам дельты тиков из шины событий.
type Ingress struct {
	opts    Options
	sink    Sink
	bus     eventbus.EventBus
	metrics *metrics.Collector
	logger  *logging.Logger

	listener net.Listener
	deltaSub eventbus.Subscription

	clientsMu sync.RWMutex
	clients   map[uint64]*client
	nextID    uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	id      uint64
	conn    net.Conn
	out     chan []byte
	done    chan struct{}
	limiter *rate.Limiter
	once    sync.Once
}

// close закрывает соединение один раз и останавливает writer
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// NewIngress создаёт сервер; bus может быть nil (без рассылки и чата)
func NewIngress(opts Options, sink Sink, bus eventbus.EventBus, m *metrics.Collector) *Ingress {
	if opts.UpdatesPerSecond <= 0 {
		opts.UpdatesPerSecond = float64(rate.Inf)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Ingress{
		opts:    opts,
		sink:    sink,
		bus:     bus,
		metrics: m,
		logger:  logging.GetNetworkLogger(),
		clients: make(map[uint64]*client),
	}
}

func listen(transport, addr string) (net.Listener, error) {
	switch transport {
	case "", "tcp":
		return net.Listen("tcp", addr)
	case "kcp":
		return kcp.ListenWithOptions(addr, nil, 0, 0)
	default:
		return nil, fmt.Errorf("network: unknown transport %q", transport)
	}
}

// Start открывает слушатель и подписывается на дельты тиков
func (in *Ingress) Start() error {
	listener, err := listen(in.opts.Transport, in.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", in.opts.Addr, err)
	}
	in.listener = listener
	in.ctx, in.cancel = context.WithCancel(context.Background())

	if in.bus != nil {
		in.deltaSub, err = in.bus.Subscribe(in.ctx, eventbus.Filter{Types: []string{eventbus.EventTickDelta}},
			func(ctx context.Context, ev *eventbus.Envelope) {
				in.Broadcast(ev.Payload)
			})
		if err != nil {
			listener.Close()
			return fmt.Errorf("subscribe to deltas: %w", err)
		}
	}

	in.wg.Add(1)
	go in.acceptLoop()

	in.logger.Info("🚀 Приём обновлений (%s) на %s", in.transport(), listener.Addr())
	return nil
}

func (in *Ingress) transport() string {
	if in.opts.Transport == "" {
		return "tcp"
	}
	return in.opts.Transport
}

// Addr фактический адрес слушателя
func (in *Ingress) Addr() net.Addr {
	if in.listener == nil {
		return nil
	}
	return in.listener.Addr()
}

// Clients число подключённых клиентов
func (in *Ingress) Clients() int {
	in.clientsMu.RLock()
	defer in.clientsMu.RUnlock()
	return len(in.clients)
}

// Stop закрывает слушатель и все соединения и ждёт их горутины
func (in *Ingress) Stop() {
	if in.cancel == nil {
		return
	}
	in.cancel()
	if in.deltaSub != nil {
		in.deltaSub.Unsubscribe()
	}
	in.listener.Close()

	in.clientsMu.Lock()
	for _, c := range in.clients {
		c.close()
	}
	in.clientsMu.Unlock()

	in.wg.Wait()
	in.logger.Info("🛑 Приём обновлений остановлен")
}

// acceptLoop принимает входящие соединения
func (in *Ingress) acceptLoop() {
	defer in.wg.Done()

	for {
		conn, err := in.listener.Accept()
		if err != nil {
			select {
			case <-in.ctx.Done():
				return // Сервер останавливается
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			in.logger.Error("Ошибка принятия соединения: %v", err)
			continue
		}

		if sess, ok := conn.(*kcp.UDPSession); ok {
			// Настройки KCP для игрового трафика
			sess.SetStreamMode(true)
			sess.SetWriteDelay(false)
			sess.SetNoDelay(1, 20, 2, 1)
			sess.SetWindowSize(512, 512)
		}

		c := in.register(conn)
		if c == nil {
			return
		}
		in.wg.Add(2)
		go in.readLoop(c)
		go in.writeLoop(c)
	}
}

// register добавляет клиента; после начала Stop соединение закрывается
// и возвращается nil, иначе его не закрыл бы уже прошедший обход клиентов.
func (in *Ingress) register(conn net.Conn) *client {
	in.clientsMu.Lock()
	defer in.clientsMu.Unlock()

	if in.ctx.Err() != nil {
		conn.Close()
		return nil
	}

	in.nextID++
	c := &client{
		id:      in.nextID,
		conn:    conn,
		out:     make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(in.opts.UpdatesPerSecond), in.opts.Burst),
	}
	in.clients[c.id] = c
	in.logger.Debug("Клиент %d подключён: %s", c.id, conn.RemoteAddr())
	return c
}

func (in *Ingress) unregister(c *client) {
	in.clientsMu.Lock()
	delete(in.clients, c.id)
	in.clientsMu.Unlock()
	c.close()
}

// readLoop читает поток клиента и передаёт обновления в очередь мира
func (in *Ingress) readLoop(c *client) {
	defer in.wg.Done()
	defer in.unregister(c)

	decoder := NewStreamDecoder()
	buf := make([]byte, readBufSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, derr := decoder.Feed(buf[:n])
			for _, msg := range msgs {
				if !in.handle(c, msg) {
					return
				}
			}
			if derr != nil {
				in.logger.Warn("⚠️ Клиент %d: %v, соединение закрыто", c.id, derr)
				return
			}
		}
		if err != nil {
			in.logger.Debug("Клиент %d отключился: %v", c.id, err)
			return
		}
	}
}

// handle обрабатывает одно сообщение; false — соединение нужно закрыть
func (in *Ingress) handle(c *client, msg Message) bool {
	in.metrics.IngressMessage(msg.Type.String())

	switch msg.Type {
	case MsgBlockUpdate, MsgBlockUpdateXYZ:
		if err := c.limiter.Wait(in.ctx); err != nil {
			return false
		}
		if err := in.sink.Enqueue(msg.Update); err != nil {
			in.logger.Warn("⚠️ Обновление клиента %d отклонено: %v", c.id, err)
		}
	case MsgMessage:
		in.logger.Info("💬 Клиент %d: %s", c.id, msg.Text)
		if in.bus != nil {
			ev := eventbus.NewEnvelope("ingress", eventbus.EventChat, eventbus.PriorityLow, []byte(msg.Text))
			if err := in.bus.Publish(in.ctx, ev); err != nil {
				in.logger.Debug("Чат не опубликован: %v", err)
			}
		}
	case MsgPlayerPos:
		// позиция принимается, но сервер не ведёт игроков
		in.logger.Trace("Клиент %d: позиция %v", c.id, msg.Position)
	}
	return true
}

// writeLoop отправляет клиенту кадры из его очереди
func (in *Ingress) writeLoop(c *client) {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WriteFrame(c.conn, frame); err != nil {
				in.logger.Debug("Запись клиенту %d не удалась: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

// Broadcast ставит кадр в очередь каждого клиента. Клиент, не успевающий
// разбирать очередь, отключается: пропуск дельты рассинхронизирует его мир.
func (in *Ingress) Broadcast(payload []byte) {
	in.clientsMu.RLock()
	defer in.clientsMu.RUnlock()

	for _, c := range in.clients {
		select {
		case c.out <- payload:
		default:
			in.logger.Warn("⚠️ Клиент %d не успевает получать дельты, отключаем", c.id)
			c.close()
		}
	}
}
