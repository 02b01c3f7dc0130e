package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/xtaci/kcp-go/v5"

	"github.com/Panadero1/ill-of-the-world/internal/eventbus"
	"github.com/Panadero1/ill-of-the-world/internal/network"
	"github.com/Panadero1/ill-of-the-world/internal/protocol"
)

const (
	defaultIngressAddr = "localhost:7777"
	defaultNatsURL     = "nats://127.0.0.1:4222"
)

func main() {
	var (
		command   = flag.String("cmd", "watch", "Command: watch, tail, send")
		addr      = flag.String("addr", defaultIngressAddr, "ingress address (watch, send)")
		transport = flag.String("transport", "tcp", "ingress transport: tcp | kcp")
		natsURL   = flag.String("nats", defaultNatsURL, "NATS URL (tail)")
		stream    = flag.String("stream", "WORLD", "JetStream stream (tail)")
		types     = flag.String("types", "", "Event types filter (comma-separated, tail)")
		xyz       = flag.String("xyz", "", "Block position x,y,z (send)")
		kind      = flag.Int("kind", 1, "Block kind (send)")
		say       = flag.String("say", "", "Chat message (send)")
		limit     = flag.Int("limit", 0, "Stop after N deltas/events (0 — until Ctrl+C)")
		zstd      = flag.Bool("zstd", true, "Deltas are zstd-compressed")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	codec, err := newCodec(*zstd)
	if err != nil {
		log.Fatalf("❌ Codec: %v", err)
	}

	switch *command {
	case "watch":
		err = watchDeltas(ctx, *transport, *addr, codec, *limit)
	case "tail":
		err = tailEvents(ctx, *natsURL, *stream, parseStringList(*types), codec, *limit)
	case "send":
		err = sendUpdate(*transport, *addr, *xyz, *kind, *say)
	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: watch, tail, send")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("❌ %s failed: %v", *command, err)
	}
}

func newCodec(compressed bool) (protocol.DeltaCodec, error) {
	if compressed {
		return protocol.NewZstdCodec()
	}
	return protocol.NewBinaryCodec(), nil
}

func dial(transport, addr string) (net.Conn, error) {
	if transport == "kcp" {
		sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		sess.SetStreamMode(true)
		sess.SetNoDelay(1, 20, 2, 1)
		return sess, nil
	}
	return net.Dial("tcp", addr)
}

// watchDeltas подключается к ingress и печатает приходящие дельты тиков
func watchDeltas(ctx context.Context, transport, addr string, codec protocol.DeltaCodec, limit int) error {
	conn, err := dial(transport, addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	fmt.Printf("🎬 Watching deltas from %s (%s)\n", addr, transport)

	count := 0
	for limit == 0 || count < limit {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				break
			}
			return fmt.Errorf("read frame: %w", err)
		}
		delta, err := codec.Decode(frame)
		if err != nil {
			return fmt.Errorf("decode delta: %w", err)
		}
		printDelta(delta)
		count++
	}

	fmt.Printf("\n📊 Total deltas: %d\n", count)
	return nil
}

// tailEvents выводит события шины JetStream в реальном времени
func tailEvents(ctx context.Context, url, stream string, types []string, codec protocol.DeltaCodec, limit int) error {
	bus, err := eventbus.NewJetStreamBus(url, stream, 0)
	if err != nil {
		return err
	}
	defer bus.Close()

	fmt.Printf("🎬 Tailing %s (types: %v)\n", stream, types)

	events := make(chan *eventbus.Envelope, 64)
	sub, err := bus.Subscribe(ctx, eventbus.Filter{Types: types}, func(_ context.Context, ev *eventbus.Envelope) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	count := 0
	for limit == 0 || count < limit {
		select {
		case <-ctx.Done():
			fmt.Printf("\n📊 Total events: %d\n", count)
			return nil
		case ev := <-events:
			printEvent(ev, codec)
			count++
		}
	}
	fmt.Printf("\n📊 Total events: %d\n", count)
	return nil
}

// sendUpdate отправляет одно обновление блока и/или сообщение чата
func sendUpdate(transport, addr, xyz string, kind int, say string) error {
	if xyz == "" && say == "" {
		return errors.New("nothing to send: use -xyz and/or -say")
	}

	var payload []byte
	if xyz != "" {
		x, y, z, err := parseXYZ(xyz)
		if err != nil {
			return err
		}
		if kind < 0 || kind > 255 {
			return fmt.Errorf("kind %d out of range [0,255]", kind)
		}
		payload = network.EncodeBlockUpdateXYZ(payload, x, y, z, uint8(kind))
	}
	if say != "" {
		payload = network.EncodeChat(payload, say)
	}

	conn, err := dial(transport, addr)
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return err
	}
	fmt.Printf("📤 Sent %d bytes to %s\n", len(payload), addr)
	return nil
}

// printEvent выводит событие в читаемом формате
func printEvent(ev *eventbus.Envelope, codec protocol.DeltaCodec) {
	fmt.Printf("[%s] %s [%s] %s\n",
		ev.Timestamp.Format("15:04:05"),
		ev.Source,
		ev.EventType,
		ev.ID)

	switch ev.EventType {
	case eventbus.EventTickDelta:
		delta, err := codec.Decode(ev.Payload)
		if err != nil {
			fmt.Printf("  ⚠️ undecodable delta: %v\n", err)
			return
		}
		printDelta(delta)
	case eventbus.EventChat:
		fmt.Printf("  💬 %s\n", ev.Payload)
	}
}

func printDelta(d *protocol.TickDelta) {
	fmt.Printf("  Tick %d: %d changes\n", d.Tick, len(d.Changes))
	for i, c := range d.Changes {
		if i == 8 {
			fmt.Printf("    ... %d more\n", len(d.Changes)-i)
			break
		}
		x, y, z := c.Pos.XYZ()
		fmt.Printf("    (%d,%d,%d) kind=%d aux=%d\n", x, y, z, c.Block.Kind, c.Block.Aux)
	}
}

// parseXYZ парсит "x,y,z"
func parseXYZ(s string) (x int16, y uint8, z int16, err error) {
	parts := parseStringList(s)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid position %q, want x,y,z", s)
	}
	xv, errX := strconv.ParseInt(parts[0], 10, 16)
	yv, errY := strconv.ParseUint(parts[1], 10, 8)
	zv, errZ := strconv.ParseInt(parts[2], 10, 16)
	if err := errors.Join(errX, errY, errZ); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid position %q: %w", s, err)
	}
	return int16(xv), uint8(yv), int16(zv), nil
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
