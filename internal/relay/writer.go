package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// clientConn is the client side of a relay connection. *websocket.Conn
// implements it.
type clientConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

type outboundFrame struct {
	typ  websocket.MessageType
	data []byte
}

// writer is the only goroutine that writes to the client. Control messages
// go through the priority lane and are always written before queued audio;
// audio goes through the bounded normal lane and is dropped when the client
// cannot keep up.
type writer struct {
	conn         clientConn
	priority     chan outboundFrame
	normal       chan outboundFrame
	pingInterval time.Duration
	writeTimeout time.Duration

	// muted discards audio already queued when assistant output is cut off.
	muted atomic.Bool
}

func newWriter(conn clientConn, queue int, pingInterval, writeTimeout time.Duration) *writer {
	if queue <= 0 {
		queue = 256
	}
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &writer{
		conn:         conn,
		priority:     make(chan outboundFrame, 64),
		normal:       make(chan outboundFrame, queue),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
}

// control queues v as a JSON text frame on the priority lane. It blocks
// until there is room or ctx is done.
func (w *writer) control(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("relay: encode %T: %w", v, err)
	}
	select {
	case w.priority <- outboundFrame{typ: websocket.MessageText, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// audio queues one chunk of assistant audio. It reports false when the
// chunk was dropped because the lane is full or output is muted.
func (w *writer) audio(p []byte) bool {
	if w.muted.Load() {
		return false
	}
	select {
	case w.normal <- outboundFrame{typ: websocket.MessageBinary, data: p}:
		return true
	default:
		return false
	}
}

// discardAudio empties the normal lane and returns the number of frames
// dropped.
func (w *writer) discardAudio() int {
	n := 0
	for {
		select {
		case <-w.normal:
			n++
		default:
			return n
		}
	}
}

// mute stops all further audio output.
func (w *writer) mute() int {
	w.muted.Store(true)
	return w.discardAudio()
}

// run writes queued frames until ctx is done or a write fails. Pings keep
// the connection alive and detect dead peers.
func (w *writer) run(ctx context.Context) error {
	ping := time.NewTicker(w.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushPriority()
			return nil
		default:
		}

		// Hard priority: control frames go before any queued audio.
		select {
		case f := <-w.priority:
			if err := w.write(ctx, f); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			w.flushPriority()
			return nil
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
			err := w.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("relay: client ping: %w", err)
			}
		case f := <-w.priority:
			if err := w.write(ctx, f); err != nil {
				return err
			}
		case f := <-w.normal:
			if f.typ == websocket.MessageBinary && w.muted.Load() {
				continue
			}
			if err := w.write(ctx, f); err != nil {
				return err
			}
		}
	}
}

// flushPriority writes control frames still queued at shutdown, such as the
// final usage report, within a short bound.
func (w *writer) flushPriority() {
	deadline := time.Now().Add(100 * time.Millisecond)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for i := 0; i < 16 && time.Now().Before(deadline); i++ {
		select {
		case f := <-w.priority:
			if err := w.conn.Write(ctx, f.typ, f.data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *writer) write(ctx context.Context, f outboundFrame) error {
	wctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()
	if err := w.conn.Write(wctx, f.typ, f.data); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("relay: client write: %w", err)
	}
	return nil
}
