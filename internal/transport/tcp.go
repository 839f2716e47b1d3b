package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	tcpDialTimeout   = 5 * time.Second
	tcpFrameChanSize = 256
	eventChanSize    = 8
)

// TCP talks to a radio through a TCP serial bridge using '<'/'>' stream
// framing. It does not redial on its own; a dropped socket is LinkLost.
type TCP struct {
	endpoint Endpoint
	log      *zap.Logger
	frames   chan []byte
	events   chan LinkEvent
	done     chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	writeMu sync.Mutex
}

// NewTCP returns an unopened transport for host:port.
func NewTCP(deviceID, addr string, log *zap.Logger) *TCP {
	return &TCP{
		endpoint: Endpoint{DeviceID: deviceID, Kind: KindTCP, Address: addr},
		log:      log.With(zap.String("transport", "tcp"), zap.String("addr", addr)),
		frames:   make(chan []byte, tcpFrameChanSize),
		events:   make(chan LinkEvent, eventChanSize),
		done:     make(chan struct{}),
	}
}

func (t *TCP) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: tcpDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.endpoint.Address)
	if err != nil {
		return fmt.Errorf("tcp: dial %s: %w", t.endpoint.Address, err)
	}
	t.conn = conn
	t.log.Info("tcp: connected")

	t.wg.Add(1)
	go t.readLoop(conn)
	return nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	close(t.frames)
	close(t.events)
	return err
}

func (t *TCP) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := WriteFrame(conn, FrameToRadio, frame); err != nil {
		return fmt.Errorf("tcp: send: %w", err)
	}
	return nil
}

func (t *TCP) Frames() <-chan []byte    { return t.frames }
func (t *TCP) Events() <-chan LinkEvent { return t.events }
func (t *TCP) Reconnecting() bool       { return false }
func (t *TCP) Endpoint() Endpoint       { return t.endpoint }

func (t *TCP) readLoop(conn net.Conn) {
	defer t.wg.Done()

	r := bufio.NewReader(conn)
	for {
		payload, err := ReadFrame(r, FrameFromRadio)
		if err != nil {
			t.lost(conn, err)
			return
		}
		select {
		case t.frames <- payload:
		case <-t.done:
			return
		}
	}
}

func (t *TCP) lost(conn net.Conn, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.conn == conn {
		t.conn = nil
		_ = conn.Close()
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	t.log.Warn("tcp: connection lost", zap.Error(err))
	select {
	case t.events <- LinkEvent{Kind: LinkLost, DeviceID: t.endpoint.DeviceID, Err: err, At: time.Now()}:
	default:
	}
}
