// Package transporttest provides an in-memory transport.Transport for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/meshlink/internal/transport"
)

// Transport records calls and lets a test inject link events. Close is
// terminal, like the real transports.
type Transport struct {
	endpoint transport.Endpoint
	frames   chan []byte
	events   chan transport.LinkEvent

	mu           sync.Mutex
	openErrs     []error
	opens        int
	closes       int
	closed       bool
	reconnecting bool
	sent         [][]byte
}

var _ transport.Transport = (*Transport)(nil)

// New returns an unopened transport for ep.
func New(ep transport.Endpoint) *Transport {
	return &Transport{
		endpoint: ep,
		frames:   make(chan []byte, 16),
		events:   make(chan transport.LinkEvent, 16),
	}
}

// FailOpen makes the next len(errs) Open calls fail in order.
func (t *Transport) FailOpen(errs ...error) {
	t.mu.Lock()
	t.openErrs = append(t.openErrs, errs...)
	t.mu.Unlock()
}

// SetReconnecting sets what Reconnecting reports.
func (t *Transport) SetReconnecting(on bool) {
	t.mu.Lock()
	t.reconnecting = on
	t.mu.Unlock()
}

// Emit delivers a link event unless the transport is closed.
func (t *Transport) Emit(kind transport.LinkEventKind, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- transport.LinkEvent{Kind: kind, DeviceID: t.endpoint.DeviceID, Err: err, At: time.Now()}
}

// Opens returns how many times Open ran.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// Closed reports whether Close ran.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Open(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.closed {
		return transport.ErrClosed
	}
	if len(t.openErrs) > 0 {
		err := t.openErrs[0]
		t.openErrs = t.openErrs[1:]
		return err
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	if !t.closed {
		t.closed = true
		close(t.frames)
		close(t.events)
	}
	return nil
}

func (t *Transport) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrNotOpen
	}
	t.sent = append(t.sent, append([]byte(nil), frame...))
	return nil
}

func (t *Transport) Frames() <-chan []byte              { return t.frames }
func (t *Transport) Events() <-chan transport.LinkEvent { return t.events }
func (t *Transport) Endpoint() transport.Endpoint       { return t.endpoint }

func (t *Transport) Reconnecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnecting
}
