// Package transport provides the byte-frame links to a companion radio:
// BLE through BlueZ and TCP for radios exposing a serial bridge.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceNotFound is returned when no paired radio matches a device id.
	ErrDeviceNotFound = errors.New("transport: device not found")
	// ErrNotOpen is returned by Send before Open succeeds or after the link drops.
	ErrNotOpen = errors.New("transport: not open")
	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("transport: closed")
)

// Kind names a transport implementation.
type Kind string

const (
	KindBLE Kind = "ble"
	KindTCP Kind = "tcp"
)

// Endpoint identifies what a transport talks to.
type Endpoint struct {
	DeviceID string
	Kind     Kind
	Address  string
}

// LinkEventKind enumerates link-level changes reported by a transport.
type LinkEventKind int

const (
	// LinkLost means the link dropped and nothing will bring it back.
	LinkLost LinkEventKind = iota
	// AutoReconnectStarted means the link dropped and the OS is re-establishing it.
	AutoReconnectStarted
	// AutoReconnectCompleted means an OS reconnect finished and frames flow again.
	AutoReconnectCompleted
)

func (k LinkEventKind) String() string {
	switch k {
	case AutoReconnectStarted:
		return "auto_reconnect_started"
	case AutoReconnectCompleted:
		return "auto_reconnect_completed"
	default:
		return "lost"
	}
}

// LinkEvent is delivered on Transport.Events.
type LinkEvent struct {
	Kind     LinkEventKind
	DeviceID string
	Err      error
	At       time.Time
}

// Transport is a framed, bidirectional link to one radio. Open may be
// retried after a failure; Close is terminal and closes both channels.
// Implementations must be safe for concurrent use.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	// Send writes one companion frame.
	Send(ctx context.Context, frame []byte) error
	// Frames delivers inbound companion frames, one per radio frame.
	Frames() <-chan []byte
	Events() <-chan LinkEvent
	// Reconnecting reports whether an OS-driven reconnect is in progress.
	Reconnecting() bool
	Endpoint() Endpoint
}
