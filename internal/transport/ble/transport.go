package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/transport"
)

const (
	resolveTimeout     = 10 * time.Second
	resolvePoll        = 100 * time.Millisecond
	osReconnectWindow  = 90 * time.Second
	osReconnectBackoff = 2 * time.Second
	frameChanSize      = 256
	signalChanSize     = 64
)

// Transport is a companion link over one BlueZ device. When a trusted
// device drops, BlueZ is asked to bring it back and the drop is reported
// as AutoReconnectStarted rather than LinkLost.
type Transport struct {
	conn   *dbus.Conn
	dev    Device
	log    *zap.Logger
	frames chan []byte
	events chan transport.LinkEvent
	sigs   chan *dbus.Signal
	done   chan struct{}
	wg     sync.WaitGroup

	reconnecting atomic.Bool

	mu       sync.Mutex
	chars    characteristics
	rules    []string
	watching bool
	closed   bool
}

// New returns an unopened transport for d on conn.
func New(conn *dbus.Conn, d Device, log *zap.Logger) *Transport {
	return &Transport{
		conn:   conn,
		dev:    d,
		log:    log.With(zap.String("transport", "ble"), zap.String("address", d.Address)),
		frames: make(chan []byte, frameChanSize),
		events: make(chan transport.LinkEvent, 8),
		sigs:   make(chan *dbus.Signal, signalChanSize),
		done:   make(chan struct{}),
	}
}

func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return transport.ErrClosed
	}
	if t.chars.rx != "" {
		return nil
	}

	if !t.watching {
		if err := t.addMatch(t.dev.Path); err != nil {
			return err
		}
		t.conn.Signal(t.sigs)
		t.watching = true
		t.wg.Add(1)
		go t.watch()
	}

	chars, err := t.attach(ctx)
	if err != nil {
		return err
	}
	if err := t.addMatch(chars.tx); err != nil {
		return err
	}
	t.chars = chars
	t.log.Info("ble: connected", zap.String("tx", string(chars.tx)))
	return nil
}

// attach connects the device, waits for GATT resolution and enables TX
// notifications.
func (t *Transport) attach(ctx context.Context) (characteristics, error) {
	obj := t.conn.Object(bluezBusName, t.dev.Path)
	if err := obj.CallWithContext(ctx, bluezDevice+".Connect", 0).Err; err != nil {
		return characteristics{}, fmt.Errorf("ble: connect %s: %w", t.dev.Address, err)
	}
	if err := t.waitResolved(ctx, obj); err != nil {
		return characteristics{}, err
	}

	objects, err := managed(t.conn)
	if err != nil {
		return characteristics{}, err
	}
	chars, err := findCharacteristics(objects, t.dev.Path)
	if err != nil {
		return characteristics{}, err
	}
	tx := t.conn.Object(bluezBusName, chars.tx)
	if err := tx.CallWithContext(ctx, bluezGattChar+".StartNotify", 0).Err; err != nil {
		return characteristics{}, fmt.Errorf("ble: start notify: %w", err)
	}
	return chars, nil
}

func (t *Transport) waitResolved(ctx context.Context, obj dbus.BusObject) error {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()

	tick := time.NewTicker(resolvePoll)
	defer tick.Stop()
	for {
		v, err := obj.GetProperty(bluezDevice + ".ServicesResolved")
		if err == nil {
			if resolved, _ := v.Value().(bool); resolved {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ble: services not resolved: %w", ctx.Err())
		case <-tick.C:
		}
	}
}

func (t *Transport) addMatch(path dbus.ObjectPath) error {
	rule := matchRule(path)
	for _, r := range t.rules {
		if r == rule {
			return nil
		}
	}
	if err := t.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return fmt.Errorf("ble: add match: %w", err)
	}
	t.rules = append(t.rules, rule)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	chars := t.chars
	t.chars = characteristics{}
	rules := t.rules
	t.rules = nil
	t.mu.Unlock()

	if chars.tx != "" {
		_ = t.conn.Object(bluezBusName, chars.tx).Call(bluezGattChar+".StopNotify", 0).Err
	}
	err := t.conn.Object(bluezBusName, t.dev.Path).Call(bluezDevice+".Disconnect", 0).Err
	for _, r := range rules {
		_ = t.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, r).Err
	}
	t.conn.RemoveSignal(t.sigs)

	t.wg.Wait()
	close(t.frames)
	close(t.events)
	t.log.Info("ble: closed")
	return err
}

func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	rx := t.chars.rx
	t.mu.Unlock()
	if rx == "" || t.reconnecting.Load() {
		return transport.ErrNotOpen
	}
	opts := map[string]any{"type": "request"}
	if err := t.conn.Object(bluezBusName, rx).CallWithContext(ctx, bluezGattChar+".WriteValue", 0, frame, opts).Err; err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

func (t *Transport) Frames() <-chan []byte              { return t.frames }
func (t *Transport) Events() <-chan transport.LinkEvent { return t.events }
func (t *Transport) Reconnecting() bool                 { return t.reconnecting.Load() }

func (t *Transport) Endpoint() transport.Endpoint {
	return transport.Endpoint{DeviceID: t.dev.Address, Kind: transport.KindBLE, Address: string(t.dev.Path)}
}

func (t *Transport) watch() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.sigs:
			if !ok {
				return
			}
			if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			t.dispatch(sig.Path, changed)
		}
	}
}

func (t *Transport) dispatch(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	t.mu.Lock()
	tx := t.chars.tx
	t.mu.Unlock()

	switch path {
	case tx:
		value, ok := changed["Value"].Value().([]byte)
		if !ok {
			return
		}
		select {
		case t.frames <- value:
		case <-t.done:
		}
	case t.dev.Path:
		connected, ok := changed["Connected"].Value().(bool)
		if !ok || connected || t.reconnecting.Load() {
			return
		}
		t.dropped()
	}
}

func (t *Transport) dropped() {
	t.mu.Lock()
	if t.closed || t.chars.rx == "" {
		t.mu.Unlock()
		return
	}
	t.chars = characteristics{}
	t.mu.Unlock()

	if !t.dev.Trusted {
		t.log.Warn("ble: link lost")
		t.emit(transport.LinkLost, nil)
		return
	}
	t.log.Info("ble: link dropped, waiting for os reconnect")
	t.reconnecting.Store(true)
	t.emit(transport.AutoReconnectStarted, nil)
	t.wg.Add(1)
	go t.reconnect()
}

// reconnect keeps asking BlueZ to re-establish the link until it succeeds,
// the transport closes or the window runs out.
func (t *Transport) reconnect() {
	defer t.wg.Done()
	defer t.reconnecting.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), osReconnectWindow)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var lastErr error
	for {
		chars, err := t.attach(ctx)
		if err == nil {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			t.chars = chars
			addErr := t.addMatch(chars.tx)
			t.mu.Unlock()
			if addErr != nil {
				t.log.Warn("ble: re-add match after reconnect", zap.Error(addErr))
			}
			t.log.Info("ble: os reconnect completed")
			t.reconnecting.Store(false)
			t.emit(transport.AutoReconnectCompleted, nil)
			return
		}
		lastErr = err
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				t.log.Warn("ble: os reconnect gave up", zap.Error(lastErr))
				t.reconnecting.Store(false)
				t.emit(transport.LinkLost, lastErr)
			}
			return
		case <-time.After(osReconnectBackoff):
		}
	}
}

// emit reports a link event, waiting for the reader. Only the watch and
// reconnect goroutines call it, so Close cannot close events underneath.
func (t *Transport) emit(kind transport.LinkEventKind, err error) {
	select {
	case t.events <- transport.LinkEvent{Kind: kind, DeviceID: t.dev.Address, Err: err, At: time.Now()}:
	case <-t.done:
	}
}
