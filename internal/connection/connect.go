package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/status"
	"github.com/matheus3301/meshlink/internal/store"
	"github.com/matheus3301/meshlink/internal/transport"
)

// ReadyEvent is the payload of connection.ready.
type ReadyEvent struct {
	DeviceID  string
	Transport transport.Kind
}

// LostEvent is the payload of connection.lost.
type LostEvent struct {
	DeviceID string
	Reason   string
}

// ResyncExhaustedEvent is the payload of sync.resync_exhausted.
type ResyncExhaustedEvent struct {
	DeviceID string
	Attempts int
}

// onWorker runs fn on the worker from a goroutine doing I/O.
func (m *Manager) onWorker(fn func()) error {
	return m.q.Do(context.Background(), fn)
}

// run connects ep for generation gen and performs the first sync. When
// reuse is set the session is rebuilt on that already open transport.
func (m *Manager) run(ctx context.Context, gen uint64, genCtx context.Context, ep endpoint, force bool, reuse transport.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(genCtx, cancel)()

	var err error
	if reuse != nil {
		err = m.attemptOn(ctx, gen, ep, reuse)
	} else {
		err = m.connectWithRetry(ctx, gen, ep)
	}
	if err != nil {
		var stale bool
		_ = m.onWorker(func() { stale = !m.connectFailed(gen, ep, err) })
		if stale {
			return ErrSuperseded
		}
		return err
	}
	return m.establish(ctx, gen, ep.deviceID, force)
}

func (m *Manager) connectWithRetry(ctx context.Context, gen uint64, ep endpoint) error {
	b := retry.NewExponential(m.cfg.BaseDelay)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(m.cfg.MaxDelay, b)
	b = retry.WithMaxRetries(uint64(m.cfg.MaxAttempts-1), b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := m.attempt(ctx, gen, ep)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrSuperseded) || errors.Is(err, ErrDeviceNotFound) || ctx.Err() != nil {
			return err
		}
		m.log.Warn("connect attempt failed",
			zap.String("device", ep.deviceID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxAttempts),
			zap.Error(err))
		return retry.RetryableError(err)
	})
}

// attempt opens a fresh transport and handshakes on it. Anything it created
// is released again on failure.
func (m *Manager) attempt(ctx context.Context, gen uint64, ep endpoint) error {
	tr, err := m.openTransport(ctx, ep)
	if err != nil {
		return err
	}
	if err := m.attemptOn(ctx, gen, ep, tr); err != nil {
		_ = tr.Close()
		return err
	}
	return nil
}

func (m *Manager) openTransport(ctx context.Context, ep endpoint) (transport.Transport, error) {
	var tr transport.Transport
	switch ep.kind {
	case transport.KindTCP:
		tr = m.dialTCP(ep.deviceID, ep.address)
	default:
		if m.resolver == nil {
			return nil, fmt.Errorf("%s: %w", ep.deviceID, ErrDeviceNotFound)
		}
		var err error
		if tr, err = m.resolver.Transport(ctx, ep.deviceID); err != nil {
			return nil, err
		}
	}
	if err := tr.Open(ctx); err != nil {
		_ = tr.Close()
		return nil, err
	}
	return tr, nil
}

// attemptOn starts a session on an open transport and adopts both when gen
// is still current.
func (m *Manager) attemptOn(ctx context.Context, gen uint64, ep endpoint, tr transport.Transport) error {
	sess := m.newSession(tr)
	self, info, err := m.handshake(ctx, sess)
	if err != nil {
		sess.Stop()
		return err
	}

	var stale, watch bool
	if err := m.onWorker(func() {
		if gen != m.gen {
			stale = true
			return
		}
		watch = m.tr != tr
		m.tr, m.session, m.self = tr, sess, self
		m.deviceID = ep.deviceID
		_ = m.machine.Transition(status.Connected)
	}); err != nil || stale {
		sess.Stop()
		if err != nil {
			return err
		}
		return ErrSuperseded
	}
	if watch {
		go m.watchLink(tr)
	}
	m.recordDevice(tr.Endpoint(), self, info)
	m.log.Info("session established",
		zap.String("device", ep.deviceID),
		zap.String("name", self.Name),
		zap.String("model", info.Model),
		zap.String("firmware", info.Version))
	return nil
}

// handshake starts the session, queries the device and sets its clock,
// retrying the whole sequence a fixed number of times.
func (m *Manager) handshake(ctx context.Context, sess device.Session) (device.SelfInfo, device.DeviceInfo, error) {
	var lastErr error
	for i := 0; i < m.cfg.HandshakeAttempts; i++ {
		self, info, err := m.handshakeOnce(ctx, sess)
		if err == nil {
			return self, info, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		m.log.Debug("handshake failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	return device.SelfInfo{}, device.DeviceInfo{}, fmt.Errorf("%w: %w", ErrHandshake, lastErr)
}

func (m *Manager) handshakeOnce(ctx context.Context, sess device.Session) (device.SelfInfo, device.DeviceInfo, error) {
	self, err := sess.Start(ctx)
	if err != nil {
		return self, device.DeviceInfo{}, fmt.Errorf("start: %w", err)
	}
	info, err := sess.QueryDevice(ctx)
	if err != nil {
		return self, info, fmt.Errorf("query device: %w", err)
	}
	if err := sess.SetTime(ctx, m.now()); err != nil {
		return self, info, fmt.Errorf("set time: %w", err)
	}
	return self, info, nil
}

func (m *Manager) recordDevice(ep transport.Endpoint, self device.SelfInfo, info device.DeviceInfo) {
	if m.db == nil {
		return
	}
	err := m.db.UpsertDevice(&store.Device{
		ID:              ep.DeviceID,
		Transport:       string(ep.Kind),
		Address:         ep.Address,
		Name:            self.Name,
		PublicKey:       self.PublicKey.String(),
		FirmwareVersion: int(info.FirmwareVersion),
		Model:           info.Model,
		Version:         info.Version,
		MaxContacts:     info.MaxContacts,
		MaxChannels:     info.MaxChannels,
		LastConnectedAt: m.now().Unix(),
	})
	if err != nil {
		m.log.Error("failed to record device", zap.String("device", ep.DeviceID), zap.Error(err))
	}
}

// establish runs the first sync for gen and then declares the connection
// ready. A failed sync hands over to the resync loop.
func (m *Manager) establish(ctx context.Context, gen uint64, deviceID string, force bool) error {
	var sess device.Session
	if err := m.onWorker(func() {
		if gen == m.gen {
			sess = m.session
		}
	}); err != nil {
		return err
	}
	if sess == nil {
		return ErrSuperseded
	}

	syncErr := m.sync.OnConnectionEstablished(ctx, deviceID, sess, force)

	var stale bool
	if err := m.onWorker(func() {
		if gen != m.gen || m.machine.Current() != status.Connected {
			stale = true
			return
		}
		m.force = false
		_ = m.machine.Transition(status.Ready)
		var kind transport.Kind
		if m.tr != nil {
			kind = m.tr.Endpoint().Kind
		}
		m.bus.Emit(bus.KindConnectionReady, ReadyEvent{DeviceID: deviceID, Transport: kind})
		if syncErr != nil {
			m.log.Warn("first sync failed, scheduling resync", zap.String("device", deviceID), zap.Error(syncErr))
			m.startResync(gen)
		}
	}); err != nil {
		return err
	}
	if stale {
		return ErrSuperseded
	}
	return nil
}

// connectFailed settles a failed connect for gen. It reports false when
// gen was already superseded.
func (m *Manager) connectFailed(gen uint64, ep endpoint, err error) bool {
	if gen != m.gen {
		m.log.Debug("discarding superseded connect failure", zap.String("device", ep.deviceID), zap.Error(err))
		return false
	}
	m.log.Error("connect failed", zap.String("device", ep.deviceID), zap.Error(err))
	m.bump()
	m.teardown()
	m.deviceID = ""
	m.intent = IntentNone
	_ = m.machine.Transition(status.Disconnected)
	return true
}
