package connection

import (
	"errors"

	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/status"
	"github.com/matheus3301/meshlink/internal/transport"
)

// watchLink forwards tr's link events to the worker until tr is closed.
func (m *Manager) watchLink(tr transport.Transport) {
	for ev := range tr.Events() {
		ev := ev
		m.q.Post(func() { m.onLinkEvent(tr, ev) })
	}
}

func (m *Manager) onLinkEvent(tr transport.Transport, ev transport.LinkEvent) {
	if tr != m.tr {
		m.log.Debug("ignoring link event from a replaced transport",
			zap.String("device", ev.DeviceID), zap.Stringer("kind", ev.Kind))
		return
	}
	switch ev.Kind {
	case transport.LinkLost:
		m.handleLoss(ev.Err)
	case transport.AutoReconnectStarted:
		m.reconnect.HandleEnteringAutoReconnect(ev.DeviceID)
	case transport.AutoReconnectCompleted:
		m.reconnect.HandleReconnectionComplete(ev.DeviceID)
	}
}

// handleLoss settles disconnected after the link dropped for good.
func (m *Manager) handleLoss(cause error) {
	deviceID := m.deviceID
	reason := "link lost"
	if cause != nil {
		reason = cause.Error()
	}
	m.log.Warn("connection lost", zap.String("device", deviceID), zap.String("reason", reason))
	m.bump()
	m.teardown()
	m.deviceID = ""
	_ = m.machine.Transition(status.Disconnected)
	m.bus.Emit(bus.KindConnectionLost, LostEvent{DeviceID: deviceID, Reason: reason})
}

func (m *Manager) startResync(gen uint64) {
	m.stopResync()
	m.resyncFailures = 0
	m.scheduleResync(gen)
}

func (m *Manager) stopResync() {
	m.resyncTimer.Stop()
	m.resyncTimer = nil
}

func (m *Manager) scheduleResync(gen uint64) {
	m.resyncTimer = m.q.AfterFunc(m.cfg.ResyncInterval, func() { m.runResync(gen) })
}

func (m *Manager) runResync(gen uint64) {
	if gen != m.gen || m.session == nil {
		return
	}
	ctx, deviceID := m.genCtx, m.deviceID
	attempt := m.resyncFailures + 1
	m.log.Info("resyncing", zap.String("device", deviceID), zap.Int("attempt", attempt))
	go func() {
		ok := m.sync.PerformResync(ctx, deviceID)
		m.q.Post(func() { m.resyncDone(gen, ok) })
	}()
}

func (m *Manager) resyncDone(gen uint64, ok bool) {
	if gen != m.gen {
		return
	}
	if ok {
		m.log.Info("resync succeeded", zap.String("device", m.deviceID))
		m.resyncFailures = 0
		m.resyncTimer = nil
		return
	}
	m.resyncFailures++
	if m.resyncFailures < m.cfg.ResyncAttempts {
		m.scheduleResync(gen)
		return
	}

	deviceID := m.deviceID
	m.log.Error("resync attempts exhausted, disconnecting",
		zap.String("device", deviceID), zap.Int("attempts", m.resyncFailures))
	m.bus.Emit(bus.KindResyncExhausted, ResyncExhaustedEvent{DeviceID: deviceID, Attempts: m.resyncFailures})
	m.bump()
	m.teardown()
	m.deviceID = ""
	m.intent = IntentNone
	_ = m.machine.Transition(status.Disconnected)
}

// delegate lets the reconnect coordinator drive the manager. It runs on
// the same worker.
type delegate struct{ m *Manager }

func (d delegate) WantsConnection() bool { return d.m.intent == IntentWantsConnection }
func (d delegate) Generation() uint64    { return d.m.gen }

func (d delegate) NextGeneration() uint64 {
	gen, _ := d.m.bump()
	return gen
}

func (d delegate) TransportReconnecting() bool {
	return d.m.tr != nil && d.m.tr.Reconnecting()
}

func (d delegate) SuspendSession() {
	m := d.m
	// A sync still running on the old session must not declare ready.
	m.bump()
	m.stopResync()
	m.releaseSession()
	_ = m.machine.Transition(status.Connecting)
}

func (d delegate) DropTransport() {
	m := d.m
	m.bump()
	m.teardown()
	m.deviceID = ""
	_ = m.machine.Transition(status.Disconnected)
}

func (d delegate) RebuildSession(gen uint64, done func(error)) {
	m := d.m
	tr, deviceID, ctx, force := m.tr, m.deviceID, m.genCtx, m.force
	if tr == nil {
		done(transport.ErrNotOpen)
		return
	}
	ep := endpoint{deviceID: deviceID, kind: tr.Endpoint().Kind, address: tr.Endpoint().Address}
	go func() {
		err := m.attemptOn(ctx, gen, ep, tr)
		m.q.Post(func() { done(err) })
		if err != nil {
			return
		}
		if err := m.establish(ctx, gen, deviceID, force); err != nil && !errors.Is(err, ErrSuperseded) {
			m.log.Warn("sync after reconnect failed", zap.String("device", deviceID), zap.Error(err))
		}
	}()
}

func (d delegate) ReconnectionFailed(deviceID string, err error) {
	m := d.m
	if m.tr == nil && m.machine.Current() == status.Disconnected {
		return
	}
	reason := "reconnect failed"
	if err != nil {
		reason = err.Error()
	}
	m.bump()
	m.teardown()
	m.deviceID = ""
	_ = m.machine.Transition(status.Disconnected)
	m.bus.Emit(bus.KindConnectionLost, LostEvent{DeviceID: deviceID, Reason: reason})
}
