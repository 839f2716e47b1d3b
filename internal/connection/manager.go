// Package connection owns the radio connection lifecycle: what connected
// means at any instant, retries, device switches, loss handling and the
// resync loop that follows a failed first sync.
//
// Every piece of mutable state lives on a single serial worker. Blocking I/O
// runs between worker turns and its results are applied only when the
// generation captured before the I/O is still current.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/logging"
	"github.com/matheus3301/meshlink/internal/reconnect"
	"github.com/matheus3301/meshlink/internal/serial"
	"github.com/matheus3301/meshlink/internal/status"
	"github.com/matheus3301/meshlink/internal/store"
	"github.com/matheus3301/meshlink/internal/transport"
)

var (
	// ErrDeviceNotFound is returned when no paired radio matches the device id.
	ErrDeviceNotFound = transport.ErrDeviceNotFound
	// ErrSuperseded is returned when a newer request or a disconnect
	// overtook the operation.
	ErrSuperseded = errors.New("connection: superseded")
	// ErrHandshake wraps the last error of a failed session handshake.
	ErrHandshake = errors.New("connection: handshake failed")
	// ErrNotReady is returned by SendText outside the ready state.
	ErrNotReady = errors.New("connection: not ready")
)

// Intent is what the user last asked for.
type Intent int

const (
	IntentNone Intent = iota
	IntentUserDisconnected
	IntentWantsConnection
)

func (i Intent) String() string {
	switch i {
	case IntentUserDisconnected:
		return "user_disconnected"
	case IntentWantsConnection:
		return "wants_connection"
	default:
		return "none"
	}
}

// Syncer keeps the store in step with a live session.
type Syncer interface {
	OnConnectionEstablished(ctx context.Context, deviceID string, s device.Session, force bool) error
	PerformResync(ctx context.Context, deviceID string) bool
	OnDisconnected()
	SetForeground(fg bool)
}

// Resolver builds unopened transports for paired radios. Both methods return
// an error matching ErrDeviceNotFound for unknown ids.
type Resolver interface {
	Resolve(ctx context.Context, deviceID string) error
	Transport(ctx context.Context, deviceID string) (transport.Transport, error)
}

// SessionFactory starts a session over an open transport.
type SessionFactory func(tr transport.Transport) device.Session

// TCPDialer builds an unopened TCP transport.
type TCPDialer func(deviceID, addr string) transport.Transport

// Config tunes the manager. Zero fields take defaults.
type Config struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	HandshakeAttempts int
	ResyncAttempts    int
	ResyncInterval    time.Duration
	Reconnect         reconnect.Config
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 300 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.HandshakeAttempts <= 0 {
		c.HandshakeAttempts = 3
	}
	if c.ResyncAttempts <= 0 {
		c.ResyncAttempts = 3
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 2 * time.Second
	}
	return c
}

// Deps are the manager's collaborators.
type Deps struct {
	Machine    *status.Machine
	Bus        *bus.Bus
	Store      *store.DB
	Sync       Syncer
	Resolver   Resolver
	DialTCP    TCPDialer
	NewSession SessionFactory
	Config     Config
	Logger     *zap.Logger
}

// Status is a point-in-time view of the connection.
type Status struct {
	State      status.State
	Since      time.Time
	DeviceID   string
	Transport  transport.Kind
	Intent     Intent
	Generation uint64
	Reconnect  reconnect.State
	SelfName   string
}

// endpoint is what a connect attempt targets.
type endpoint struct {
	deviceID string
	kind     transport.Kind
	address  string
}

// Manager is the single owner of the connection state.
type Manager struct {
	q          *serial.Queue
	machine    *status.Machine
	bus        *bus.Bus
	db         *store.DB
	sync       Syncer
	resolver   Resolver
	dialTCP    TCPDialer
	newSession SessionFactory
	cfg        Config
	log        *zap.Logger
	now        func() time.Time
	reconnect  *reconnect.Coordinator

	// Worker-owned.
	intent         Intent
	force          bool
	gen            uint64
	genCtx         context.Context
	cancel         context.CancelFunc
	deviceID       string
	tr             transport.Transport
	session        device.Session
	self           device.SelfInfo
	resyncTimer    *serial.Timer
	resyncFailures int
}

// New creates a manager in the disconnected state. A persisted user
// disconnect is restored as the initial intent.
func New(d Deps) *Manager {
	m := &Manager{
		q:          serial.New(),
		machine:    d.Machine,
		bus:        d.Bus,
		db:         d.Store,
		sync:       d.Sync,
		resolver:   d.Resolver,
		dialTCP:    d.DialTCP,
		newSession: d.NewSession,
		cfg:        d.Config.withDefaults(),
		log:        logging.OrNop(d.Logger),
		now:        time.Now,
	}
	m.genCtx, m.cancel = context.WithCancel(context.Background())
	m.reconnect = reconnect.New(m.q, delegate{m}, m.cfg.Reconnect, m.log.Named("reconnect"))

	if m.db != nil {
		off, err := m.db.UserDisconnected()
		if err != nil {
			m.log.Warn("failed to read persisted intent", zap.Error(err))
		}
		if off {
			m.intent = IntentUserDisconnected
		}
	}
	return m
}

// Connect connects to a paired radio. It is a no-op when already linked to
// deviceID and a device switch when linked to another radio. It returns once
// the first sync has been attempted.
func (m *Manager) Connect(ctx context.Context, deviceID string, forceFullSync bool) error {
	return m.connect(ctx, m.endpointFor(deviceID), forceFullSync)
}

// ConnectViaAlternateTransport connects through a TCP serial bridge.
func (m *Manager) ConnectViaAlternateTransport(ctx context.Context, host string, port int, forceFullSync bool) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return m.connect(ctx, endpoint{deviceID: "tcp:" + addr, kind: transport.KindTCP, address: addr}, forceFullSync)
}

// AutoConnect connects to deviceID unless the user last asked to stay
// disconnected.
func (m *Manager) AutoConnect(ctx context.Context, deviceID string) error {
	var blocked bool
	if err := m.q.Do(ctx, func() { blocked = m.intent == IntentUserDisconnected }); err != nil {
		return err
	}
	if blocked {
		m.log.Info("skipping auto-connect after user disconnect", zap.String("device", deviceID))
		return nil
	}
	return m.Connect(ctx, deviceID, false)
}

func (m *Manager) connect(ctx context.Context, ep endpoint, force bool) error {
	var (
		gen       uint64
		genCtx    context.Context
		noop      bool
		switching bool
	)
	err := m.q.Do(ctx, func() {
		m.setIntent(IntentWantsConnection)
		cur := m.machine.Current()
		if cur.IsLinked() && m.deviceID == ep.deviceID {
			noop = true
			return
		}
		if cur.IsLinked() {
			switching = true
			return
		}
		m.force = force
		gen, genCtx = m.bump()
		m.teardown()
		m.deviceID = ep.deviceID
		_ = m.machine.Transition(status.Connecting)
		m.log.Info("connecting", zap.String("device", ep.deviceID), zap.String("transport", string(ep.kind)))
	})
	switch {
	case err != nil:
		return err
	case noop:
		m.log.Debug("already connected", zap.String("device", ep.deviceID))
		return nil
	case switching:
		return m.switchTo(ctx, ep)
	}
	return m.run(ctx, gen, genCtx, ep, force, nil)
}

// SwitchDevice moves the connection to deviceID. The transport is kept when
// it already targets deviceID; the new session always runs a full sync.
func (m *Manager) SwitchDevice(ctx context.Context, deviceID string) error {
	return m.switchTo(ctx, m.endpointFor(deviceID))
}

func (m *Manager) switchTo(ctx context.Context, ep endpoint) error {
	// An unknown radio must not cost the working connection.
	if ep.kind == transport.KindBLE {
		if err := m.resolve(ctx, ep.deviceID); err != nil {
			return err
		}
	}

	var (
		gen    uint64
		genCtx context.Context
		keep   transport.Transport
	)
	err := m.q.Do(ctx, func() {
		m.setIntent(IntentWantsConnection)
		m.force = true
		gen, genCtx = m.bump()
		m.stopResync()
		m.reconnect.Reset()
		m.releaseSession()
		if m.tr != nil && m.tr.Endpoint().DeviceID == ep.deviceID {
			keep = m.tr
			cur := m.tr.Endpoint()
			ep = endpoint{deviceID: cur.DeviceID, kind: cur.Kind, address: cur.Address}
		} else if m.tr != nil {
			_ = m.tr.Close()
			m.tr = nil
		}
		if keep == nil && ep.kind == transport.KindBLE {
			ep = m.knownEndpoint(ep)
		}
		m.deviceID = ep.deviceID
		_ = m.machine.Transition(status.Connecting)
		m.log.Info("switching device", zap.String("device", ep.deviceID), zap.Bool("reuse_transport", keep != nil))
	})
	if err != nil {
		return err
	}
	return m.run(ctx, gen, genCtx, ep, true, keep)
}

// endpointFor maps a device id to how it is reached. Ids of the form
// "tcp:host:port" name a TCP bridge.
func (m *Manager) endpointFor(deviceID string) endpoint {
	if addr, ok := strings.CutPrefix(deviceID, "tcp:"); ok {
		return endpoint{deviceID: deviceID, kind: transport.KindTCP, address: addr}
	}
	return m.knownEndpoint(endpoint{deviceID: deviceID, kind: transport.KindBLE})
}

func (m *Manager) resolve(ctx context.Context, deviceID string) error {
	if m.resolver == nil {
		return fmt.Errorf("%s: %w", deviceID, ErrDeviceNotFound)
	}
	return m.resolver.Resolve(ctx, deviceID)
}

// knownEndpoint restores how a previously seen device was reached.
func (m *Manager) knownEndpoint(ep endpoint) endpoint {
	if m.db == nil {
		return ep
	}
	d, err := m.db.GetDevice(ep.deviceID)
	if err != nil || d == nil || d.Transport != string(transport.KindTCP) {
		return ep
	}
	return endpoint{deviceID: d.ID, kind: transport.KindTCP, address: d.Address}
}

// Disconnect tears everything down and remembers that the user wants to
// stay disconnected. A second call is a no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.q.Do(ctx, func() {
		if m.intent == IntentUserDisconnected && m.machine.Current() == status.Disconnected && m.tr == nil {
			return
		}
		m.setIntent(IntentUserDisconnected)
		m.bump()
		m.teardown()
		m.deviceID = ""
		_ = m.machine.Transition(status.Disconnected)
		m.log.Info("disconnected by user")
	})
}

// Close releases the connection without recording a user disconnect and
// stops the worker.
func (m *Manager) Close() {
	_ = m.q.Do(context.Background(), func() {
		m.bump()
		m.teardown()
		m.deviceID = ""
		_ = m.machine.Transition(status.Disconnected)
		m.cancel()
	})
	m.q.Stop()
}

// SendText sends text to a conversation through the live session.
func (m *Manager) SendText(ctx context.Context, conversation, text string) (device.SentInfo, error) {
	target, err := device.ParseConversation(conversation)
	if err != nil {
		return device.SentInfo{}, err
	}
	var sess device.Session
	if err := m.q.Do(ctx, func() {
		if m.machine.Current() == status.Ready {
			sess = m.session
		}
	}); err != nil {
		return device.SentInfo{}, err
	}
	if sess == nil {
		return device.SentInfo{}, ErrNotReady
	}
	return sess.SendText(ctx, target, text, m.now())
}

// SetForeground forwards whether a client is in the foreground to sync policy.
func (m *Manager) SetForeground(fg bool) {
	m.sync.SetForeground(fg)
}

// Status returns a snapshot of the connection.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var s Status
	err := m.q.Do(ctx, func() {
		s = Status{
			State:      m.machine.Current(),
			Since:      m.machine.Since(),
			DeviceID:   m.deviceID,
			Intent:     m.intent,
			Generation: m.gen,
			Reconnect:  m.reconnect.State(),
			SelfName:   m.self.Name,
		}
		if m.tr != nil {
			s.Transport = m.tr.Endpoint().Kind
		}
	})
	return s, err
}

// bump invalidates in-flight work by starting a new generation.
func (m *Manager) bump() (uint64, context.Context) {
	m.cancel()
	m.genCtx, m.cancel = context.WithCancel(context.Background())
	m.gen++
	return m.gen, m.genCtx
}

func (m *Manager) setIntent(i Intent) {
	prev := m.intent
	m.intent = i
	if m.db == nil || prev == i {
		return
	}
	switch {
	case i == IntentUserDisconnected:
		if err := m.db.SetUserDisconnected(true); err != nil {
			m.log.Warn("failed to persist intent", zap.Error(err))
		}
	case prev == IntentUserDisconnected:
		if err := m.db.SetUserDisconnected(false); err != nil {
			m.log.Warn("failed to clear persisted intent", zap.Error(err))
		}
	}
}

// teardown releases the session and transport and stops every timer.
func (m *Manager) teardown() {
	m.stopResync()
	m.reconnect.Reset()
	m.releaseSession()
	if m.tr != nil {
		_ = m.tr.Close()
		m.tr = nil
	}
}

func (m *Manager) releaseSession() {
	if m.session != nil {
		m.session.Stop()
		m.session = nil
	}
	m.sync.OnDisconnected()
}
