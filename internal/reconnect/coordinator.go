// Package reconnect follows a transport through an OS-driven reconnect:
// it holds the UI in connecting while the link is re-established, then
// rebuilds the session on top of the restored transport.
package reconnect

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/logging"
	"github.com/matheus3301/meshlink/internal/serial"
)

// ErrTimeout is reported when the transport did not come back in time.
var ErrTimeout = errors.New("reconnect: timed out waiting for transport")

// State is the coordinator's progress through a reconnect.
type State string

const (
	Idle                State = "idle"
	AwaitingOSReconnect State = "awaiting_os_reconnect"
	Rebuilding          State = "rebuilding"
)

// Delegate is the connection owner the coordinator drives. Every method is
// invoked on the shared worker.
type Delegate interface {
	// WantsConnection reports whether the user still wants a connection.
	WantsConnection() bool
	// Generation returns the current reconnect generation.
	Generation() uint64
	// NextGeneration invalidates in-flight work and returns the new generation.
	NextGeneration() uint64
	// TransportReconnecting reports whether the transport is still trying.
	TransportReconnecting() bool
	// SuspendSession stops the session, keeps the transport and moves to
	// connecting.
	SuspendSession()
	// DropTransport tears everything down without reconnecting.
	DropTransport()
	// RebuildSession starts a new session on the restored transport and
	// calls done on the worker with the outcome.
	RebuildSession(gen uint64, done func(error))
	// ReconnectionFailed tears down and settles disconnected.
	ReconnectionFailed(deviceID string, err error)
}

// Config tunes the coordinator. Zero fields take defaults.
type Config struct {
	UITimeout  time.Duration
	Ceiling    time.Duration
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.UITimeout <= 0 {
		c.UITimeout = 15 * time.Second
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 60 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Coordinator is owned by the worker: all methods must run on q.
type Coordinator struct {
	q        *serial.Queue
	delegate Delegate
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	state    State
	deviceID string
	deadline time.Time
	timeout  *serial.Timer
	retry    *serial.Timer
}

// New creates an idle coordinator.
func New(q *serial.Queue, d Delegate, cfg Config, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		q:        q,
		delegate: d,
		cfg:      cfg.withDefaults(),
		log:      logging.OrNop(logger),
		now:      time.Now,
		state:    Idle,
	}
}

// State returns the current state.
func (c *Coordinator) State() State { return c.state }

// DeviceID returns the device being waited on, if any.
func (c *Coordinator) DeviceID() string { return c.deviceID }

// HandleEnteringAutoReconnect is called when the transport reports the OS
// started reconnecting deviceID.
func (c *Coordinator) HandleEnteringAutoReconnect(deviceID string) {
	if !c.delegate.WantsConnection() {
		c.log.Info("auto-reconnect without connection intent, dropping transport", zap.String("device", deviceID))
		c.Reset()
		c.delegate.DropTransport()
		return
	}

	c.stopTimers()
	c.state = AwaitingOSReconnect
	c.deviceID = deviceID
	c.deadline = c.now().Add(c.cfg.Ceiling)
	c.delegate.SuspendSession()
	c.armTimeout(c.cfg.UITimeout)
	c.log.Info("waiting for OS reconnect",
		zap.String("device", deviceID),
		zap.Duration("timeout", c.cfg.UITimeout),
		zap.Duration("ceiling", c.cfg.Ceiling))
}

// HandleReconnectionComplete is called when the transport reports the link
// is back. Completions for any other device are ignored and leave the
// pending timeout armed.
func (c *Coordinator) HandleReconnectionComplete(deviceID string) {
	if c.state != AwaitingOSReconnect {
		c.log.Debug("reconnect completion while not waiting", zap.String("device", deviceID), zap.String("state", string(c.state)))
		return
	}
	if deviceID != c.deviceID {
		c.log.Info("ignoring reconnect completion for another device",
			zap.String("device", deviceID), zap.String("expected", c.deviceID))
		return
	}

	c.timeout.Stop()
	c.timeout = nil
	c.state = Rebuilding
	gen := c.delegate.NextGeneration()
	c.rebuild(gen, 1)
}

// Reset abandons any reconnect in progress.
func (c *Coordinator) Reset() {
	c.stopTimers()
	c.state = Idle
	c.deviceID = ""
}

func (c *Coordinator) stopTimers() {
	c.timeout.Stop()
	c.retry.Stop()
	c.timeout = nil
	c.retry = nil
}

func (c *Coordinator) armTimeout(d time.Duration) {
	c.timeout.Stop()
	c.timeout = c.q.AfterFunc(d, c.onTimeout)
}

func (c *Coordinator) onTimeout() {
	if c.state != AwaitingOSReconnect {
		return
	}
	remaining := c.deadline.Sub(c.now())
	if remaining > 0 && c.delegate.TransportReconnecting() {
		next := min(c.cfg.UITimeout, remaining)
		c.log.Info("transport still reconnecting, extending wait", zap.Duration("next", next))
		c.armTimeout(next)
		return
	}
	c.fail(ErrTimeout)
}

func (c *Coordinator) rebuild(gen uint64, attempt int) {
	c.delegate.RebuildSession(gen, func(err error) {
		if gen != c.delegate.Generation() || !c.delegate.WantsConnection() {
			c.log.Debug("discarding stale rebuild result", zap.Uint64("generation", gen))
			return
		}
		if err == nil {
			c.log.Info("session rebuilt after reconnect", zap.String("device", c.deviceID), zap.Int("attempt", attempt))
			c.Reset()
			return
		}
		if attempt >= 2 {
			c.fail(err)
			return
		}
		c.log.Warn("session rebuild failed, retrying", zap.Error(err), zap.Duration("delay", c.cfg.RetryDelay))
		c.retry = c.q.AfterFunc(c.cfg.RetryDelay, func() {
			if gen != c.delegate.Generation() || !c.delegate.WantsConnection() || c.state != Rebuilding {
				return
			}
			c.rebuild(gen, attempt+1)
		})
	})
}

func (c *Coordinator) fail(err error) {
	deviceID := c.deviceID
	c.log.Warn("reconnect failed", zap.String("device", deviceID), zap.Error(err))
	c.Reset()
	c.delegate.ReconnectionFailed(deviceID, err)
}
