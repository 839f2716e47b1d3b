package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/dedup"
	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/logging"
	"github.com/matheus3301/meshlink/internal/reaction"
	"github.com/matheus3301/meshlink/internal/store"
)

const (
	defaultMaxChannels = 8
	maxMessagesPerPoll = 500
)

// Config tunes a Coordinator. Zero fields take defaults.
type Config struct {
	SuppressionWatchdog time.Duration
	DedupCapacity       int
	ReactionWindow      time.Duration
}

func (c Config) withDefaults() Config {
	if c.SuppressionWatchdog <= 0 {
		c.SuppressionWatchdog = 120 * time.Second
	}
	if c.ReactionWindow <= 0 {
		c.ReactionWindow = 5 * time.Minute
	}
	return c
}

// Coordinator runs the phased sync against a live session and ingests
// everything the radio delivers into the store.
type Coordinator struct {
	db      *store.DB
	bus     *bus.Bus
	log     *zap.Logger
	cfg     Config
	dedup   *dedup.Cache
	matcher *reaction.Matcher
	now     func() time.Time

	mu         stdsync.Mutex
	state      State
	session    device.Session
	deviceID   string
	foreground bool
	cancel     context.CancelFunc
	wg         stdsync.WaitGroup

	// Pushes that arrived while a sync was running, replayed once it settles.
	pollPending    bool
	refreshPending bool

	suppress suppressor

	// attachMu serializes adopting and dropping sessions.
	attachMu stdsync.Mutex

	// pollMu serializes message draining between the sync phase and
	// MSG_WAITING pushes.
	pollMu stdsync.Mutex
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(db *store.DB, b *bus.Bus, cfg Config, logger *zap.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		db:         db,
		bus:        b,
		log:        logging.OrNop(logger),
		cfg:        cfg,
		dedup:      dedup.New(cfg.DedupCapacity),
		matcher:    reaction.NewMatcher(0),
		now:        time.Now,
		state:      State{Kind: Idle},
		foreground: true,
		suppress:   suppressor{watchdog: cfg.SuppressionWatchdog},
	}
}

// State returns the current sync state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetForeground records whether a client is actively watching. Channel
// sync is skipped while backgrounded.
func (c *Coordinator) SetForeground(fg bool) {
	c.mu.Lock()
	c.foreground = fg
	c.mu.Unlock()
}

// NotificationsSuppressed reports whether per-message events are held back.
func (c *Coordinator) NotificationsSuppressed() bool { return c.suppress.active() }

// OnConnectionEstablished adopts session for deviceID, starts consuming its
// events and runs the first full sync. A sync failure is returned; the
// session stays adopted so the caller can resync.
func (c *Coordinator) OnConnectionEstablished(ctx context.Context, deviceID string, session device.Session, force bool) error {
	c.attachMu.Lock()
	c.detach()

	sessCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.session = session
	c.deviceID = deviceID
	c.cancel = cancel
	c.state = State{Kind: Idle}
	c.pollPending, c.refreshPending = false, false
	c.mu.Unlock()

	// The handler must be consuming before the first request goes out.
	c.wg.Add(1)
	go c.consume(sessCtx, deviceID, session)
	c.attachMu.Unlock()

	return c.PerformFullSync(ctx, deviceID, force)
}

// OnDisconnected drops the session and forgets per-session dedup and
// reaction state.
func (c *Coordinator) OnDisconnected() {
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	c.detach()
	c.dedup.Clear()
	c.matcher.Reset()
	c.suppress.reset()
	c.mu.Lock()
	c.state = State{Kind: Idle}
	c.pollPending, c.refreshPending = false, false
	c.mu.Unlock()
}

func (c *Coordinator) detach() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.session = nil
	c.deviceID = ""
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) current(deviceID string) (device.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.deviceID != deviceID {
		return nil, device.ErrNotConnected
	}
	return c.session, nil
}

// PerformResync runs an incremental full sync and reports success.
func (c *Coordinator) PerformResync(ctx context.Context, deviceID string) bool {
	return c.PerformFullSync(ctx, deviceID, false) == nil
}

// PerformFullSync runs contacts, channels and messages in order. It is a
// no-op while another sync is running. force ignores the contacts watermark.
func (c *Coordinator) PerformFullSync(ctx context.Context, deviceID string, force bool) error {
	session, err := c.current(deviceID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state.Kind == Syncing {
		c.mu.Unlock()
		c.log.Debug("sync already running", zap.String("device", deviceID))
		return nil
	}
	c.state = State{Kind: Syncing, Phase: PhaseContacts}
	foreground := c.foreground
	c.mu.Unlock()

	c.suppress.begin()
	defer c.suppress.end()

	start := c.now()
	c.bus.Emit(bus.KindSyncActivityStarted, ActivityChange{DeviceID: deviceID})

	err = c.runPhases(ctx, deviceID, session, force, foreground)
	if err != nil {
		c.settle(State{Kind: Failed, Reason: err.Error()})
		c.log.Warn("sync failed", zap.String("device", deviceID), zap.Error(err))
		return err
	}
	poll, refresh := c.settle(State{Kind: Synced})
	c.log.Info("sync complete", zap.String("device", deviceID), zap.Duration("took", c.now().Sub(start)))

	if refresh {
		if err := c.syncContacts(ctx, deviceID, session, false); err != nil {
			c.log.Warn("contact refresh failed", zap.String("device", deviceID), zap.Error(err))
		}
	}
	if poll {
		if _, err := c.drainMessages(ctx, deviceID, session); err != nil {
			c.log.Warn("message poll failed", zap.String("device", deviceID), zap.Error(err))
		}
	}
	c.bus.Emit(bus.KindConversationsChanged, deviceID)
	return nil
}

// settle ends a sync with s and hands back the pushes deferred while it ran.
// A failed sync leaves them to the resync, which covers every phase.
func (c *Coordinator) settle(s State) (poll, refresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	poll, refresh = c.pollPending, c.refreshPending
	c.pollPending, c.refreshPending = false, false
	return poll, refresh
}

// deferWhileSyncing records a push for replay if a sync is running.
func (c *Coordinator) deferWhileSyncing(kind device.EventKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Kind != Syncing {
		return false
	}
	switch kind {
	case device.EventMessagesWaiting:
		c.pollPending = true
	case device.EventAdvert:
		c.refreshPending = true
	}
	return true
}

func (c *Coordinator) runPhases(ctx context.Context, deviceID string, session device.Session, force, foreground bool) (err error) {
	activityOpen := true
	endActivity := func(err error) {
		if !activityOpen {
			return
		}
		activityOpen = false
		ev := ActivityChange{DeviceID: deviceID}
		if err != nil {
			ev.Err = err.Error()
		}
		c.bus.Emit(bus.KindSyncActivityEnded, ev)
	}
	defer func() { endActivity(err) }()

	c.enterPhase(deviceID, PhaseContacts, 0, 1)
	if err := c.syncContacts(ctx, deviceID, session, force); err != nil {
		return fmt.Errorf("contacts: %w", err)
	}

	if foreground {
		if err := c.syncChannels(ctx, deviceID, session); err != nil {
			return fmt.Errorf("channels: %w", err)
		}
	} else {
		c.log.Debug("skipping channel sync while backgrounded", zap.String("device", deviceID))
	}
	endActivity(nil)

	c.enterPhase(deviceID, PhaseMessages, 0, 0)
	if _, err := c.drainMessages(ctx, deviceID, session); err != nil {
		return fmt.Errorf("messages: %w", err)
	}
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) enterPhase(deviceID string, p Phase, current, total int) {
	c.setState(State{Kind: Syncing, Phase: p, Current: current, Total: total})
	c.bus.Emit(bus.KindSyncPhaseChanged, PhaseChange{DeviceID: deviceID, Phase: p, Current: current, Total: total})
}

// syncContacts fetches contacts changed since the stored watermark, or all
// of them when forced or never synced. The watermark only advances after
// the batch is stored.
func (c *Coordinator) syncContacts(ctx context.Context, deviceID string, session device.Session, force bool) error {
	since, ok, err := c.db.ContactsWatermark(deviceID)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	full := force || !ok
	if full {
		since = 0
	}

	batch, err := session.Contacts(ctx, since)
	if err != nil {
		return err
	}

	rows := make([]store.Contact, 0, len(batch.Contacts))
	for _, dc := range batch.Contacts {
		rows = append(rows, toStoreContact(deviceID, dc))
	}
	if err := c.db.BulkUpsertContacts(rows); err != nil {
		return fmt.Errorf("store contacts: %w", err)
	}
	if batch.LastModified > since {
		if err := c.db.SetContactsWatermark(deviceID, batch.LastModified); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
	}

	c.log.Info("contacts synced", zap.String("device", deviceID), zap.Int("count", len(rows)), zap.Bool("full", full))
	if len(rows) > 0 || full {
		c.bus.Emit(bus.KindContactsChanged, ContactsChange{DeviceID: deviceID, Count: len(rows), Full: full})
	}
	return nil
}

// syncChannels reads every channel slot. Slots that fail are retried once
// and then given up on; only a cancelled context fails the phase.
func (c *Coordinator) syncChannels(ctx context.Context, deviceID string, session device.Session) error {
	total := c.maxChannels(deviceID)
	indices := make([]uint8, total)
	for i := range indices {
		indices[i] = uint8(i)
	}

	done := 0
	for attempt := 0; attempt < 2 && len(indices) > 0; attempt++ {
		var failed []uint8
		for _, idx := range indices {
			if err := ctx.Err(); err != nil {
				return err
			}
			ch, err := session.Channel(ctx, idx)
			if err != nil {
				c.log.Debug("channel fetch failed", zap.Uint8("index", idx), zap.Int("attempt", attempt+1), zap.Error(err))
				failed = append(failed, idx)
				continue
			}
			if ch.Configured() {
				if err := c.db.UpsertChannel(&store.Channel{
					DeviceID: deviceID, Index: int(ch.Index), Name: ch.Name, Secret: ch.Secret[:],
				}); err != nil {
					return fmt.Errorf("store channel %d: %w", idx, err)
				}
			}
			done++
			c.enterPhase(deviceID, PhaseChannels, done, total)
		}
		indices = failed
	}
	if len(indices) > 0 {
		c.log.Warn("giving up on channels", zap.String("device", deviceID), zap.Any("indices", indices))
	}
	return nil
}

func (c *Coordinator) maxChannels(deviceID string) int {
	d, err := c.db.GetDevice(deviceID)
	if err != nil || d == nil || d.MaxChannels <= 0 {
		return defaultMaxChannels
	}
	return d.MaxChannels
}

// drainMessages pulls queued messages until the radio reports none.
func (c *Coordinator) drainMessages(ctx context.Context, deviceID string, session device.Session) (int, error) {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	n := 0
	for n < maxMessagesPerPoll {
		m, err := session.NextMessage(ctx)
		if err != nil {
			return n, err
		}
		if m == nil {
			return n, nil
		}
		n++
		if err := c.HandleMessage(deviceID, m); err != nil {
			c.log.Error("failed to ingest message", zap.String("device", deviceID), zap.Error(err))
		}
	}
	return n, nil
}

// consume handles unsolicited session events until ctx ends or the
// session's event stream closes.
func (c *Coordinator) consume(ctx context.Context, deviceID string, session device.Session) {
	defer c.wg.Done()
	events := session.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(ctx, deviceID, session, ev)
		}
	}
}

func (c *Coordinator) handleEvent(ctx context.Context, deviceID string, session device.Session, ev device.Event) {
	switch ev.Kind {
	case device.EventMessagesWaiting:
		if c.deferWhileSyncing(ev.Kind) {
			return
		}
		n, err := c.drainMessages(ctx, deviceID, session)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("message poll failed", zap.String("device", deviceID), zap.Error(err))
		}
		if n > 0 {
			c.bus.Emit(bus.KindConversationsChanged, deviceID)
		}
	case device.EventAdvert:
		if c.deferWhileSyncing(ev.Kind) {
			return
		}
		if err := c.syncContacts(ctx, deviceID, session, false); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("contact refresh failed", zap.String("device", deviceID), zap.Error(err))
		}
	case device.EventSendConfirmed:
		ok, err := c.db.MarkDelivered(deviceID, ev.AckCode)
		if err != nil {
			c.log.Error("failed to mark delivered", zap.Error(err))
			return
		}
		if ok {
			c.bus.Emit(bus.KindSendAck, SendAck{DeviceID: deviceID, AckCode: ev.AckCode})
		}
	case device.EventLost:
		c.log.Debug("session reported link loss", zap.String("device", deviceID))
	}
}

func toStoreContact(deviceID string, dc device.Contact) store.Contact {
	var lastAdvert int64
	if !dc.LastAdvert.IsZero() {
		lastAdvert = dc.LastAdvert.Unix()
	}
	return store.Contact{
		DeviceID:     deviceID,
		PublicKey:    dc.PublicKey.String(),
		Prefix:       dc.PublicKey.Prefix().String(),
		Name:         dc.Name,
		Type:         int(dc.Type),
		Flags:        int(dc.Flags),
		PathLen:      int(dc.PathLen),
		LastAdvert:   lastAdvert,
		LastModified: dc.LastModified,
		Lat:          dc.Lat,
		Lon:          dc.Lon,
	}
}
