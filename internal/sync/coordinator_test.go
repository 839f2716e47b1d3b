package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/device/devicetest"
	"github.com/matheus3301/meshlink/internal/reaction"
	"github.com/matheus3301/meshlink/internal/store"
)

const testDevice = "AA:BB:CC:DD:EE:FF"

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.UpsertDevice(&store.Device{ID: testDevice, Transport: "ble", Address: testDevice, MaxChannels: 4}))
	return db
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	c := NewCoordinator(db, b, Config{}, zap.NewNop())
	t.Cleanup(c.OnDisconnected)
	return c, db, b
}

func key(b byte) device.PublicKey {
	var k device.PublicKey
	for i := range k {
		k[i] = b
	}
	return k
}

func contact(b byte, name string, lastmod uint32) device.Contact {
	return device.Contact{PublicKey: key(b), Name: name, LastModified: lastmod}
}

func directMessage(from byte, text string, sent time.Time) *device.Message {
	return &device.Message{
		Kind:            device.KindContact,
		ContactPrefix:   key(from).Prefix(),
		Text:            text,
		SenderTimestamp: sent,
		ReceivedAt:      time.Now(),
	}
}

func channelMessage(idx uint8, sender, text string, sent time.Time) *device.Message {
	return &device.Message{
		Kind:            device.KindChannel,
		ChannelIndex:    idx,
		SenderName:      sender,
		Text:            text,
		SenderTimestamp: sent,
		ReceivedAt:      time.Now(),
	}
}

func waitEvent(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func drainKinds(ch <-chan bus.Event) []string {
	var kinds []string
	for {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		default:
			return kinds
		}
	}
}

func TestContactsWatermark(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	s := devicetest.New()
	s.SetContacts(10, contact(1, "alice", 5), contact(2, "bob", 10))
	ctx := context.Background()

	require.NoError(t, c.OnConnectionEstablished(ctx, testDevice, s, false))
	wm, ok, err := db.ContactsWatermark(testDevice)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(10), wm)

	n, err := db.ContactCount(testDevice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.PerformFullSync(ctx, testDevice, false))
	require.NoError(t, c.PerformFullSync(ctx, testDevice, true))
	assert.Equal(t, []uint32{0, 10, 0}, s.ContactsSince())
}

func TestContactsFailureKeepsWatermark(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	s := devicetest.New()
	s.SetContacts(10, contact(1, "alice", 10))
	s.SetContactsErr(device.ErrTimeout)

	err := c.OnConnectionEstablished(context.Background(), testDevice, s, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrTimeout))
	assert.Equal(t, Failed, c.State().Kind)

	_, ok, err := db.ContactsWatermark(testDevice)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, s.Calls("Channel"))
	assert.Zero(t, s.Calls("NextMessage"))
}

func TestChannelsRetriedOnceThenGivenUp(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	s := devicetest.New()
	s.SetChannel(device.Channel{Index: 0, Name: "Public"})
	s.SetChannel(device.Channel{Index: 1, Name: "ops"})
	s.FailChannel(1, 1)
	s.FailChannel(2, 5)

	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))
	assert.Equal(t, Synced, c.State().Kind)
	// Four slots plus one retry each for slots 1 and 2.
	assert.Equal(t, 6, s.Calls("Channel"))

	chans, err := db.ListChannels(testDevice)
	require.NoError(t, err)
	require.Len(t, chans, 2)
	assert.Equal(t, "Public", chans[0].Name)
	assert.Equal(t, "ops", chans[1].Name)
}

func TestChannelsSkippedInBackground(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	c.SetForeground(false)
	s := devicetest.New()

	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))
	assert.Zero(t, s.Calls("Channel"))
	assert.Equal(t, 1, s.Calls("NextMessage"))
}

func TestActivityExcludesMessagePhase(t *testing.T) {
	c, _, b := newTestCoordinator(t)
	events, unsub := b.Subscribe("sync.", 256)
	defer unsub()

	s := devicetest.New()
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))

	var phases []Phase
	kinds := drainKindsWithPayload(events, &phases)
	ended := indexOf(kinds, bus.KindSyncActivityEnded)
	require.GreaterOrEqual(t, ended, 0)
	assert.Equal(t, 0, indexOf(kinds, bus.KindSyncActivityStarted))
	assert.Equal(t, PhaseMessages, phases[len(phases)-1])
	lastPhase := lastIndexOf(kinds, bus.KindSyncPhaseChanged)
	assert.Greater(t, lastPhase, ended, "messages phase must start after activity ends")
	assert.Equal(t, bus.KindConversationsChanged, kinds[len(kinds)-1])
}

func drainKindsWithPayload(ch <-chan bus.Event, phases *[]Phase) []string {
	var kinds []string
	for {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
			if p, ok := ev.Payload.(PhaseChange); ok {
				*phases = append(*phases, p.Phase)
			}
		default:
			return kinds
		}
	}
}

func indexOf(s []string, v string) int {
	for i := range s {
		if s[i] == v {
			return i
		}
	}
	return -1
}

func lastIndexOf(s []string, v string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == v {
			return i
		}
	}
	return -1
}

func TestFullSyncWhileSyncingIsNoop(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	s := devicetest.New()
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))
	calls := s.Calls("Contacts")

	c.setState(State{Kind: Syncing, Phase: PhaseMessages})
	require.NoError(t, c.PerformFullSync(context.Background(), testDevice, true))
	assert.Equal(t, calls, s.Calls("Contacts"))
}

func TestPerformResync(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	s := devicetest.New()
	s.SetMessagesErr(device.ErrTimeout)
	ctx := context.Background()

	require.Error(t, c.OnConnectionEstablished(ctx, testDevice, s, false))
	assert.False(t, c.PerformResync(ctx, testDevice))

	s.SetMessagesErr(nil)
	assert.True(t, c.PerformResync(ctx, testDevice))
	assert.Equal(t, Synced, c.State().Kind)
}

func TestSyncWithoutSession(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.PerformFullSync(context.Background(), testDevice, false)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.False(t, c.PerformResync(context.Background(), testDevice))
}

func TestOnDisconnectedResets(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	s := devicetest.New()
	ctx := context.Background()
	msg := directMessage(1, "hello", time.Now())
	s.Enqueue(msg)
	require.NoError(t, c.OnConnectionEstablished(ctx, testDevice, s, false))

	c.OnDisconnected()
	assert.Equal(t, Idle, c.State().Kind)
	assert.ErrorIs(t, c.PerformFullSync(ctx, testDevice, false), device.ErrNotConnected)

	// The dedup cache is per session, so a redelivery after reconnect is stored.
	s2 := devicetest.New()
	s2.Enqueue(msg)
	require.NoError(t, c.OnConnectionEstablished(ctx, testDevice, s2, false))
	n, err := db.MessageCount(testDevice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMessagesDeduplicatedWithinSession(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	s := devicetest.New()
	sent := time.Now().Add(-time.Minute).Truncate(time.Second)
	s.Enqueue(
		directMessage(1, "hello", sent),
		directMessage(1, "hello", sent),
		directMessage(1, "hello again", sent),
		channelMessage(0, "carol", "hello", sent),
	)

	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))
	n, err := db.MessageCount(testDevice)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestNotificationsSuppressedDuringSync(t *testing.T) {
	c, _, b := newTestCoordinator(t)
	events, unsub := b.Subscribe("message.", 16)
	defer unsub()

	s := devicetest.New()
	s.Enqueue(directMessage(1, "during sync", time.Now()))
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))
	assert.Empty(t, drainKinds(events))
	assert.False(t, c.NotificationsSuppressed())

	require.NoError(t, c.HandleMessage(testDevice, directMessage(1, "after sync", time.Now())))
	ev := waitEvent(t, events, bus.KindContactMessage)
	assert.Equal(t, "after sync", ev.Payload.(MessageReceived).Text)
}

func TestMessagesWaitingTriggersPoll(t *testing.T) {
	c, db, b := newTestCoordinator(t)
	events, unsub := b.Subscribe("message.", 16)
	defer unsub()

	s := devicetest.New()
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))

	s.Enqueue(channelMessage(2, "dave", "ping", time.Now()))
	s.Push(device.Event{Kind: device.EventMessagesWaiting})

	ev := waitEvent(t, events, bus.KindChannelMessage)
	got := ev.Payload.(MessageReceived)
	assert.Equal(t, "channel:2", got.Conversation)
	assert.Equal(t, "dave", got.Sender)

	n, err := db.MessageCount(testDevice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAdvertRefreshesContacts(t *testing.T) {
	c, db, b := newTestCoordinator(t)
	events, unsub := b.Subscribe(bus.KindContactsChanged, 16)
	defer unsub()

	s := devicetest.New()
	s.SetContacts(5, contact(1, "alice", 5))
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))
	waitEvent(t, events, bus.KindContactsChanged)

	s.SetContacts(9, contact(1, "alice", 5), contact(2, "bob", 9))
	s.Push(device.Event{Kind: device.EventAdvert, PublicKey: key(2)})

	ev := waitEvent(t, events, bus.KindContactsChanged)
	change := ev.Payload.(ContactsChange)
	assert.Equal(t, 1, change.Count)
	assert.False(t, change.Full)

	n, err := db.ContactCount(testDevice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSendConfirmedMarksDelivered(t *testing.T) {
	c, db, b := newTestCoordinator(t)
	events, unsub := b.Subscribe(bus.KindSendAck, 4)
	defer unsub()

	out := &store.Message{
		DeviceID: testDevice, Conversation: "channel:0", Direction: store.DirectionOut,
		Body: "hi", Status: store.StatusSent, ClientMsgID: "c1", AckCode: 7,
	}
	require.NoError(t, db.InsertMessage(out))

	s := devicetest.New()
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))
	s.Push(device.Event{Kind: device.EventSendConfirmed, AckCode: 7})

	ev := waitEvent(t, events, bus.KindSendAck)
	assert.Equal(t, uint32(7), ev.Payload.(SendAck).AckCode)

	got, err := db.GetMessage(out.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, got.Status)
}

func TestReactionBeforeTarget(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	s := devicetest.New()
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))

	now := time.Now()
	react := channelMessage(0, "bob", reaction.Format("👍", "alice", "lunch?"), now)
	require.NoError(t, c.HandleMessage(testDevice, react))
	assert.Equal(t, 1, c.matcher.PendingCount())

	require.NoError(t, c.HandleMessage(testDevice, channelMessage(0, "alice", "lunch?", now.Add(-time.Second))))
	assert.Zero(t, c.matcher.PendingCount())

	msgs, err := db.ListMessages(testDevice, "channel:0", 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "reactions are not stored as messages")
	rs, err := db.ListReactions(msgs[0].ID)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "bob", rs[0].Sender)
	assert.Equal(t, "👍", rs[0].Emoji)
}

func TestReactionAfterTarget(t *testing.T) {
	c, db, b := newTestCoordinator(t)
	events, unsub := b.Subscribe(bus.KindReactionReceived, 4)
	defer unsub()

	s := devicetest.New()
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))

	now := time.Now()
	require.NoError(t, c.HandleMessage(testDevice, channelMessage(0, "alice", "lunch?", now)))
	raw := reaction.Format("🎉", "alice", "lunch?")
	require.NoError(t, c.HandleMessage(testDevice, channelMessage(0, "bob", raw, now.Add(time.Second))))
	// A second delivery with a new timestamp must not double count.
	require.NoError(t, c.HandleMessage(testDevice, channelMessage(0, "bob", raw, now.Add(2*time.Second))))

	ev := waitEvent(t, events, bus.KindReactionReceived)
	got := ev.Payload.(ReactionReceived)
	assert.Equal(t, "🎉", got.Emoji)

	rs, err := db.ListReactions(got.MessageID)
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

func TestReactionResolvedFromStore(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	now := time.Now()
	target := &store.Message{
		DeviceID: testDevice, Conversation: "channel:1", SenderName: "alice", Body: "old news",
		ContentHash: reaction.ContentHash("old news"), SenderTS: now.Add(-2 * time.Minute).Unix(),
		ReceivedAt: now.UnixMilli(),
	}
	require.NoError(t, db.InsertMessage(target))

	s := devicetest.New()
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))
	require.NoError(t, c.HandleMessage(testDevice, channelMessage(1, "bob", reaction.Format("❤️", "alice", "old news"), now)))

	assert.Zero(t, c.matcher.PendingCount())
	rs, err := db.ListReactions(target.ID)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "❤️", rs[0].Emoji)
}

func TestReactionScopedToConversation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	now := time.Now()
	require.NoError(t, c.HandleMessage(testDevice, channelMessage(0, "alice", "lunch?", now)))
	require.NoError(t, c.HandleMessage(testDevice, channelMessage(1, "bob", reaction.Format("👍", "alice", "lunch?"), now)))
	assert.Equal(t, 1, c.matcher.PendingCount())
}

func TestSenderNameFromContacts(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	s := devicetest.New()
	s.SetContacts(3, contact(7, "erin", 3))
	require.NoError(t, c.OnConnectionEstablished(context.Background(), testDevice, s, false))

	require.NoError(t, c.HandleMessage(testDevice, directMessage(7, "hey", time.Now())))
	require.NoError(t, c.HandleMessage(testDevice, directMessage(8, "who dis", time.Now())))

	conv := device.ContactConversation(key(7).Prefix())
	msgs, err := db.ListMessages(testDevice, conv, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "erin", msgs[0].SenderName)

	unknown := key(8).Prefix().String()
	msgs, err = db.ListMessages(testDevice, device.ContactConversation(key(8).Prefix()), 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, unknown, msgs[0].SenderName)
}

func TestMessagesWaitingDuringSyncIsReplayed(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	s := devicetest.New()
	gate := make(chan struct{})
	s.Block("Contacts", gate)

	done := make(chan error, 1)
	go func() { done <- c.OnConnectionEstablished(context.Background(), testDevice, s, false) }()
	require.Eventually(t, func() bool { return s.Calls("Contacts") == 1 }, time.Second, time.Millisecond)

	s.Push(device.Event{Kind: device.EventMessagesWaiting})
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.pollPending
	}, time.Second, time.Millisecond)

	close(gate)
	require.NoError(t, <-done)
	// One drain from the message phase, one for the deferred push.
	assert.Equal(t, 2, s.Calls("NextMessage"))
	assert.Equal(t, Synced, c.State().Kind)

	c.mu.Lock()
	assert.False(t, c.pollPending)
	c.mu.Unlock()
}

func TestFailedSyncLeavesDeferredPollToResync(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	s := devicetest.New()
	s.SetMessagesErr(device.ErrTimeout)
	gate := make(chan struct{})
	s.Block("Contacts", gate)

	done := make(chan error, 1)
	go func() { done <- c.OnConnectionEstablished(context.Background(), testDevice, s, false) }()
	require.Eventually(t, func() bool { return s.Calls("Contacts") == 1 }, time.Second, time.Millisecond)
	s.Push(device.Event{Kind: device.EventMessagesWaiting})
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.pollPending
	}, time.Second, time.Millisecond)

	close(gate)
	require.Error(t, <-done)
	assert.Equal(t, 1, s.Calls("NextMessage"))
	assert.Equal(t, Failed, c.State().Kind)
}
