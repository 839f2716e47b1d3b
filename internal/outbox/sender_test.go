package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/connection"
	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/status"
	"github.com/matheus3301/meshlink/internal/store"
)

const testDevice = "dev"

// mockLink records calls and returns configurable results.
type mockLink struct {
	mu    sync.Mutex
	state status.State
	calls []sendCall
	err   error
	delay time.Duration // artificial delay to observe intermediate states
}

type sendCall struct {
	Conversation string
	Text         string
}

func (m *mockLink) setState(s status.State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *mockLink) Status(context.Context) (connection.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return connection.Status{State: m.state, DeviceID: testDevice, SelfName: "me"}, nil
}

func (m *mockLink) SendText(_ context.Context, conv, text string) (device.SentInfo, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{Conversation: conv, Text: text})
	delay, err := m.delay, m.err
	n := len(m.calls)
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return device.SentInfo{}, err
	}
	return device.SentInfo{ExpectedAck: uint32(0xA0 + n)}, nil
}

func (m *mockLink) sent() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.calls...)
}

type mockIndexer struct {
	mu   sync.Mutex
	seen []string
}

func (m *mockIndexer) IndexSent(_, _ string, _ int64, selfName, text string, _ time.Time) {
	m.mu.Lock()
	m.seen = append(m.seen, selfName+":"+text)
	m.mu.Unlock()
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertDevice(&store.Device{ID: testDevice, Transport: "ble", Address: testDevice}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func waitFor(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		if evt.Kind != kind {
			t.Fatalf("event kind = %q, want %s", evt.Kind, kind)
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s event", kind)
	}
	return bus.Event{}
}

func TestSenderProcessesPendingMessages(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	link := &mockLink{state: status.Ready}
	idx := &mockIndexer{}
	s := NewSender(db, link, idx, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindMessageSent, 10)
	defer unsub()

	e, err := s.Enqueue(context.Background(), "channel:0", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if e.ClientMsgID == "" || e.DeviceID != testDevice {
		t.Fatalf("entry = %+v", e)
	}

	s.Start(context.Background())
	defer s.Stop()

	evt := waitFor(t, ch, bus.KindMessageSent)
	sent := evt.Payload.(Sent)
	if sent.ClientMsgID != e.ClientMsgID || sent.AckCode != 0xA1 {
		t.Errorf("sent = %+v", sent)
	}

	calls := link.sent()
	if len(calls) != 1 || calls[0].Conversation != "channel:0" || calls[0].Text != "hello" {
		t.Fatalf("calls = %+v, want one {channel:0, hello}", calls)
	}

	pending, err := db.PendingOutbox(testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}

	m, err := db.MessageByClientID(e.ClientMsgID)
	if err != nil || m == nil {
		t.Fatalf("MessageByClientID = %v, %v", m, err)
	}
	if m.Status != store.StatusSent || m.AckCode != 0xA1 || m.SenderName != "me" {
		t.Errorf("message = %+v", m)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.seen) != 1 || idx.seen[0] != "me:hello" {
		t.Errorf("indexed = %v", idx.seen)
	}
}

func TestSenderWaitsForReady(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	link := &mockLink{state: status.Connected}
	s := NewSender(db, link, nil, b, zap.NewNop())

	if _, err := s.Enqueue(context.Background(), "channel:1", "later"); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(3 * pollInterval / 2)
	if n := len(link.sent()); n != 0 {
		t.Fatalf("sent %d messages before ready, want 0", n)
	}

	ch, unsub := b.Subscribe(bus.KindMessageSent, 10)
	defer unsub()
	link.setState(status.Ready)
	b.Emit(bus.KindConnectionReady, connection.ReadyEvent{DeviceID: testDevice})
	waitFor(t, ch, bus.KindMessageSent)
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	link := &mockLink{state: status.Ready, err: fmt.Errorf("radio rejected")}
	s := NewSender(db, link, nil, b, zap.NewNop())

	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	e, err := s.Enqueue(context.Background(), "channel:0", "hello")
	if err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	evt := waitFor(t, ch, bus.KindSendFailed)
	if f := evt.Payload.(SendFailed); f.ClientMsgID != e.ClientMsgID || f.Error != "radio rejected" {
		t.Errorf("failure = %+v", f)
	}

	pending, err := db.PendingOutbox(testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (should be marked failed)", len(pending))
	}
	m, _ := db.MessageByClientID(e.ClientMsgID)
	if m == nil || m.Status != store.StatusFailed {
		t.Errorf("message = %+v, want status failed", m)
	}
}

// TestSenderRequeuesWhenLinkDrops verifies that an entry interrupted by a
// dropped link goes back to the queue instead of failing.
func TestSenderRequeuesWhenLinkDrops(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	link := &mockLink{state: status.Ready, err: connection.ErrNotReady}
	s := NewSender(db, link, nil, b, zap.NewNop())

	if _, err := s.Enqueue(context.Background(), "channel:0", "retry me"); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(link.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	pending, err := db.PendingOutbox(testDevice)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1 (requeued)", len(pending))
	}
}

// TestSenderOptimisticInsert verifies that a queued message is visible as an
// outbound row before the radio accepts it.
func TestSenderOptimisticInsert(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	link := &mockLink{state: status.Ready, delay: 300 * time.Millisecond}
	s := NewSender(db, link, nil, b, zap.NewNop())

	e, err := s.Enqueue(context.Background(), "channel:0", "optimistic")
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages(testDevice, "channel:0", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != store.StatusQueued || msgs[0].Direction != store.DirectionOut {
		t.Fatalf("messages = %+v, want one queued outbound row", msgs)
	}

	ch, unsub := b.Subscribe(bus.KindMessageSent, 10)
	defer unsub()
	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, ch, bus.KindMessageSent)

	m, _ := db.MessageByClientID(e.ClientMsgID)
	if m == nil || m.Status != store.StatusSent {
		t.Errorf("final message = %+v, want status sent", m)
	}
}

func TestEnqueueValidates(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, &mockLink{state: status.Ready}, nil, bus.New(), zap.NewNop())
	if _, err := s.Enqueue(context.Background(), "nowhere", "hi"); err == nil {
		t.Error("Enqueue to a malformed conversation should fail")
	}
}
