// Package outbox queues outgoing texts and sends them through the radio
// whenever the connection is ready.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/connection"
	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/logging"
	"github.com/matheus3301/meshlink/internal/reaction"
	"github.com/matheus3301/meshlink/internal/status"
	"github.com/matheus3301/meshlink/internal/store"
)

// ErrNoDevice is returned by Enqueue before any radio was connected.
var ErrNoDevice = errors.New("outbox: no device connected")

const pollInterval = 500 * time.Millisecond

// Link is the live connection texts are sent through.
type Link interface {
	Status(ctx context.Context) (connection.Status, error)
	SendText(ctx context.Context, conversation, text string) (device.SentInfo, error)
}

// Indexer makes sent texts reactable.
type Indexer interface {
	IndexSent(deviceID, conversation string, messageID int64, selfName, text string, at time.Time)
}

// Queued is the payload of message.queued.
type Queued struct {
	ClientMsgID  string
	DeviceID     string
	Conversation string
}

// Sent is the payload of message.sent.
type Sent struct {
	ClientMsgID string
	AckCode     uint32
	Flood       bool
}

// SendFailed is the payload of message.send_failed.
type SendFailed struct {
	ClientMsgID string
	Error       string
}

// Sender drains the outbox while the connection is ready.
type Sender struct {
	db      *store.DB
	link    Link
	indexer Indexer
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a new outbox sender. indexer may be nil.
func NewSender(db *store.DB, link Link, indexer Indexer, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:      db,
		link:    link,
		indexer: indexer,
		bus:     b,
		logger:  logging.OrNop(logger),
	}
}

// Start begins draining the outbox in the background.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	ready, unsub := s.bus.Subscribe(bus.KindConnectionReady, 4)
	go func() {
		defer close(s.done)
		defer unsub()
		s.loop(ctx, ready)
	}()
}

// Stop stops the sender loop and waits for an in-flight send.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Enqueue queues text for conversation on the current device and returns
// the queued entry.
func (s *Sender) Enqueue(ctx context.Context, conversation, text string) (*store.OutboxEntry, error) {
	if _, err := device.ParseConversation(conversation); err != nil {
		return nil, err
	}
	st, err := s.link.Status(ctx)
	if err != nil {
		return nil, err
	}
	if st.DeviceID == "" {
		return nil, ErrNoDevice
	}

	e := &store.OutboxEntry{
		ClientMsgID:  uuid.NewString(),
		DeviceID:     st.DeviceID,
		Conversation: conversation,
		Body:         text,
	}
	if err := s.db.QueueOutbox(e, st.SelfName, reaction.ContentHash(text)); err != nil {
		return nil, err
	}
	s.bus.Emit(bus.KindMessageQueued, Queued{ClientMsgID: e.ClientMsgID, DeviceID: e.DeviceID, Conversation: conversation})
	return e, nil
}

func (s *Sender) loop(ctx context.Context, ready <-chan bus.Event) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case ev := <-ready:
			if r, ok := ev.Payload.(connection.ReadyEvent); ok {
				if n, err := s.db.RequeueSending(r.DeviceID); err != nil {
					s.logger.Error("failed to requeue interrupted sends", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
				}
			}
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	st, err := s.link.Status(ctx)
	if err != nil || st.State != status.Ready {
		return
	}
	pending, err := s.db.PendingOutbox(st.DeviceID)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if !s.send(ctx, st, entry) {
			return
		}
	}
}

// send delivers one entry and reports whether draining should continue.
func (s *Sender) send(ctx context.Context, st connection.Status, entry store.OutboxEntry) bool {
	if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		return true
	}

	info, err := s.link.SendText(ctx, entry.Conversation, entry.Body)
	if errors.Is(err, connection.ErrNotReady) || errors.Is(err, context.Canceled) {
		// The link went away mid-drain; the entry is retried once ready again.
		if _, rerr := s.db.RequeueSending(entry.DeviceID); rerr != nil {
			s.logger.Error("failed to requeue", zap.Error(rerr))
		}
		return false
	}
	if err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		if ferr := s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error()); ferr != nil {
			s.logger.Error("failed to mark failed", zap.Error(ferr))
		}
		s.bus.Emit(bus.KindSendFailed, SendFailed{ClientMsgID: entry.ClientMsgID, Error: err.Error()})
		return true
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, info.ExpectedAck); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	if s.indexer != nil {
		if m, err := s.db.MessageByClientID(entry.ClientMsgID); err == nil && m != nil {
			s.indexer.IndexSent(m.DeviceID, m.Conversation, m.ID, st.SelfName, m.Body, time.Unix(m.SenderTS, 0))
		}
	}

	s.logger.Info("message sent",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Uint32("expected_ack", info.ExpectedAck),
		zap.Bool("flood", info.Flood))
	s.bus.Emit(bus.KindMessageSent, Sent{ClientMsgID: entry.ClientMsgID, AckCode: info.ExpectedAck, Flood: info.Flood})
	if info.SuggestedDelay > 0 {
		select {
		case <-time.After(info.SuggestedDelay):
		case <-ctx.Done():
			return false
		}
	}
	return true
}
