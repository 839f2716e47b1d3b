package sync

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/bus"
	"github.com/matheus3301/meshlink/internal/dedup"
	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/reaction"
	"github.com/matheus3301/meshlink/internal/store"
)

const (
	maxClockSkewFuture = 5 * time.Minute
	maxClockSkewMonths = 6
)

// correctTimestamp replaces sender timestamps that are implausibly far
// ahead of or behind the receipt time with the receipt time.
func correctTimestamp(sent, received time.Time) (time.Time, bool) {
	if sent.IsZero() || sent.After(received.Add(maxClockSkewFuture)) || sent.Before(received.AddDate(0, -maxClockSkewMonths, 0)) {
		return received, true
	}
	return sent, false
}

// HandleMessage ingests one message drained from the radio: duplicates are
// dropped, reactions are paired with their targets and everything else is
// stored and announced.
func (c *Coordinator) HandleMessage(deviceID string, m *device.Message) error {
	conv := m.Conversation()
	hash := reaction.ContentHash(m.Text)
	received := m.ReceivedAt
	if received.IsZero() {
		received = c.now()
	}

	// Fingerprint on the uncorrected timestamp so a redelivery corrected at
	// a different instant still matches. Channel peers share a conversation,
	// so the sender name keeps their identical texts apart.
	if c.dedup.IsDuplicate(dedup.Fingerprint{
		Conversation:    conv,
		SenderTimestamp: m.SenderTimestamp,
		Discriminator:   hash + "|" + m.SenderName,
	}) {
		c.log.Debug("dropping duplicate message", zap.String("conversation", conv))
		return nil
	}

	ts, corrected := correctTimestamp(m.SenderTimestamp, received)
	if corrected {
		c.log.Debug("corrected sender timestamp",
			zap.String("conversation", conv),
			zap.Time("sender_ts", m.SenderTimestamp),
			zap.Time("used", ts))
	}
	sender := c.senderName(deviceID, m)

	if r, ok := reaction.Parse(m.Text); ok {
		return c.handleReaction(deviceID, conv, sender, m, r, ts)
	}

	row := &store.Message{
		DeviceID:           deviceID,
		Conversation:       conv,
		Direction:          store.DirectionIn,
		SenderName:         sender,
		Body:               m.Text,
		ContentHash:        hash,
		SenderTS:           ts.Unix(),
		ReceivedAt:         received.UnixMilli(),
		TimestampCorrected: corrected,
		PathLen:            int(m.PathLen),
		SNR:                m.SNR,
		Status:             store.StatusReceived,
	}
	if err := c.db.InsertMessage(row); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if !c.suppress.active() {
		kind := bus.KindContactMessage
		if m.Kind == device.KindChannel {
			kind = bus.KindChannelMessage
		}
		c.bus.Emit(kind, MessageReceived{
			DeviceID:           deviceID,
			MessageID:          row.ID,
			Conversation:       conv,
			Sender:             sender,
			Text:               m.Text,
			SenderTimestamp:    ts,
			TimestampCorrected: corrected,
		})
	}

	c.indexMessage(deviceID, conv, row.ID, sender, m.Text, ts)
	return nil
}

// IndexSent makes an outgoing message reactable by peers.
func (c *Coordinator) IndexSent(deviceID, conv string, messageID int64, selfName, text string, at time.Time) {
	c.indexMessage(deviceID, conv, messageID, selfName, text, at)
}

func (c *Coordinator) indexMessage(deviceID, conv string, messageID int64, sender, text string, at time.Time) {
	scope := reaction.Scope{DeviceID: deviceID, Conversation: conv}
	key := reaction.MessageKey(strconv.FormatInt(messageID, 10))
	for _, p := range c.matcher.Index(scope, key, sender, text, at) {
		c.persistReaction(deviceID, conv, messageID, p.Author, p.Emoji, p.RawText, p.ReceivedAt)
	}
}

func (c *Coordinator) handleReaction(deviceID, conv, author string, m *device.Message, r reaction.Reaction, ts time.Time) error {
	scope := reaction.Scope{DeviceID: deviceID, Conversation: conv}
	target := reaction.TargetKey(scope, r)
	received := m.ReceivedAt
	if received.IsZero() {
		received = c.now()
	}

	if key, ok := c.matcher.FindTarget(target); ok {
		id, err := strconv.ParseInt(string(key), 10, 64)
		if err != nil {
			return fmt.Errorf("bad message key %q: %w", key, err)
		}
		c.persistReaction(deviceID, conv, id, author, r.Emoji, m.Text, received)
		return nil
	}

	msg, err := c.db.FindMessageByHash(deviceID, conv, r.TargetSender, r.TargetHash, ts, c.cfg.ReactionWindow)
	if err != nil {
		return fmt.Errorf("find reaction target: %w", err)
	}
	if msg != nil {
		c.persistReaction(deviceID, conv, msg.ID, author, r.Emoji, m.Text, received)
		return nil
	}

	c.matcher.AddPending(reaction.Pending{
		Target:     target,
		Emoji:      r.Emoji,
		Author:     author,
		RawText:    m.Text,
		ReceivedAt: received,
	})
	c.log.Debug("reaction target not seen yet",
		zap.String("conversation", conv),
		zap.String("target_sender", r.TargetSender),
		zap.String("target_hash", r.TargetHash))
	return nil
}

func (c *Coordinator) persistReaction(deviceID, conv string, messageID int64, author, emoji, raw string, at time.Time) {
	exists, err := c.db.ReactionExists(messageID, author, emoji)
	if err != nil {
		c.log.Error("failed to check reaction", zap.Int64("message_id", messageID), zap.Error(err))
		return
	}
	if exists {
		return
	}
	added, err := c.db.InsertReaction(&store.Reaction{
		MessageID:  messageID,
		Sender:     author,
		Emoji:      emoji,
		RawText:    raw,
		ReceivedAt: at.UnixMilli(),
	})
	if err != nil {
		c.log.Error("failed to store reaction", zap.Int64("message_id", messageID), zap.Error(err))
		return
	}
	if added && !c.suppress.active() {
		c.bus.Emit(bus.KindReactionReceived, ReactionReceived{
			DeviceID:     deviceID,
			MessageID:    messageID,
			Conversation: conv,
			Sender:       author,
			Emoji:        emoji,
		})
	}
}

// senderName names who sent m. Channel texts carry the name inline; direct
// texts are resolved through the contact table.
func (c *Coordinator) senderName(deviceID string, m *device.Message) string {
	if m.Kind == device.KindChannel {
		return m.SenderName
	}
	prefix := m.ContactPrefix.String()
	ct, err := c.db.ContactByPrefix(deviceID, prefix)
	if err != nil {
		c.log.Warn("contact lookup failed", zap.String("prefix", prefix), zap.Error(err))
	}
	if ct != nil && ct.Name != "" {
		return ct.Name
	}
	return prefix
}
