package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds observed by presentation clients. Subscribers filter by prefix,
// so "connection." receives every connection lifecycle event.
const (
	KindStateChanged    = "connection.state_changed"
	KindConnectionReady = "connection.ready"
	KindConnectionLost  = "connection.lost"

	KindSyncActivityStarted  = "sync.activity_started"
	KindSyncActivityEnded    = "sync.activity_ended"
	KindSyncPhaseChanged     = "sync.phase_changed"
	KindContactsChanged      = "sync.contacts_changed"
	KindConversationsChanged = "sync.conversations_changed"
	KindResyncExhausted      = "sync.resync_exhausted"

	KindContactMessage   = "message.received.contact"
	KindChannelMessage   = "message.received.channel"
	KindReactionReceived = "message.reaction_received"
	KindMessageQueued    = "message.queued"
	KindMessageSent      = "message.sent"
	KindSendAck          = "message.send_ack"
	KindSendFailed       = "message.send_failed"
)
