package sync

import "time"

// Phase is one step of a full sync.
type Phase string

const (
	PhaseContacts Phase = "contacts"
	PhaseChannels Phase = "channels"
	PhaseMessages Phase = "messages"
)

// StateKind enumerates sync states.
type StateKind string

const (
	Idle    StateKind = "idle"
	Syncing StateKind = "syncing"
	Synced  StateKind = "synced"
	Failed  StateKind = "failed"
)

// State is the coordinator's sync state. Phase, Current and Total are set
// while Syncing; Reason while Failed.
type State struct {
	Kind    StateKind
	Phase   Phase
	Current int
	Total   int
	Reason  string
}

func (s State) String() string {
	switch s.Kind {
	case Syncing:
		return string(s.Kind) + "(" + string(s.Phase) + ")"
	case Failed:
		return string(s.Kind) + ": " + s.Reason
	default:
		return string(s.Kind)
	}
}

// PhaseChange is the payload of sync.phase_changed.
type PhaseChange struct {
	DeviceID string
	Phase    Phase
	Current  int
	Total    int
}

// ContactsChange is the payload of sync.contacts_changed.
type ContactsChange struct {
	DeviceID string
	Count    int
	Full     bool
}

// ActivityChange is the payload of sync.activity_started and sync.activity_ended.
type ActivityChange struct {
	DeviceID string
	Err      string
}

// MessageReceived is the payload of message.received.contact and
// message.received.channel.
type MessageReceived struct {
	DeviceID           string
	MessageID          int64
	Conversation       string
	Sender             string
	Text               string
	SenderTimestamp    time.Time
	TimestampCorrected bool
}

// ReactionReceived is the payload of message.reaction_received.
type ReactionReceived struct {
	DeviceID     string
	MessageID    int64
	Conversation string
	Sender       string
	Emoji        string
}

// SendAck is the payload of message.send_ack.
type SendAck struct {
	DeviceID string
	AckCode  uint32
}
