// Package device holds the radio-facing domain types and the Session
// contract the connection and sync layers drive.
package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrTimeout is returned when the radio does not answer a request in time.
	ErrTimeout = errors.New("device: request timed out")
	// ErrNotConnected is returned by a session whose transport is gone.
	ErrNotConnected = errors.New("device: not connected")
	// ErrBadConversation is returned for conversation ids that name no target.
	ErrBadConversation = errors.New("device: bad conversation")
)

// PublicKey is a node's 32-byte ed25519 public key.
type PublicKey [32]byte

// Prefix returns the 6-byte prefix the radio uses to address contacts.
func (k PublicKey) Prefix() Prefix {
	var p Prefix
	copy(p[:], k[:6])
	return p
}

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

// Prefix is the leading 6 bytes of a PublicKey.
type Prefix [6]byte

func (p Prefix) String() string { return hex.EncodeToString(p[:]) }

// ContactType mirrors the advert type byte.
type ContactType uint8

const (
	ContactChat     ContactType = 1
	ContactRepeater ContactType = 2
	ContactRoom     ContactType = 3
	ContactSensor   ContactType = 4
)

// Contact is an entry in the radio's contact table.
type Contact struct {
	PublicKey    PublicKey
	Type         ContactType
	Flags        uint8
	PathLen      int8
	Name         string
	LastAdvert   time.Time
	LastModified uint32
	Lat          float64
	Lon          float64
}

// Channel is a configured group channel slot.
type Channel struct {
	Index  uint8
	Name   string
	Secret [16]byte
}

// Configured reports whether the slot holds a channel.
func (c Channel) Configured() bool { return c.Name != "" }

// MessageKind distinguishes direct from channel traffic.
type MessageKind int

const (
	KindContact MessageKind = iota
	KindChannel
)

// Message is one inbound text drained from the radio's queue.
type Message struct {
	Kind            MessageKind
	ContactPrefix   Prefix
	ChannelIndex    uint8
	SenderName      string
	Text            string
	PathLen         uint8
	TextType        uint8
	SNR             float64
	SenderTimestamp time.Time
	ReceivedAt      time.Time
	// TimestampCorrected is set when SenderTimestamp was replaced by ReceivedAt.
	TimestampCorrected bool
}

// SelfInfo is the radio's own identity and radio parameters.
type SelfInfo struct {
	Name       string
	PublicKey  PublicKey
	AdvType    uint8
	TxPower    uint8
	MaxTxPower uint8
	Lat        float64
	Lon        float64
	FreqMHz    float64
	BandwidthK float64
	SF         uint8
	CR         uint8
}

// DeviceInfo is returned by the device query.
type DeviceInfo struct {
	FirmwareVersion uint8
	MaxContacts     int
	MaxChannels     int
	BuildDate       string
	Model           string
	Version         string
}

// Target addresses an outgoing text.
type Target struct {
	Kind    MessageKind
	Contact Prefix
	Channel uint8
}

// SentInfo is the radio's acknowledgement of an accepted send.
type SentInfo struct {
	Flood          bool
	ExpectedAck    uint32
	SuggestedDelay time.Duration
}

// EventKind enumerates unsolicited session events.
type EventKind int

const (
	EventMessagesWaiting EventKind = iota
	EventAdvert
	EventSendConfirmed
	EventLost
)

// Event is an unsolicited notification from the radio.
type Event struct {
	Kind      EventKind
	PublicKey PublicKey
	AckCode   uint32
	Err       error
}

// ContactBatch is the result of a contacts fetch.
type ContactBatch struct {
	Contacts []Contact
	// LastModified is the watermark to pass as since on the next fetch.
	LastModified uint32
}

// Session is an application-level conversation with one radio over one
// transport. Implementations are safe for concurrent use.
type Session interface {
	Start(ctx context.Context) (SelfInfo, error)
	QueryDevice(ctx context.Context) (DeviceInfo, error)
	GetTime(ctx context.Context) (time.Time, error)
	SetTime(ctx context.Context, t time.Time) error
	// Contacts fetches contacts modified after since; zero fetches all.
	Contacts(ctx context.Context, since uint32) (ContactBatch, error)
	Channel(ctx context.Context, index uint8) (Channel, error)
	// NextMessage returns nil, nil when the queue is empty.
	NextMessage(ctx context.Context) (*Message, error)
	SendText(ctx context.Context, to Target, text string, sentAt time.Time) (SentInfo, error)
	Events() <-chan Event
	Stop()
}

// ContactConversation names the direct conversation with a contact.
func ContactConversation(p Prefix) string { return "contact:" + p.String() }

// ChannelConversation names a channel's conversation.
func ChannelConversation(index uint8) string { return "channel:" + strconv.Itoa(int(index)) }

// Conversation returns the conversation a message belongs to.
func (m *Message) Conversation() string {
	if m.Kind == KindChannel {
		return ChannelConversation(m.ChannelIndex)
	}
	return ContactConversation(m.ContactPrefix)
}

// ParseConversation splits a conversation id back into a send target.
func ParseConversation(conv string) (Target, error) {
	kind, id, ok := strings.Cut(conv, ":")
	if !ok {
		return Target{}, fmt.Errorf("%w: malformed %q", ErrBadConversation, conv)
	}
	switch kind {
	case "channel":
		n, err := strconv.ParseUint(id, 10, 8)
		if err != nil {
			return Target{}, fmt.Errorf("%w: channel %q: %w", ErrBadConversation, id, err)
		}
		return Target{Kind: KindChannel, Channel: uint8(n)}, nil
	case "contact":
		b, err := hex.DecodeString(id)
		if err != nil || len(b) != len(Prefix{}) {
			return Target{}, fmt.Errorf("%w: contact prefix %q", ErrBadConversation, id)
		}
		var t Target
		t.Kind = KindContact
		copy(t.Contact[:], b)
		return t, nil
	default:
		return Target{}, fmt.Errorf("%w: unknown kind %q", ErrBadConversation, kind)
	}
}
