package store

// Device is a radio meshlink has connected to.
type Device struct {
	ID              string
	Transport       string
	Address         string
	Name            string
	PublicKey       string
	FirmwareVersion int
	Model           string
	Version         string
	MaxContacts     int
	MaxChannels     int
	LastConnectedAt int64
}

// Contact is a contact synced from a device.
type Contact struct {
	DeviceID     string
	PublicKey    string
	Prefix       string
	Name         string
	Type         int
	Flags        int
	PathLen      int
	LastAdvert   int64
	LastModified uint32
	Lat          float64
	Lon          float64
}

// Channel is a configured channel slot synced from a device.
type Channel struct {
	DeviceID string
	Index    int
	Name     string
	Secret   []byte
}

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Message statuses.
const (
	StatusReceived  = "received"
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Message is a stored text, inbound or outbound.
type Message struct {
	ID                 int64
	DeviceID           string
	Conversation       string
	Direction          string
	SenderName         string
	Body               string
	ContentHash        string
	SenderTS           int64 // unix seconds
	ReceivedAt         int64 // unix millis
	TimestampCorrected bool
	PathLen            int
	SNR                float64
	Status             string
	ClientMsgID        string
	AckCode            uint32
}

// Reaction is an emoji annotation attached to a stored message.
type Reaction struct {
	ID         int64
	MessageID  int64
	Sender     string
	Emoji      string
	RawText    string
	ReceivedAt int64
}

// OutboxEntry is a queued outgoing text.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	DeviceID     string
	Conversation string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	AckCode      uint32
	CreatedAt    int64
}

// Conversation summarizes one contact or channel thread.
type Conversation struct {
	ID                 string
	Name               string
	MessageCount       int64
	LastMessageAt      int64
	LastMessagePreview string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
