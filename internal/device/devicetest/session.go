// Package devicetest provides an in-memory device.Session for tests.
package devicetest

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/meshlink/internal/device"
)

// Sent records one SendText call.
type Sent struct {
	To   device.Target
	Text string
}

// Session is a scriptable device.Session. Zero values answer successfully
// with empty data.
type Session struct {
	mu sync.Mutex

	Self        device.SelfInfo
	Info        device.DeviceInfo
	contacts    []device.Contact
	lastMod     uint32
	channels    map[uint8]device.Channel
	queue       []*device.Message
	startErr    error
	queryErr    error
	contactsErr error
	messagesErr error
	channelErrs map[uint8]int
	sendErr     error
	gates       map[string]<-chan struct{}

	calls         map[string]int
	contactsSince []uint32
	sent          []Sent
	events        chan device.Event
	stopped       bool
}

var _ device.Session = (*Session)(nil)

// New returns a session with a buffered event stream.
func New() *Session {
	return &Session{
		channels:    make(map[uint8]device.Channel),
		channelErrs: make(map[uint8]int),
		calls:       make(map[string]int),
		gates:       make(map[string]<-chan struct{}),
		events:      make(chan device.Event, 16),
	}
}

func (s *Session) count(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

// Calls returns how many times the named method ran.
func (s *Session) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

// Block makes the named method ("Start" or "Contacts") wait until gate is
// closed or its context ends.
func (s *Session) Block(method string, gate <-chan struct{}) {
	s.mu.Lock()
	s.gates[method] = gate
	s.mu.Unlock()
}

func (s *Session) wait(ctx context.Context, method string) error {
	s.mu.Lock()
	gate := s.gates[method]
	s.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetStartErr makes Start fail with err.
func (s *Session) SetStartErr(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

// SetQueryErr makes QueryDevice fail with err.
func (s *Session) SetQueryErr(err error) {
	s.mu.Lock()
	s.queryErr = err
	s.mu.Unlock()
}

// SetContactsErr makes Contacts fail with err.
func (s *Session) SetContactsErr(err error) {
	s.mu.Lock()
	s.contactsErr = err
	s.mu.Unlock()
}

// SetMessagesErr makes NextMessage fail with err.
func (s *Session) SetMessagesErr(err error) {
	s.mu.Lock()
	s.messagesErr = err
	s.mu.Unlock()
}

// SetSendErr makes SendText fail with err.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// SetChannel configures a channel slot.
func (s *Session) SetChannel(ch device.Channel) {
	s.mu.Lock()
	s.channels[ch.Index] = ch
	s.mu.Unlock()
}

// FailChannel makes Channel(index) fail the next n times.
func (s *Session) FailChannel(index uint8, n int) {
	s.mu.Lock()
	s.channelErrs[index] = n
	s.mu.Unlock()
}

// Enqueue appends messages to the radio's pending queue.
func (s *Session) Enqueue(msgs ...*device.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msgs...)
	s.mu.Unlock()
}

// SetContacts replaces the contact table and its lastmod watermark.
func (s *Session) SetContacts(lastmod uint32, contacts ...device.Contact) {
	s.mu.Lock()
	s.contacts = contacts
	s.lastMod = lastmod
	s.mu.Unlock()
}

// ContactsSince returns the since argument of every Contacts call.
func (s *Session) ContactsSince() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.contactsSince...)
}

// SentTexts returns every successful SendText call.
func (s *Session) SentTexts() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

// Push delivers an unsolicited event.
func (s *Session) Push(ev device.Event) { s.events <- ev }

// Stopped reports whether Stop was called.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Session) Start(ctx context.Context) (device.SelfInfo, error) {
	s.count("Start")
	if err := s.wait(ctx, "Start"); err != nil {
		return device.SelfInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Self, s.startErr
}

func (s *Session) QueryDevice(context.Context) (device.DeviceInfo, error) {
	s.count("QueryDevice")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Info, s.queryErr
}

func (s *Session) GetTime(context.Context) (time.Time, error) {
	s.count("GetTime")
	return time.Now(), nil
}

func (s *Session) SetTime(context.Context, time.Time) error {
	s.count("SetTime")
	return nil
}

func (s *Session) Contacts(ctx context.Context, since uint32) (device.ContactBatch, error) {
	s.count("Contacts")
	if err := s.wait(ctx, "Contacts"); err != nil {
		return device.ContactBatch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contactsSince = append(s.contactsSince, since)
	if s.contactsErr != nil {
		return device.ContactBatch{}, s.contactsErr
	}
	var out []device.Contact
	for _, c := range s.contacts {
		if c.LastModified > since {
			out = append(out, c)
		}
	}
	return device.ContactBatch{Contacts: out, LastModified: s.lastMod}, nil
}

func (s *Session) Channel(_ context.Context, index uint8) (device.Channel, error) {
	s.count("Channel")
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := s.channelErrs[index]; n > 0 {
		s.channelErrs[index] = n - 1
		return device.Channel{}, device.ErrTimeout
	}
	ch, ok := s.channels[index]
	if !ok {
		return device.Channel{Index: index}, nil
	}
	return ch, nil
}

func (s *Session) NextMessage(context.Context) (*device.Message, error) {
	s.count("NextMessage")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messagesErr != nil {
		return nil, s.messagesErr
	}
	if len(s.queue) == 0 {
		return nil, nil
	}
	m := s.queue[0]
	s.queue = s.queue[1:]
	return m, nil
}

func (s *Session) SendText(_ context.Context, to device.Target, text string, _ time.Time) (device.SentInfo, error) {
	s.count("SendText")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return device.SentInfo{}, s.sendErr
	}
	s.sent = append(s.sent, Sent{To: to, Text: text})
	return device.SentInfo{ExpectedAck: uint32(len(s.sent))}, nil
}

func (s *Session) Events() <-chan device.Event { return s.events }

func (s *Session) Stop() {
	s.count("Stop")
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.events)
	}
}
