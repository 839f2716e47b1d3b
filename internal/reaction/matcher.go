package reaction

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the number of indexed messages.
const DefaultCapacity = 2048

// Scope confines matching to one device and one conversation.
type Scope struct {
	DeviceID     string
	Conversation string
}

// Key identifies a reactable message: who sent it, where, and what it said.
type Key struct {
	Scope       Scope
	Participant string
	Hash        string
}

// KeyFor returns the key under which a message is indexed.
func KeyFor(scope Scope, participant, content string) Key {
	return Key{Scope: scope, Participant: participant, Hash: ShortHash(content)}
}

// TargetKey returns the key a reaction refers to.
func TargetKey(scope Scope, r Reaction) Key {
	return Key{Scope: scope, Participant: r.TargetSender, Hash: r.TargetHash}
}

// MessageKey is the persisted identity of an indexed message.
type MessageKey string

// Pending is a reaction whose target has not been seen yet.
type Pending struct {
	Target     Key
	Emoji      string
	Author     string
	RawText    string
	ReceivedAt time.Time
}

type entry struct {
	msg MessageKey
	at  time.Time
}

// Matcher indexes recent messages by Key and parks reactions until their
// target shows up. It is safe for concurrent use.
type Matcher struct {
	mu       sync.Mutex
	capacity int
	index    map[Key]entry
	order    []Key
	pending  map[Key][]Pending
}

// NewMatcher returns a matcher indexing at most capacity messages. A
// non-positive capacity selects DefaultCapacity.
func NewMatcher(capacity int) *Matcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Matcher{
		capacity: capacity,
		index:    make(map[Key]entry),
		pending:  make(map[Key][]Pending),
	}
}

// Index records msg under its key and returns the pending reactions it
// resolves. Returned reactions are removed; the caller persists them.
// When two messages share a key the later timestamp wins.
func (m *Matcher) Index(scope Scope, msg MessageKey, participant, content string, at time.Time) []Pending {
	key := KeyFor(scope, participant, content)

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.index[key]; !ok {
		m.order = append(m.order, key)
		m.index[key] = entry{msg: msg, at: at}
		m.evict()
	} else if !at.Before(cur.at) {
		m.index[key] = entry{msg: msg, at: at}
	}

	resolved := m.pending[key]
	delete(m.pending, key)
	return resolved
}

// FindTarget looks up the message a reaction key refers to.
func (m *Matcher) FindTarget(key Key) (MessageKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.index[key]
	return e.msg, ok
}

// AddPending parks p until its target is indexed. A reaction already parked
// for the same target, author and emoji is ignored.
func (m *Matcher) AddPending(p Pending) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.pending[p.Target] {
		if q.Author == p.Author && q.Emoji == p.Emoji {
			return
		}
	}
	m.pending[p.Target] = append(m.pending[p.Target], p)
}

// PendingCount returns the number of parked reactions.
func (m *Matcher) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ps := range m.pending {
		n += len(ps)
	}
	return n
}

// Reset drops the index and all pending reactions.
func (m *Matcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.index)
	clear(m.pending)
	m.order = nil
}

func (m *Matcher) evict() {
	for len(m.order) > m.capacity {
		delete(m.index, m.order[0])
		m.order = m.order[1:]
	}
}
