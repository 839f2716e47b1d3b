package meshcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/transport"
)

// fakeRadio is an in-memory transport answering commands with canned frames.
type fakeRadio struct {
	mu      sync.Mutex
	frames  chan []byte
	events  chan transport.LinkEvent
	sent    [][]byte
	respond func(cmd []byte) [][]byte
}

func newFakeRadio(respond func(cmd []byte) [][]byte) *fakeRadio {
	return &fakeRadio{
		frames:  make(chan []byte, 64),
		events:  make(chan transport.LinkEvent, 1),
		respond: respond,
	}
}

func (f *fakeRadio) Open(context.Context) error         { return nil }
func (f *fakeRadio) Close() error                       { close(f.frames); return nil }
func (f *fakeRadio) Frames() <-chan []byte              { return f.frames }
func (f *fakeRadio) Events() <-chan transport.LinkEvent { return f.events }
func (f *fakeRadio) Reconnecting() bool                 { return false }

func (f *fakeRadio) Endpoint() transport.Endpoint {
	return transport.Endpoint{DeviceID: "fake", Kind: transport.KindTCP}
}

func (f *fakeRadio) Send(_ context.Context, frame []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, frame)
	f.mu.Unlock()
	for _, r := range f.respond(frame) {
		f.frames <- r
	}
	return nil
}

func (f *fakeRadio) push(frame []byte) { f.frames <- frame }

func TestSessionRequests(t *testing.T) {
	radio := newFakeRadio(func(cmd []byte) [][]byte {
		switch cmd[0] {
		case cmdGetDeviceTime:
			return [][]byte{append([]byte{respCurrentTime}, le32(1704067200)...)}
		case cmdSetDeviceTime:
			return [][]byte{{respOK}}
		case cmdGetChannel:
			return [][]byte{append(append([]byte{respChannelInfo, cmd[1]}, padded("Public", 32)...), make([]byte, 16)...)}
		}
		return [][]byte{{respErr, 1}}
	})
	s := NewSession(radio, time.Second, zap.NewNop())
	defer s.Stop()
	ctx := context.Background()

	got, err := s.GetTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, refTime, got)

	require.NoError(t, s.SetTime(ctx, refTime))

	ch, err := s.Channel(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "Public", ch.Name)
	assert.Equal(t, uint8(4), ch.Index)

	_, err = s.QueryDevice(ctx)
	assert.ErrorIs(t, err, ErrDeviceError)
}

func TestSessionContactsMultiFrame(t *testing.T) {
	radio := newFakeRadio(func(cmd []byte) [][]byte {
		return [][]byte{
			append([]byte{respContactsStart}, le32(2)...),
			append([]byte{respContact}, contactRecord("A", 10)...),
			append([]byte{respContact}, contactRecord("B", 11)...),
			append([]byte{respEndOfContacts}, le32(11)...),
		}
	})
	s := NewSession(radio, time.Second, zap.NewNop())
	defer s.Stop()

	batch, err := s.Contacts(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, batch.Contacts, 2)
	assert.Equal(t, "B", batch.Contacts[1].Name)
	assert.Equal(t, uint32(11), batch.LastModified)
	assert.Equal(t, getContacts(5), radio.sent[0])
}

func TestSessionNextMessageDrainsQueue(t *testing.T) {
	queue := [][]byte{
		append(append([]byte{respChannelMsg, 0, 0xFF, 0}, le32(1704067200)...), "Bob: hi"...),
	}
	radio := newFakeRadio(func([]byte) [][]byte {
		if len(queue) == 0 {
			return [][]byte{{respNoMoreMessages}}
		}
		f := queue[0]
		queue = queue[1:]
		return [][]byte{f}
	})
	s := NewSession(radio, time.Second, zap.NewNop())
	defer s.Stop()

	m, err := s.NextMessage(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Bob", m.SenderName)

	m, err = s.NextMessage(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestSessionTimeout(t *testing.T) {
	radio := newFakeRadio(func([]byte) [][]byte { return nil })
	s := NewSession(radio, 50*time.Millisecond, zap.NewNop())
	defer s.Stop()

	_, err := s.GetTime(context.Background())
	assert.ErrorIs(t, err, device.ErrTimeout)
}

func TestSessionPushEvents(t *testing.T) {
	radio := newFakeRadio(func([]byte) [][]byte { return nil })
	s := NewSession(radio, time.Second, zap.NewNop())
	defer s.Stop()

	radio.push([]byte{pushMsgWaiting})
	radio.push(append([]byte{pushSendConfirmed}, le32(0xCAFE)...))

	ev := <-s.Events()
	assert.Equal(t, device.EventMessagesWaiting, ev.Kind)
	ev = <-s.Events()
	assert.Equal(t, device.EventSendConfirmed, ev.Kind)
	assert.Equal(t, uint32(0xCAFE), ev.AckCode)
}

func TestSessionKeepsAcksUnderLoad(t *testing.T) {
	radio := newFakeRadio(func([]byte) [][]byte { return nil })
	s := NewSession(radio, time.Second, zap.NewNop())
	defer s.Stop()

	const n = 2 * eventChanSize
	go func() {
		for j := 0; j < n; j++ {
			radio.push([]byte{pushMsgWaiting})
		}
		for i := 0; i < n; i++ {
			radio.push(append([]byte{pushSendConfirmed}, le32(uint32(i))...))
		}
	}()

	var waiting int
	var acks []uint32
	timeout := time.After(2 * time.Second)
	for len(acks) < n {
		select {
		case ev := <-s.Events():
			switch ev.Kind {
			case device.EventMessagesWaiting:
				waiting++
			case device.EventSendConfirmed:
				acks = append(acks, ev.AckCode)
			}
		case <-timeout:
			t.Fatalf("got %d of %d acks", len(acks), n)
		}
	}
	assert.GreaterOrEqual(t, waiting, 1)
	for i, ack := range acks {
		assert.Equal(t, uint32(i), ack)
	}
}

func TestStopUnblocksPendingEvent(t *testing.T) {
	radio := newFakeRadio(func([]byte) [][]byte { return nil })
	s := NewSession(radio, time.Second, zap.NewNop())
	for i := 0; i < eventChanSize+1; i++ {
		radio.push(append([]byte{pushSendConfirmed}, le32(uint32(i))...))
	}

	stopped := make(chan struct{})
	go func() {
		// Let the read loop fill the buffer and block on the last ack.
		time.Sleep(20 * time.Millisecond)
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on a blocked event")
	}
}

func TestSessionTransportClosed(t *testing.T) {
	radio := newFakeRadio(func([]byte) [][]byte { return nil })
	s := NewSession(radio, time.Second, zap.NewNop())
	defer s.Stop()

	require.NoError(t, radio.Close())
	ev := <-s.Events()
	assert.Equal(t, device.EventLost, ev.Kind)

	_, err := s.GetTime(context.Background())
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestSessionStopIsIdempotent(t *testing.T) {
	radio := newFakeRadio(func([]byte) [][]byte { return nil })
	s := NewSession(radio, time.Second, zap.NewNop())
	s.Stop()
	s.Stop()

	_, ok := <-s.Events()
	assert.False(t, ok)
}

func TestSendTextTargets(t *testing.T) {
	radio := newFakeRadio(func(cmd []byte) [][]byte {
		if cmd[0] == cmdSendTextMessage {
			b := []byte{respSent, 1}
			b = append(b, le32(0xBEEF)...)
			return [][]byte{append(b, le32(3000)...)}
		}
		return [][]byte{{respOK}}
	})
	s := NewSession(radio, time.Second, zap.NewNop())
	defer s.Stop()
	ctx := context.Background()

	info, err := s.SendText(ctx, device.Target{Kind: device.KindContact, Contact: device.Prefix{1, 2, 3, 4, 5, 6}}, "yo", refTime)
	require.NoError(t, err)
	assert.True(t, info.Flood)
	assert.Equal(t, uint32(0xBEEF), info.ExpectedAck)
	assert.Equal(t, 3*time.Second, info.SuggestedDelay)

	_, err = s.SendText(ctx, device.Target{Kind: device.KindChannel, Channel: 1}, "all", refTime)
	require.NoError(t, err)
	assert.Equal(t, sendChannelText(1, refTime, "all"), radio.sent[1])
}
