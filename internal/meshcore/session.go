package meshcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/device"
	"github.com/matheus3301/meshlink/internal/transport"
)

const (
	// DefaultTimeout bounds the wait for each response frame.
	DefaultTimeout = 5 * time.Second

	respChanSize  = 512
	eventChanSize = 32
)

// Session runs the companion protocol over a transport. Requests are
// serialized; the radio answers them in order. Push frames are turned into
// device events. Stop does not close the transport.
type Session struct {
	tr      transport.Transport
	log     *zap.Logger
	timeout time.Duration
	now     func() time.Time

	reqMu  sync.Mutex
	resp   chan []byte
	events chan device.Event
	done   chan struct{}
	gone   chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

var _ device.Session = (*Session)(nil)

// NewSession starts reading frames from tr. A non-positive timeout selects
// DefaultTimeout.
func NewSession(tr transport.Transport, timeout time.Duration, log *zap.Logger) *Session {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Session{
		tr:      tr,
		log:     log.With(zap.String("device", tr.Endpoint().DeviceID)),
		timeout: timeout,
		now:     time.Now,
		resp:    make(chan []byte, respChanSize),
		events:  make(chan device.Event, eventChanSize),
		done:    make(chan struct{}),
		gone:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Session) Events() <-chan device.Event { return s.events }

// Stop ends the read loop and closes Events. Safe to call more than once.
func (s *Session) Stop() {
	s.stop.Do(func() {
		close(s.done)
		s.wg.Wait()
		close(s.events)
	})
}

func (s *Session) run() {
	defer s.wg.Done()
	defer close(s.gone)

	frames := s.tr.Frames()
	for {
		select {
		case <-s.done:
			return
		case f, ok := <-frames:
			if !ok {
				s.emit(device.Event{Kind: device.EventLost, Err: device.ErrNotConnected})
				return
			}
			if len(f) == 0 {
				continue
			}
			if isPush(f[0]) {
				s.push(f[0], f[1:])
				continue
			}
			select {
			case s.resp <- f:
			case <-s.done:
				return
			}
		}
	}
}

func (s *Session) push(code byte, body []byte) {
	switch code {
	case pushMsgWaiting:
		s.emit(device.Event{Kind: device.EventMessagesWaiting})
	case pushAdvert, pushPathUpdated:
		var ev device.Event
		ev.Kind = device.EventAdvert
		copy(ev.PublicKey[:], body)
		s.emit(ev)
	case pushSendConfirmed:
		r := &reader{b: body}
		ack := r.u32()
		if r.err == nil {
			s.emit(device.Event{Kind: device.EventSendConfirmed, AckCode: ack})
		}
	default:
		s.log.Debug("meshcore: ignoring push", zap.Uint8("code", code))
	}
}

// emit delivers ev, waiting for room unless the session stops. Waiting and
// advert pushes are coalesced: any one still queued triggers the same
// drain or refresh, so a full buffer drops them.
func (s *Session) emit(ev device.Event) {
	if ev.Kind == device.EventMessagesWaiting || ev.Kind == device.EventAdvert {
		select {
		case s.events <- ev:
		default:
			s.log.Debug("meshcore: coalesced push", zap.Int("kind", int(ev.Kind)))
		}
		return
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// exchange sends cmd and feeds response frames to handle until it reports
// done. Each frame must arrive within the session timeout.
func (s *Session) exchange(ctx context.Context, cmd []byte, handle func(code byte, body []byte) (bool, error)) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	select {
	case <-s.gone:
		return device.ErrNotConnected
	default:
	}
	s.drain()

	if err := s.tr.Send(ctx, cmd); err != nil {
		if errors.Is(err, transport.ErrNotOpen) {
			return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
		}
		return err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.gone:
			return device.ErrNotConnected
		case <-timer.C:
			return fmt.Errorf("command 0x%02x: %w", cmd[0], device.ErrTimeout)
		case f := <-s.resp:
			if f[0] == respErr {
				return parseError(f[1:])
			}
			done, err := handle(f[0], f[1:])
			if err != nil || done {
				return err
			}
			timer.Reset(s.timeout)
		}
	}
}

// drain discards responses left over from a timed-out request.
func (s *Session) drain() {
	for {
		select {
		case f := <-s.resp:
			s.log.Debug("meshcore: discarding stale response", zap.Uint8("code", f[0]))
		default:
			return
		}
	}
}

func unexpected(code byte) error {
	return fmt.Errorf("meshcore: unexpected response code %d", code)
}

func (s *Session) Start(ctx context.Context) (device.SelfInfo, error) {
	var info device.SelfInfo
	err := s.exchange(ctx, appStart(), func(code byte, body []byte) (bool, error) {
		if code != respSelfInfo {
			return false, unexpected(code)
		}
		var err error
		info, err = parseSelfInfo(body)
		return true, err
	})
	return info, err
}

func (s *Session) QueryDevice(ctx context.Context) (device.DeviceInfo, error) {
	var info device.DeviceInfo
	err := s.exchange(ctx, deviceQuery(), func(code byte, body []byte) (bool, error) {
		if code != respDeviceInfo {
			return false, unexpected(code)
		}
		var err error
		info, err = parseDeviceInfo(body)
		return true, err
	})
	return info, err
}

func (s *Session) GetTime(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.exchange(ctx, getTime(), func(code byte, body []byte) (bool, error) {
		if code != respCurrentTime {
			return false, unexpected(code)
		}
		var err error
		t, err = parseTime(body)
		return true, err
	})
	return t, err
}

func (s *Session) SetTime(ctx context.Context, t time.Time) error {
	return s.exchange(ctx, setTime(t), func(code byte, _ []byte) (bool, error) {
		if code != respOK {
			return false, unexpected(code)
		}
		return true, nil
	})
}

func (s *Session) Contacts(ctx context.Context, since uint32) (device.ContactBatch, error) {
	var batch device.ContactBatch
	err := s.exchange(ctx, getContacts(since), func(code byte, body []byte) (bool, error) {
		switch code {
		case respContactsStart:
			return false, nil
		case respContact:
			c, err := parseContact(body)
			if err != nil {
				return false, err
			}
			batch.Contacts = append(batch.Contacts, c)
			return false, nil
		case respEndOfContacts:
			r := &reader{b: body}
			batch.LastModified = r.u32()
			return true, r.err
		default:
			return false, unexpected(code)
		}
	})
	return batch, err
}

func (s *Session) Channel(ctx context.Context, index uint8) (device.Channel, error) {
	var ch device.Channel
	err := s.exchange(ctx, getChannel(index), func(code byte, body []byte) (bool, error) {
		if code != respChannelInfo {
			return false, unexpected(code)
		}
		var err error
		ch, err = parseChannelInfo(body)
		return true, err
	})
	return ch, err
}

func (s *Session) NextMessage(ctx context.Context) (*device.Message, error) {
	var msg *device.Message
	err := s.exchange(ctx, syncNextMessage(), func(code byte, body []byte) (bool, error) {
		switch code {
		case respNoMoreMessages:
			return true, nil
		case respContactMsg, respChannelMsg, respContactMsgV3, respChannelMsgV3:
			var err error
			msg, err = parseMessage(code, body, s.now())
			return true, err
		default:
			return false, unexpected(code)
		}
	})
	return msg, err
}

func (s *Session) SendText(ctx context.Context, to device.Target, text string, sentAt time.Time) (device.SentInfo, error) {
	var cmd []byte
	if to.Kind == device.KindChannel {
		cmd = sendChannelText(to.Channel, sentAt, text)
	} else {
		cmd = sendText(to.Contact, 0, sentAt, text)
	}
	var info device.SentInfo
	err := s.exchange(ctx, cmd, func(code byte, body []byte) (bool, error) {
		switch code {
		case respOK:
			return true, nil
		case respSent:
			var err error
			info, err = parseSent(body)
			return true, err
		default:
			return false, unexpected(code)
		}
	})
	return info, err
}
