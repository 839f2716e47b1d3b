package meshcore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/meshlink/internal/device"
)

// ErrDeviceError is wrapped around every ERR response from the radio.
var ErrDeviceError = errors.New("meshcore: device error")

var errShortFrame = errors.New("meshcore: short frame")

func appStart() []byte {
	b := []byte{cmdAppStart, appStartVersion}
	b = append(b, "      "...)
	return append(b, clientID...)
}

func deviceQuery() []byte { return []byte{cmdDeviceQuery, deviceQueryVersion} }

func getTime() []byte { return []byte{cmdGetDeviceTime} }

func setTime(t time.Time) []byte {
	return binary.LittleEndian.AppendUint32([]byte{cmdSetDeviceTime}, uint32(t.Unix()))
}

func getContacts(since uint32) []byte {
	if since == 0 {
		return []byte{cmdGetContacts}
	}
	return binary.LittleEndian.AppendUint32([]byte{cmdGetContacts}, since)
}

func syncNextMessage() []byte { return []byte{cmdSyncNextMessage} }

func getChannel(idx uint8) []byte { return []byte{cmdGetChannel, idx} }

func sendText(dst device.Prefix, attempt uint8, ts time.Time, text string) []byte {
	b := []byte{cmdSendTextMessage, txtTypePlain, attempt}
	b = binary.LittleEndian.AppendUint32(b, uint32(ts.Unix()))
	b = append(b, dst[:]...)
	return append(b, text...)
}

func sendChannelText(ch uint8, ts time.Time, text string) []byte {
	b := []byte{cmdSendChannelMessage, txtTypePlain, ch}
	b = binary.LittleEndian.AppendUint32(b, uint32(ts.Unix()))
	return append(b, text...)
}

// reader walks a response body.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if len(r.b) < n {
		r.err = errShortFrame
		return make([]byte, n)
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8   { return r.take(1)[0] }
func (r *reader) i8() int8    { return int8(r.take(1)[0]) }
func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *reader) i32() int32  { return int32(binary.LittleEndian.Uint32(r.take(4))) }

// cstr reads a fixed-width, NUL-padded string.
func (r *reader) cstr(n int) string {
	b := r.take(n)
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (r *reader) rest() []byte {
	out := r.b
	r.b = nil
	return out
}

func unixTime(sec uint32) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0)
}

func parseError(body []byte) error {
	if len(body) == 0 {
		return ErrDeviceError
	}
	return fmt.Errorf("%w: code %d", ErrDeviceError, body[0])
}

func parseContact(body []byte) (device.Contact, error) {
	if len(body) < contactRecordLen {
		return device.Contact{}, fmt.Errorf("contact record: %w", errShortFrame)
	}
	r := &reader{b: body}
	var c device.Contact
	copy(c.PublicKey[:], r.take(32))
	c.Type = device.ContactType(r.u8())
	c.Flags = r.u8()
	c.PathLen = r.i8()
	r.take(64)
	c.Name = r.cstr(nameLen)
	c.LastAdvert = unixTime(r.u32())
	c.Lat = float64(r.i32()) / 1e6
	c.Lon = float64(r.i32()) / 1e6
	c.LastModified = r.u32()
	return c, r.err
}

func parseSelfInfo(body []byte) (device.SelfInfo, error) {
	r := &reader{b: body}
	var s device.SelfInfo
	s.AdvType = r.u8()
	s.TxPower = r.u8()
	s.MaxTxPower = r.u8()
	copy(s.PublicKey[:], r.take(32))
	s.Lat = float64(r.i32()) / 1e6
	s.Lon = float64(r.i32()) / 1e6
	r.take(4) // multi-acks, advert location policy, telemetry mode, manual add
	s.FreqMHz = float64(r.u32()) / 1000
	s.BandwidthK = float64(r.u32()) / 1000
	s.SF = r.u8()
	s.CR = r.u8()
	s.Name = string(bytes.TrimRight(r.rest(), "\x00"))
	if r.err != nil {
		return device.SelfInfo{}, fmt.Errorf("self info: %w", r.err)
	}
	return s, nil
}

func parseDeviceInfo(body []byte) (device.DeviceInfo, error) {
	r := &reader{b: body}
	info := device.DeviceInfo{FirmwareVersion: r.u8()}
	if r.err != nil {
		return device.DeviceInfo{}, fmt.Errorf("device info: %w", r.err)
	}
	if info.FirmwareVersion < 3 {
		return info, nil
	}
	info.MaxContacts = int(r.u8()) * 2
	info.MaxChannels = int(r.u8())
	r.u32() // BLE PIN
	info.BuildDate = r.cstr(12)
	info.Model = r.cstr(40)
	info.Version = r.cstr(20)
	if r.err != nil {
		return device.DeviceInfo{}, fmt.Errorf("device info: %w", r.err)
	}
	return info, nil
}

func parseChannelInfo(body []byte) (device.Channel, error) {
	r := &reader{b: body}
	var ch device.Channel
	ch.Index = r.u8()
	ch.Name = r.cstr(nameLen)
	copy(ch.Secret[:], r.take(channelSecretLen))
	if r.err != nil {
		return device.Channel{}, fmt.Errorf("channel info: %w", r.err)
	}
	return ch, nil
}

func parseSent(body []byte) (device.SentInfo, error) {
	r := &reader{b: body}
	info := device.SentInfo{
		Flood:       r.u8() == 1,
		ExpectedAck: r.u32(),
	}
	info.SuggestedDelay = time.Duration(r.u32()) * time.Millisecond
	if r.err != nil {
		return device.SentInfo{}, fmt.Errorf("sent: %w", r.err)
	}
	return info, nil
}

func parseTime(body []byte) (time.Time, error) {
	r := &reader{b: body}
	sec := r.u32()
	if r.err != nil {
		return time.Time{}, fmt.Errorf("current time: %w", r.err)
	}
	return time.Unix(int64(sec), 0), nil
}

// parseMessage decodes contact and channel message frames in both the
// legacy and v3 layouts. receivedAt stamps the message.
func parseMessage(code byte, body []byte, receivedAt time.Time) (*device.Message, error) {
	r := &reader{b: body}
	m := &device.Message{ReceivedAt: receivedAt}

	if code == respContactMsgV3 || code == respChannelMsgV3 {
		m.SNR = float64(r.i8()) / 4
		r.take(2)
	}

	switch code {
	case respContactMsg, respContactMsgV3:
		m.Kind = device.KindContact
		copy(m.ContactPrefix[:], r.take(6))
	case respChannelMsg, respChannelMsgV3:
		m.Kind = device.KindChannel
		m.ChannelIndex = r.u8()
	default:
		return nil, fmt.Errorf("meshcore: unexpected message code %d", code)
	}

	m.PathLen = r.u8()
	m.TextType = r.u8()
	m.SenderTimestamp = time.Unix(int64(r.u32()), 0)
	if m.Kind == device.KindContact && m.TextType == txtTypeSigned {
		r.take(4)
	}
	// Radios relay whatever bytes peers sent; keep only valid UTF-8.
	text := strings.ToValidUTF8(string(bytes.TrimRight(r.rest(), "\x00")), "\uFFFD")
	if r.err != nil {
		return nil, fmt.Errorf("message: %w", r.err)
	}

	if m.Kind == device.KindChannel {
		m.SenderName, m.Text = splitChannelText(text)
	} else {
		m.Text = text
	}
	return m, nil
}

// splitChannelText separates the "Name: body" prefix channel messages carry.
func splitChannelText(text string) (sender, body string) {
	if i := strings.Index(text, ": "); i > 0 {
		return text[:i], text[i+2:]
	}
	return "", text
}
