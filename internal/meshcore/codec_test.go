package meshcore

import (
	"encoding/binary"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/meshlink/internal/device"
)

var refTime = time.Unix(1704067200, 0)

func TestCommandBytes(t *testing.T) {
	dst := device.Prefix{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB}
	ts := []byte{0x80, 0x00, 0x92, 0x65}

	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"appStart", appStart(), append([]byte{0x01, 0x03}, "      MCore"...)},
		{"deviceQuery", deviceQuery(), []byte{0x16, 0x03}},
		{"getTime", getTime(), []byte{0x05}},
		{"setTime", setTime(refTime), append([]byte{0x06}, ts...)},
		{"getContacts", getContacts(0), []byte{0x04}},
		{"getContactsSince", getContacts(7), []byte{0x04, 0x07, 0x00, 0x00, 0x00}},
		{"getMessage", syncNextMessage(), []byte{0x0A}},
		{"getChannel", getChannel(0), []byte{0x1F, 0x00}},
		{"sendMessage", sendText(dst, 0, refTime, "Hello"),
			append(append(append([]byte{0x02, 0x00, 0x00}, ts...), dst[:]...), "Hello"...)},
		{"sendChannelMessage", sendChannelText(0, refTime, "Hi"),
			append(append([]byte{0x03, 0x00, 0x00}, ts...), "Hi"...)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func contactRecord(name string, lastmod uint32) []byte {
	b := make([]byte, contactRecordLen)
	for i := 0; i < 32; i++ {
		b[i] = byte(i + 1)
	}
	b[32] = byte(device.ContactChat)
	b[34] = 0xFF // flood path
	copy(b[99:131], name)
	binary.LittleEndian.PutUint32(b[131:], 1704067200)
	binary.LittleEndian.PutUint32(b[135:], uint32(int32(37774900)))
	lon := int32(-122419400)
	binary.LittleEndian.PutUint32(b[139:], uint32(lon))
	binary.LittleEndian.PutUint32(b[143:], lastmod)
	return b
}

func TestParseContact(t *testing.T) {
	c, err := parseContact(contactRecord("Ridge", 42))
	require.NoError(t, err)

	assert.Equal(t, byte(1), c.PublicKey[0])
	assert.Equal(t, device.Prefix{1, 2, 3, 4, 5, 6}, c.PublicKey.Prefix())
	assert.Equal(t, device.ContactChat, c.Type)
	assert.Equal(t, int8(-1), c.PathLen)
	assert.Equal(t, "Ridge", c.Name)
	assert.Equal(t, refTime, c.LastAdvert)
	assert.InDelta(t, 37.7749, c.Lat, 1e-6)
	assert.InDelta(t, -122.4194, c.Lon, 1e-6)
	assert.Equal(t, uint32(42), c.LastModified)

	_, err = parseContact(make([]byte, 20))
	assert.ErrorIs(t, err, errShortFrame)
}

func TestParseDeviceInfo(t *testing.T) {
	body := []byte{3, 175, 8}
	body = binary.LittleEndian.AppendUint32(body, 123456)
	body = append(body, padded("19 Feb 2025", 12)...)
	body = append(body, padded("Heltec V3", 40)...)
	body = append(body, padded("v1.9.0", 20)...)

	info, err := parseDeviceInfo(body)
	require.NoError(t, err)
	assert.Equal(t, device.DeviceInfo{
		FirmwareVersion: 3,
		MaxContacts:     350,
		MaxChannels:     8,
		BuildDate:       "19 Feb 2025",
		Model:           "Heltec V3",
		Version:         "v1.9.0",
	}, info)

	old, err := parseDeviceInfo([]byte{2})
	require.NoError(t, err)
	assert.Equal(t, uint8(2), old.FirmwareVersion)
	assert.Zero(t, old.MaxChannels)
}

func TestParseSelfInfo(t *testing.T) {
	body := []byte{1, 22, 22}
	body = append(body, make([]byte, 32)...)
	body = binary.LittleEndian.AppendUint32(body, 0)
	body = binary.LittleEndian.AppendUint32(body, 0)
	body = append(body, 0, 0, 0, 0)
	body = binary.LittleEndian.AppendUint32(body, 906875)
	body = binary.LittleEndian.AppendUint32(body, 250000)
	body = append(body, 11, 5)
	body = append(body, "base-camp"...)

	s, err := parseSelfInfo(body)
	require.NoError(t, err)
	assert.Equal(t, "base-camp", s.Name)
	assert.InDelta(t, 906.875, s.FreqMHz, 1e-9)
	assert.InDelta(t, 250.0, s.BandwidthK, 1e-9)
	assert.Equal(t, uint8(11), s.SF)
}

func TestParseChannelInfo(t *testing.T) {
	body := append([]byte{2}, padded("#hike", 32)...)
	body = append(body, make([]byte, 16)...)
	ch, err := parseChannelInfo(body)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), ch.Index)
	assert.Equal(t, "#hike", ch.Name)
	assert.True(t, ch.Configured())
}

func TestParseMessages(t *testing.T) {
	now := time.Unix(1704070000, 0)

	contact := append([]byte{1, 2, 3, 4, 5, 6, 0xFF, 0}, le32(1704067200)...)
	contact = append(contact, "hello"...)
	m, err := parseMessage(respContactMsg, contact, now)
	require.NoError(t, err)
	assert.Equal(t, device.KindContact, m.Kind)
	assert.Equal(t, device.Prefix{1, 2, 3, 4, 5, 6}, m.ContactPrefix)
	assert.Equal(t, "hello", m.Text)
	assert.Equal(t, refTime, m.SenderTimestamp)
	assert.Equal(t, now, m.ReceivedAt)

	channel := append([]byte{0xF4, 0, 0, 3, 2, 0}, le32(1704067200)...)
	channel = append(channel, "Alice: on my way"...)
	m, err = parseMessage(respChannelMsgV3, channel, now)
	require.NoError(t, err)
	assert.Equal(t, device.KindChannel, m.Kind)
	assert.Equal(t, uint8(3), m.ChannelIndex)
	assert.Equal(t, "Alice", m.SenderName)
	assert.Equal(t, "on my way", m.Text)
	assert.InDelta(t, -3.0, m.SNR, 1e-9)

	signed := append([]byte{1, 2, 3, 4, 5, 6, 0, txtTypeSigned}, le32(1704067200)...)
	signed = append(signed, 0xAA, 0xBB, 0xCC, 0xDD)
	signed = append(signed, "ok"...)
	m, err = parseMessage(respContactMsg, signed, now)
	require.NoError(t, err)
	assert.Equal(t, "ok", m.Text)
}

func TestParseMessageRepairsInvalidUTF8(t *testing.T) {
	body := append([]byte{7, 2, 0}, le32(1704067200)...)
	body = append(body, "Bob: caf"...)
	body = append(body, 0xE9, 0xFF, '!')
	m, err := parseMessage(respChannelMsg, body, refTime)
	require.NoError(t, err)
	assert.Equal(t, "Bob", m.SenderName)
	assert.Equal(t, "caf\uFFFD!", m.Text)
	assert.True(t, utf8.ValidString(m.Text))
}

func TestParseError(t *testing.T) {
	assert.ErrorIs(t, parseError([]byte{2}), ErrDeviceError)
	assert.ErrorIs(t, parseError(nil), ErrDeviceError)
}

func padded(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func le32(v uint32) []byte { return binary.LittleEndian.AppendUint32(nil, v) }
