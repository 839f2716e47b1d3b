// Package meshcore speaks the MeshCore companion radio protocol over a
// transport.Transport and exposes it as a device.Session.
package meshcore

// Command codes, host to radio.
const (
	cmdAppStart           byte = 0x01
	cmdSendTextMessage    byte = 0x02
	cmdSendChannelMessage byte = 0x03
	cmdGetContacts        byte = 0x04
	cmdGetDeviceTime      byte = 0x05
	cmdSetDeviceTime      byte = 0x06
	cmdSyncNextMessage    byte = 0x0A
	cmdDeviceQuery        byte = 0x16
	cmdGetChannel         byte = 0x1F
)

// Response codes, radio to host.
const (
	respOK             byte = 0
	respErr            byte = 1
	respContactsStart  byte = 2
	respContact        byte = 3
	respEndOfContacts  byte = 4
	respSelfInfo       byte = 5
	respSent           byte = 6
	respContactMsg     byte = 7
	respChannelMsg     byte = 8
	respCurrentTime    byte = 9
	respNoMoreMessages byte = 10
	respDeviceInfo     byte = 13
	respContactMsgV3   byte = 16
	respChannelMsgV3   byte = 17
	respChannelInfo    byte = 18
)

// Push codes are unsolicited and never answer a request.
const (
	pushAdvert        byte = 0x80
	pushPathUpdated   byte = 0x81
	pushSendConfirmed byte = 0x82
	pushMsgWaiting    byte = 0x83
)

const (
	appStartVersion    byte = 0x03
	deviceQueryVersion byte = 0x03
	clientID                = "MCore"

	txtTypePlain  byte = 0
	txtTypeSigned byte = 2

	contactRecordLen = 147
	nameLen          = 32
	channelSecretLen = 16
)

func isPush(code byte) bool { return code >= 0x80 }
