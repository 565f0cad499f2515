// Package relay implements the rendezvous relay: a wire header shared by
// every relay command and the server that forwards opaque payloads between
// the peers of a room.
package relay

import (
	"errors"

	"github.com/race/netrace/internal/roomcode"
)

// Every relay packet starts with [cmd:1][code:4][arg:1]. arg is the target
// slot on FORWARD from a peer, the sender slot on FORWARD from the relay,
// the slot on JOIN_OK and PEER_LEFT, and the reason on JOIN_FAIL.
const HeaderSize = 6

// Relay commands
const (
	CmdCreateRoom  uint8 = 0xA0
	CmdRoomCreated uint8 = 0xA1
	CmdJoinRoom    uint8 = 0xA2
	CmdJoinOK      uint8 = 0xA3
	CmdJoinFail    uint8 = 0xA4
	CmdLeaveRoom   uint8 = 0xA5
	CmdPeerLeft    uint8 = 0xA6
	CmdHeartbeat   uint8 = 0xA7
	CmdForward     uint8 = 0xA8
)

// Forward targets
const (
	TargetHost      uint8 = 0x00
	TargetBroadcast uint8 = 0xFF
)

// Join failure reasons
const (
	FailNotFound uint8 = 1
	FailFull     uint8 = 2
)

var (
	ErrShortPacket    = errors.New("relay: packet shorter than header")
	ErrUnknownCommand = errors.New("relay: unknown command")
)

// Header is the fixed relay header.
type Header struct {
	Cmd  uint8
	Code string
	Arg  uint8
}

// IsCommand reports whether b is a relay command byte.
func IsCommand(b uint8) bool {
	return b >= CmdCreateRoom && b <= CmdForward
}

// Encode returns the header followed by payload.
func Encode(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = h.Cmd
	copy(buf[1:5], "    ")
	copy(buf[1:5], h.Code)
	buf[5] = h.Arg
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode splits a relay packet into its header and payload. The payload
// aliases data.
func Decode(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, ErrShortPacket
	}
	if !IsCommand(data[0]) {
		return Header{}, nil, ErrUnknownCommand
	}
	h := Header{
		Cmd:  data[0],
		Code: roomcode.Normalize(string(data[1:5])),
		Arg:  data[5],
	}
	return h, data[HeaderSize:], nil
}

// Forward wraps a game packet for delivery to target.
func Forward(code string, target uint8, payload []byte) []byte {
	return Encode(Header{Cmd: CmdForward, Code: code, Arg: target}, payload)
}

// FailMessage is the user-facing text for a JOIN_FAIL reason.
func FailMessage(reason uint8) string {
	switch reason {
	case FailNotFound:
		return "room not found - check the code"
	case FailFull:
		return "room is full"
	}
	return "join failed"
}
