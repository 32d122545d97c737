package proto

import (
	"encoding/binary"
	"fmt"
)

// Flags is the wrapper flag byte.
//
//	bit 0  response (1 = reply)
//	bit 1  write (1 = write, 0 = read)
//	bit 2  valid (1 = device accepted the message type)
//	bit 3  downlink (1 = server to device)
//	bit 4  reserved, 0
//	bit 5  cloud-sync-lost (uplink only)
//	bit 6  reserved, 1 (observed)
//	bit 7  reserved, 0
type Flags uint8

const (
	flagResponse Flags = 1 << 0
	flagWrite    Flags = 1 << 1
	flagValid    Flags = 1 << 2
	flagDownlink Flags = 1 << 3
	flagSyncLost Flags = 1 << 5

	reservedMask Flags = 1<<4 | 1<<7
)

func (f Flags) Response() bool      { return f&flagResponse != 0 }
func (f Flags) Write() bool         { return f&flagWrite != 0 }
func (f Flags) Valid() bool         { return f&flagValid != 0 }
func (f Flags) Downlink() bool      { return f&flagDownlink != 0 }
func (f Flags) CloudSyncLost() bool { return f&flagSyncLost != 0 }

// ReservedClear reports whether the must-be-zero bits are in fact zero.
func (f Flags) ReservedClear() bool { return f&reservedMask == 0 }

// DownlinkFlags builds the flag byte for a server-originated message:
// downlink and valid are always set, sync-lost is cleared, response and
// write come from the caller.
func DownlinkFlags(response, write bool) Flags {
	f := flagValid | flagDownlink
	if response {
		f |= flagResponse
	}
	if write {
		f |= flagWrite
	}
	return f
}

// Wrapper is the per-message header inside a frame payload.
type Wrapper struct {
	Type  MsgID
	Flags Flags
}

const (
	wrapperOverhead = 4

	// The length field on the wire is the body length minus 8 (observed).
	lengthBias = 8
)

// EncodeWrapper prefixes body with the message header.
func EncodeWrapper(t MsgID, f Flags, body []byte) []byte {
	buf := make([]byte, len(body)+wrapperOverhead)
	buf[0] = uint8(t)
	buf[1] = uint8(f)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(body)-lengthBias))
	copy(buf[wrapperOverhead:], body)
	return buf
}

// DecodeWrapper splits a frame payload into its message header and body.
// The returned body is exactly the length declared by the header and
// aliases payload.
func DecodeWrapper(payload []byte) (Wrapper, []byte, error) {
	if len(payload) < wrapperOverhead {
		return Wrapper{}, nil, fmt.Errorf("%w: wrapper needs 4 bytes, have %d", ErrMessageTooShort, len(payload))
	}
	w := Wrapper{Type: MsgID(payload[0]), Flags: Flags(payload[1])}
	bodyLen := int(binary.LittleEndian.Uint16(payload[2:4])) + lengthBias
	body := payload[wrapperOverhead:]
	if len(body) < bodyLen {
		return Wrapper{}, nil, fmt.Errorf("%w: header declares %d body bytes, have %d", ErrMessageTooShort, bodyLen, len(body))
	}
	return w, body[:bodyLen], nil
}
