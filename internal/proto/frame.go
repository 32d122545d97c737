package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	magicHeader uint16 = 0xd4fa
	magicFooter uint16 = 0xdf2d

	// header(2) + length(2) + seq(4) + crc(2) + footer(2)
	frameOverhead = 12

	// MaxDatagram bounds the size of a single protocol datagram.
	MaxDatagram = 4096
)

// DownlinkSeq is the frame sequence number carried by every
// server-originated datagram.
const DownlinkSeq uint32 = 0xffffffff

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Frame is the outer envelope of every protocol datagram:
//
//	 off  size  field
//	   0     2  magic header 0xD4FA
//	   2     2  payload length (excludes framing)
//	   4     4  sequence number
//	   8     N  payload
//	 8+N     2  CRC-16/XMODEM over the payload
//	10+N     2  magic footer 0xDF2D
//
// All fields are little-endian.
type Frame struct {
	Seq     uint32
	Payload []byte
}

// EncodeFrame wraps payload into a complete datagram.
func EncodeFrame(seq uint32, payload []byte) []byte {
	buf := make([]byte, len(payload)+frameOverhead)
	le := binary.LittleEndian
	le.PutUint16(buf[0:2], magicHeader)
	le.PutUint16(buf[2:4], uint16(len(payload)))
	le.PutUint32(buf[4:8], seq)
	copy(buf[8:], payload)
	off := 8 + len(payload)
	le.PutUint16(buf[off:off+2], crc16.Checksum(payload, crcTable))
	le.PutUint16(buf[off+2:off+4], magicFooter)
	return buf
}

// DecodeFrame validates the framing and returns the enclosed payload. The
// returned payload aliases buf. Any framing violation (magic, declared
// length, CRC) rejects the whole datagram.
func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < frameOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(buf))
	}
	le := binary.LittleEndian
	if hdr := le.Uint16(buf[0:2]); hdr != magicHeader {
		return nil, fmt.Errorf("%w: header 0x%04x", ErrFrameMagic, hdr)
	}
	length := int(le.Uint16(buf[2:4]))
	if len(buf) != length+frameOverhead {
		return nil, fmt.Errorf("%w: declared %d, datagram %d", ErrFrameLength, length, len(buf))
	}
	payload := buf[8 : 8+length]
	crc := le.Uint16(buf[8+length:])
	if calc := crc16.Checksum(payload, crcTable); calc != crc {
		return nil, fmt.Errorf("%w: got 0x%04x, want 0x%04x", ErrFrameCRC, crc, calc)
	}
	if ftr := le.Uint16(buf[10+length:]); ftr != magicFooter {
		return nil, fmt.Errorf("%w: footer 0x%04x", ErrFrameMagic, ftr)
	}
	return &Frame{Seq: le.Uint32(buf[4:8]), Payload: payload}, nil
}
