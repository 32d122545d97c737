package proto

import "errors"

var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrFrameMagic      = errors.New("invalid frame magic")
	ErrFrameLength     = errors.New("frame length mismatch")
	ErrFrameCRC        = errors.New("frame crc mismatch")
	ErrMessageTooShort = errors.New("message too short")
)
