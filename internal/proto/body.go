package proto

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Prefix is the common body prefix carried by every sequenced message:
//
//	cseq (u8), unk1 (u8), unk2 (u16), deviceid (u32)
//
// Downlinks zero the unk fields; uplinks carry unk1 == 2 and unk2 == 0
// (PING also shows 4) and anything else is logged by the dispatcher.
type Prefix struct {
	CSeq     uint8
	Unk1     uint8
	Unk2     uint16
	DeviceID uint32
}

// PrefixSize is the wire size of the common body prefix.
const PrefixSize = 8

// Wire constants observed in captures.
const (
	// PingUplinkValue is the constant the device places in PING requests.
	PingUplinkValue uint16 = 1
	// PingReplyValue is the constant the cloud places in PING replies.
	PingReplyValue uint16 = 0xf43c
	// GetProgMarker trails every GET_PROG body.
	GetProgMarker uint32 = 0x800fe0
	// ProgEndMarker trails every PROG_END body.
	ProgEndMarker uint16 = 0x0a14
)

type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) i16() int16 { return int16(r.u16()) }

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) take(n int) []byte {
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) prefix() Prefix {
	var p Prefix
	p.CSeq = r.u8()
	p.Unk1 = r.u8()
	p.Unk2 = r.u16()
	p.DeviceID = r.u32()
	return p
}

type writer struct {
	buf []byte
	off int
}

func newWriter(n int) *writer { return &writer{buf: make([]byte, n)} }

func (w *writer) u8(v uint8) {
	w.buf[w.off] = v
	w.off++
}

func (w *writer) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *writer) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *writer) put(b []byte) {
	copy(w.buf[w.off:], b)
	w.off += len(b)
}

func (w *writer) prefix(p Prefix) {
	w.u8(p.CSeq)
	w.u8(p.Unk1)
	w.u16(p.Unk2)
	w.u32(p.DeviceID)
}

// UnmarshalPrefix reads the common body prefix alone, used when a message
// must be attributed to a device without decoding the full body.
func UnmarshalPrefix(b []byte) (Prefix, error) {
	if len(b) < PrefixSize {
		return Prefix{}, short("prefix", PrefixSize, len(b))
	}
	r := reader{buf: b}
	return r.prefix(), nil
}

func short(name string, want, have int) error {
	return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrMessageTooShort, name, want, have)
}

// Ping body: the prefix plus one u16. Uplinks carry PingUplinkValue, the
// server's reply carries PingReplyValue.
type Ping struct {
	Prefix
	Value uint16
}

const PingBodySize = PrefixSize + 2

func UnmarshalPing(b []byte) (*Ping, error) {
	if len(b) < PingBodySize {
		return nil, short("PING", PingBodySize, len(b))
	}
	r := reader{buf: b}
	p := &Ping{Prefix: r.prefix()}
	p.Value = r.u16()
	return p, nil
}

func (p *Ping) Marshal() []byte {
	w := newWriter(PingBodySize)
	w.prefix(p.Prefix)
	w.u16(p.Value)
	return w.buf
}

// GetProg asks the device to send every daily program for one room. The
// same layout comes back as the response.
type GetProg struct {
	Prefix
	Room   uint32
	Marker uint32
}

const GetProgBodySize = PrefixSize + 8

func UnmarshalGetProg(b []byte) (*GetProg, error) {
	if len(b) < GetProgBodySize {
		return nil, short("GET_PROG", GetProgBodySize, len(b))
	}
	r := reader{buf: b}
	g := &GetProg{Prefix: r.prefix()}
	g.Room = r.u32()
	g.Marker = r.u32()
	return g, nil
}

func (g *GetProg) Marshal() []byte {
	w := newWriter(GetProgBodySize)
	w.prefix(g.Prefix)
	w.u32(g.Room)
	w.u32(g.Marker)
	return w.buf
}

// Refresh carries only the prefix. Responses have been seen with trailing
// padding, which the dispatcher reports via the consumed-length check.
type Refresh struct {
	Prefix
}

const RefreshBodySize = PrefixSize

func UnmarshalRefresh(b []byte) (*Refresh, error) {
	if len(b) < RefreshBodySize {
		return nil, short("REFRESH", RefreshBodySize, len(b))
	}
	r := reader{buf: b}
	return &Refresh{Prefix: r.prefix()}, nil
}

func (f *Refresh) Marshal() []byte {
	w := newWriter(RefreshBodySize)
	w.prefix(f.Prefix)
	return w.buf
}

// DeviceTime looks like it only sets the daylight-saving flag (1 = DST).
// Downlinks carry the value as a u32 followed by four zero bytes; uplink
// responses have a meaningful first byte and garbage after it, preserved
// here for the unexpected-field checks.
type DeviceTime struct {
	Prefix
	Value uint8
	Unk3  uint8
	Unk4  uint16
	Unk5  uint32
}

const DeviceTimeBodySize = PrefixSize + 8

func UnmarshalDeviceTime(b []byte) (*DeviceTime, error) {
	if len(b) < DeviceTimeBodySize {
		return nil, short("DEVICE_TIME", DeviceTimeBodySize, len(b))
	}
	r := reader{buf: b}
	d := &DeviceTime{Prefix: r.prefix()}
	d.Value = r.u8()
	d.Unk3 = r.u8()
	d.Unk4 = r.u16()
	d.Unk5 = r.u32()
	return d, nil
}

func (d *DeviceTime) Marshal() []byte {
	w := newWriter(DeviceTimeBodySize)
	w.prefix(d.Prefix)
	w.u32(uint32(d.Value))
	w.u32(0)
	return w.buf
}

// OutsideTemp selects the outside temperature source: 0 none, 1 boiler,
// 2 web.
type OutsideTemp struct {
	Prefix
	Value uint8
}

const OutsideTempBodySize = PrefixSize + 1

func UnmarshalOutsideTemp(b []byte) (*OutsideTemp, error) {
	if len(b) < OutsideTempBodySize {
		return nil, short("OUTSIDE_TEMP", OutsideTempBodySize, len(b))
	}
	r := reader{buf: b}
	o := &OutsideTemp{Prefix: r.prefix()}
	o.Value = r.u8()
	return o, nil
}

func (o *OutsideTemp) Marshal() []byte {
	w := newWriter(OutsideTempBodySize)
	w.prefix(o.Prefix)
	w.u8(o.Value)
	return w.buf
}

// ProgEnd is sent by the device after the last PROGRAM of a batch and is
// echoed back verbatim.
type ProgEnd struct {
	Prefix
	Room   uint32
	Marker uint16
}

const ProgEndBodySize = PrefixSize + 6

func UnmarshalProgEnd(b []byte) (*ProgEnd, error) {
	if len(b) < ProgEndBodySize {
		return nil, short("PROG_END", ProgEndBodySize, len(b))
	}
	r := reader{buf: b}
	p := &ProgEnd{Prefix: r.prefix()}
	p.Room = r.u32()
	p.Marker = r.u16()
	return p, nil
}

func (p *ProgEnd) Marshal() []byte {
	w := newWriter(ProgEndBodySize)
	w.prefix(p.Prefix)
	w.u32(p.Room)
	w.u16(p.Marker)
	return w.buf
}

// SWVersion requests carry the bare prefix; the uplink appends 13 ASCII
// bytes of firmware version.
type SWVersion struct {
	Prefix
	Version string
}

const (
	SWVersionRequestSize = PrefixSize
	SWVersionBodySize    = PrefixSize + 13
)

func UnmarshalSWVersion(b []byte) (*SWVersion, error) {
	if len(b) < SWVersionBodySize {
		return nil, short("SWVERSION", SWVersionBodySize, len(b))
	}
	r := reader{buf: b}
	s := &SWVersion{Prefix: r.prefix()}
	s.Version = string(bytes.TrimRight(r.take(13), "\x00"))
	return s, nil
}

// Marshal emits the request/echo form, which never carries version bytes.
func (s *SWVersion) Marshal() []byte {
	w := newWriter(SWVersionRequestSize)
	w.prefix(s.Prefix)
	return w.buf
}

// Program carries one day of a room's weekly schedule, one byte per hour.
type Program struct {
	Prefix
	Room     uint32
	Day      uint16
	Schedule [24]byte
}

const ProgramBodySize = PrefixSize + 30

func UnmarshalProgram(b []byte) (*Program, error) {
	if len(b) < ProgramBodySize {
		return nil, short("PROGRAM", ProgramBodySize, len(b))
	}
	r := reader{buf: b}
	p := &Program{Prefix: r.prefix()}
	p.Room = r.u32()
	p.Day = r.u16()
	copy(p.Schedule[:], r.take(24))
	return p, nil
}

func (p *Program) Marshal() []byte {
	w := newWriter(ProgramBodySize)
	w.prefix(p.Prefix)
	w.u32(p.Room)
	w.u16(p.Day)
	w.put(p.Schedule[:])
	return w.buf
}

// Set covers the whole SET family; Type selects the value width on the
// wire. Values always fit a uint16.
type Set struct {
	Type MsgID
	Prefix
	Room  uint32
	Value uint16
}

// SetBodySize returns the body length of a SET message of type t.
func SetBodySize(t MsgID) int { return PrefixSize + 4 + t.SetValueWidth() }

func UnmarshalSet(t MsgID, b []byte) (*Set, error) {
	width := t.SetValueWidth()
	if width == 0 {
		return nil, fmt.Errorf("%s is not a SET message", t)
	}
	if len(b) < SetBodySize(t) {
		return nil, short(t.String(), SetBodySize(t), len(b))
	}
	r := reader{buf: b}
	s := &Set{Type: t, Prefix: r.prefix()}
	s.Room = r.u32()
	if width == 2 {
		s.Value = r.u16()
	} else {
		s.Value = uint16(r.u8())
	}
	return s, nil
}

func (s *Set) Marshal() []byte {
	w := newWriter(SetBodySize(s.Type))
	w.prefix(s.Prefix)
	w.u32(s.Room)
	if s.Type.SetValueWidth() == 2 {
		w.u16(s.Value)
	} else {
		w.u8(uint8(s.Value))
	}
	return w.buf
}

// StatusAck is the downlink acknowledgement of a STATUS uplink. LastSeen
// is the server wall clock in epoch seconds.
type StatusAck struct {
	Prefix
	LastSeen uint32
}

const StatusAckBodySize = PrefixSize + 4

func (s *StatusAck) Marshal() []byte {
	w := newWriter(StatusAckBodySize)
	w.prefix(s.Prefix)
	w.u32(s.LastSeen)
	return w.buf
}

// Room presence bytes seen in STATUS slots. Zero means the slot is empty.
const (
	presenceHeating = 0x8f
	presenceIdle    = 0x83
)

// StatusRoom is one of the eight fixed slots of a STATUS body.
type StatusRoom struct {
	Room        uint32
	Presence    uint8
	ModeByte    uint8
	Temp        int16
	SetTemp     int16
	T3          int16
	T2          int16
	T1          int16
	MaxSetp     int16
	MinSetp     int16
	Flags3      uint8
	Flags4      uint8
	Unk         uint16
	TempCurve   uint8
	HeatingSetp uint8
}

func (r *StatusRoom) Mode() uint8            { return r.ModeByte >> 4 }
func (r *StatusRoom) SensorInfluence() uint8 { return (r.Flags3 >> 3) & 0xf }
func (r *StatusRoom) Units() uint8           { return (r.Flags3 >> 2) & 1 }
func (r *StatusRoom) Advance() uint8         { return (r.Flags3 >> 1) & 1 }
func (r *StatusRoom) Boost() uint8           { return (r.Flags4 >> 2) & 1 }
func (r *StatusRoom) CmdIssued() uint8       { return (r.Flags4 >> 1) & 1 }
func (r *StatusRoom) Winter() uint8          { return r.Flags4 & 1 }

// Heating maps the presence byte to the relay state: 0x8F heating, 0x83
// idle. ok is false for any other non-zero value.
func (r *StatusRoom) Heating() (on bool, ok bool) {
	switch r.Presence {
	case presenceHeating:
		return true, true
	case presenceIdle:
		return false, true
	default:
		return false, false
	}
}

// OpenTherm is the boiler telemetry block appended to STATUS: a flags
// byte, one opaque byte, then ten i16 telemetry slots.
type OpenTherm struct {
	Flags     uint8
	Unk       uint8
	Telemetry [10]int16
}

func (o *OpenTherm) BoilerHeating() bool { return o.Flags&(1<<5) != 0 }
func (o *OpenTherm) DHWMode() bool       { return o.Flags&(1<<6) != 0 }

// Named telemetry slots observed on the wire; the rest stay opaque.
func (o *OpenTherm) TFlo() int16 { return o.Telemetry[2] }
func (o *OpenTherm) TdH() int16  { return o.Telemetry[4] }
func (o *OpenTherm) TESt() int16 { return o.Telemetry[5] }

// Status is the periodic uplink report: the prefix, eight room slots, the
// OpenTherm block, the wifi signal and a trailer nobody has identified.
type Status struct {
	Prefix
	Rooms      [8]StatusRoom
	OpenTherm  OpenTherm
	WifiSignal uint8
	Trailer    [9]byte
}

const (
	statusRoomSize     = 26
	openThermBlockSize = 22

	StatusBodySize = PrefixSize + 8*statusRoomSize + openThermBlockSize + 1 + 9
)

func UnmarshalStatus(b []byte) (*Status, error) {
	if len(b) < StatusBodySize {
		return nil, short("STATUS", StatusBodySize, len(b))
	}
	r := reader{buf: b}
	s := &Status{Prefix: r.prefix()}
	for i := range s.Rooms {
		s.Rooms[i] = decodeStatusRoom(&r)
	}
	s.OpenTherm.Flags = r.u8()
	s.OpenTherm.Unk = r.u8()
	for i := range s.OpenTherm.Telemetry {
		s.OpenTherm.Telemetry[i] = r.i16()
	}
	s.WifiSignal = r.u8()
	copy(s.Trailer[:], r.take(9))
	return s, nil
}

func decodeStatusRoom(r *reader) StatusRoom {
	var room StatusRoom
	room.Room = r.u32()
	room.Presence = r.u8()
	room.ModeByte = r.u8()
	room.Temp = r.i16()
	room.SetTemp = r.i16()
	room.T3 = r.i16()
	room.T2 = r.i16()
	room.T1 = r.i16()
	room.MaxSetp = r.i16()
	room.MinSetp = r.i16()
	room.Flags3 = r.u8()
	room.Flags4 = r.u8()
	room.Unk = r.u16()
	room.TempCurve = r.u8()
	room.HeatingSetp = r.u8()
	return room
}
