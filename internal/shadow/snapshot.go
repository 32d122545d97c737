package shadow

import (
	"slices"
	"time"
)

// Peer is the JSON-ready view of one transport address.
type Peer struct {
	Seq     uint32   `json:"seq"`
	Devices []uint32 `json:"devices"`
}

// Device is the JSON-ready view of one device shadow.
type Device struct {
	ID            uint32          `json:"id"`
	Addr          string          `json:"addr"`
	Version       string          `json:"version,omitempty"`
	WifiSignal    uint8           `json:"wifisignal"`
	BoilerHeating bool            `json:"boilerheating"`
	DHWMode       bool            `json:"dhwmode"`
	TFlo          int16           `json:"tFLO"`
	TdH           int16           `json:"tdH"`
	TESt          int16           `json:"tESt"`
	LastSeen      int64           `json:"lastseen"`
	Rooms         map[uint32]Room `json:"rooms"`
}

// Room is the JSON-ready view of one thermostat slot. Heating is nil when
// the presence byte was neither 0x8F nor 0x83.
type Room struct {
	ID              uint32              `json:"id"`
	Heating         *uint8              `json:"heating"`
	Temp            int16               `json:"temp"`
	SetTemp         int16               `json:"settemp"`
	T1              int16               `json:"t1"`
	T2              int16               `json:"t2"`
	T3              int16               `json:"t3"`
	MaxSetp         int16               `json:"maxsetp"`
	MinSetp         int16               `json:"minsetp"`
	Mode            uint8               `json:"mode"`
	TempCurve       uint8               `json:"tempcurve"`
	HeatingSetp     uint8               `json:"heatingsetp"`
	SensorInfluence uint8               `json:"sensorinfluence"`
	Units           uint8               `json:"units"`
	Advance         uint8               `json:"advance"`
	Boost           uint8               `json:"boost"`
	CmdIssued       uint8               `json:"cmdissued"`
	Winter          uint8               `json:"winter"`
	Days            map[uint16][24]byte `json:"days"`
	LastSeen        int64               `json:"lastseen"`
}

// Peers returns a deep-copied view of every known peer.
func (s *Store) Peers() map[string]Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Peer, len(s.peers))
	for addr, p := range s.peers {
		devices := make([]uint32, 0, len(p.devices))
		for id := range p.devices {
			devices = append(devices, id)
		}
		slices.Sort(devices)
		out[addr] = Peer{Seq: p.seq, Devices: devices}
	}
	return out
}

// DeviceIDs returns the ids of every known device, sorted.
func (s *Store) DeviceIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]uint32, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Device returns a deep-copied snapshot of one device shadow.
func (s *Store) Device(deviceID uint32) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.devices[deviceID]
	if d == nil {
		return Device{}, false
	}
	return s.deviceSnapshotLocked(deviceID, d), true
}

// Room returns a deep-copied snapshot of one thermostat slot.
func (s *Store) Room(deviceID, room uint32) (Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.devices[deviceID]
	if d == nil {
		return Room{}, false
	}
	r := d.rooms[room]
	if r == nil {
		return Room{}, false
	}
	return roomSnapshot(room, r), true
}

// ActiveRoomIDs returns the ids of rooms seen within the given window,
// sorted.
func (s *Store) ActiveRoomIDs(deviceID uint32, window time.Duration) []uint32 {
	cutoff := s.clock.Now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.devices[deviceID]
	if d == nil {
		return nil
	}
	ids := make([]uint32, 0, len(d.rooms))
	for id, r := range d.rooms {
		if r.lastSeen.After(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// ProgramDayIDs returns the days of the week for which a schedule is
// known, sorted.
func (s *Store) ProgramDayIDs(deviceID, room uint32) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.devices[deviceID]
	if d == nil {
		return nil
	}
	r := d.rooms[room]
	if r == nil {
		return nil
	}
	days := make([]uint16, 0, len(r.days))
	for day := range r.days {
		days = append(days, day)
	}
	slices.Sort(days)
	return days
}

func (s *Store) deviceSnapshotLocked(id uint32, d *deviceState) Device {
	out := Device{
		ID:            id,
		Version:       d.version,
		WifiSignal:    d.wifiSignal,
		BoilerHeating: d.boilerHeating,
		DHWMode:       d.dhwMode,
		TFlo:          d.tFlo,
		TdH:           d.tdH,
		TESt:          d.tESt,
		Rooms:         make(map[uint32]Room, len(d.rooms)),
	}
	if d.addr != nil {
		out.Addr = d.addr.String()
	}
	if !d.lastSeen.IsZero() {
		out.LastSeen = d.lastSeen.Unix()
	}
	for roomID, r := range d.rooms {
		out.Rooms[roomID] = roomSnapshot(roomID, r)
	}
	return out
}

func roomSnapshot(id uint32, r *roomState) Room {
	out := Room{
		ID:              id,
		Temp:            r.temp,
		SetTemp:         r.setTemp,
		T1:              r.t1,
		T2:              r.t2,
		T3:              r.t3,
		MaxSetp:         r.maxSetp,
		MinSetp:         r.minSetp,
		Mode:            r.mode,
		TempCurve:       r.tempCurve,
		HeatingSetp:     r.heatingSetp,
		SensorInfluence: r.sensorInfluence,
		Units:           r.units,
		Advance:         r.advance,
		Boost:           r.boost,
		CmdIssued:       r.cmdIssued,
		Winter:          r.winter,
		Days:            make(map[uint16][24]byte, len(r.days)),
	}
	if r.heating != nil {
		v := *r.heating
		out.Heating = &v
	}
	if !r.lastSeen.IsZero() {
		out.LastSeen = r.lastSeen.Unix()
	}
	for day, sched := range r.days {
		out.Days[day] = sched
	}
	return out
}
