// Package shadow holds the in-memory mirror of every peer, device and
// thermostat the UDP listener has heard from. The shadow is the only ground
// truth in the process: the dispatcher mutates it from uplinks and the HTTP
// layer reads snapshots out of it.
//
// A single mutex guards the whole shadow, including the per-device
// pending-request tables. Readers always receive deep copies, never
// references into the guarded maps.
package shadow

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/besimlabs/besim/internal/proto"
	"github.com/jonboulle/clockwork"
)

const (
	// MaxCSeq is the largest control-plane sequence number; 0xfe is never
	// used and 0xff is reserved for unsolicited messages.
	MaxCSeq uint8 = 0xfd

	// UnusedCSeq marks messages that do not expect a correlated reply.
	UnusedCSeq uint8 = 0xff
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Store struct {
	log   *slog.Logger
	clock clockwork.Clock

	mu      sync.Mutex
	peers   map[string]*peerState
	devices map[uint32]*deviceState
}

type peerState struct {
	seq     uint32
	devices map[uint32]struct{}
}

type deviceState struct {
	addr     *net.UDPAddr
	cseq     uint8
	pending  map[uint8]*pendingRequest
	version  string
	lastSeen time.Time

	wifiSignal    uint8
	boilerHeating bool
	dhwMode       bool
	tFlo          int16
	tdH           int16
	tESt          int16

	rooms map[uint32]*roomState
}

type roomState struct {
	heating         *uint8
	temp            int16
	setTemp         int16
	t1, t2, t3      int16
	maxSetp         int16
	minSetp         int16
	mode            uint8
	tempCurve       uint8
	heatingSetp     uint8
	sensorInfluence uint8
	units           uint8
	advance         uint8
	boost           uint8
	cmdIssued       uint8
	winter          uint8
	days            map[uint16][24]byte
	lastSeen        time.Time
}

func NewStore(cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		peers:   make(map[string]*peerState),
		devices: make(map[uint32]*deviceState),
	}, nil
}

// TouchPeer records the last frame sequence number seen from a transport
// address, creating the peer on first contact. Peers live for the life of
// the process.
func (s *Store) TouchPeer(addr *net.UDPAddr, seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.peers[addr.String()]
	if p == nil {
		p = &peerState{devices: make(map[uint32]struct{})}
		s.peers[addr.String()] = p
	}
	p.seq = seq
}

// ObserveDevice creates the device shadow on first sighting and refreshes
// its transport address on every uplink; devices reconnect from new ports.
// The device is also added to the peer's device set.
func (s *Store) ObserveDevice(deviceID uint32, addr *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceLocked(deviceID).addr = addr
	if p := s.peers[addr.String()]; p != nil {
		p.devices[deviceID] = struct{}{}
	}
}

// deviceLocked returns the device state, creating it if needed. Callers
// must hold s.mu.
func (s *Store) deviceLocked(deviceID uint32) *deviceState {
	d := s.devices[deviceID]
	if d == nil {
		d = &deviceState{
			pending: make(map[uint8]*pendingRequest),
			rooms:   make(map[uint32]*roomState),
		}
		s.devices[deviceID] = d
	}
	return d
}

func (s *Store) roomLocked(d *deviceState, room uint32) *roomState {
	r := d.rooms[room]
	if r == nil {
		r = &roomState{days: make(map[uint16][24]byte)}
		d.rooms[room] = r
	}
	return r
}

// DeviceAddr returns the device's last known transport address.
func (s *Store) DeviceAddr(deviceID uint32) (*net.UDPAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[deviceID]
	if d == nil || d.addr == nil {
		return nil, false
	}
	return d.addr, true
}

// DeviceCount returns the number of devices in the shadow.
func (s *Store) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// RoomSample is one history datapoint extracted from a STATUS uplink.
type RoomSample struct {
	Room    uint32
	Temp    int16
	SetTemp int16
	Heating *uint8
}

// ApplyStatus writes a decoded STATUS uplink into the shadow. Slots with a
// zero presence byte are skipped; for the rest every field is overwritten
// and lastseen is stamped. It returns the device lastseen epoch (which the
// STATUS ack carries back), the set of rooms whose weekly program should be
// re-fetched (fewer than seven known days, or the device lost cloud sync)
// and one history sample per present room.
func (s *Store) ApplyStatus(deviceID uint32, st *proto.Status, syncLost bool) (lastSeen uint32, followUp []uint32, samples []RoomSample) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.deviceLocked(deviceID)
	for i := range st.Rooms {
		slot := &st.Rooms[i]
		if slot.Presence == 0 {
			continue
		}

		var heating *uint8
		if on, ok := slot.Heating(); ok {
			v := uint8(0)
			if on {
				v = 1
			}
			heating = &v
		} else {
			s.log.Warn("unexpected presence byte in status slot",
				"device", deviceID, "room", slot.Room, "presence", slot.Presence)
		}

		r := s.roomLocked(d, slot.Room)
		r.heating = heating
		r.temp = slot.Temp
		r.setTemp = slot.SetTemp
		r.t1, r.t2, r.t3 = slot.T1, slot.T2, slot.T3
		r.maxSetp = slot.MaxSetp
		r.minSetp = slot.MinSetp
		r.mode = slot.Mode()
		r.tempCurve = slot.TempCurve
		r.heatingSetp = slot.HeatingSetp
		r.sensorInfluence = slot.SensorInfluence()
		r.units = slot.Units()
		r.advance = slot.Advance()
		r.boost = slot.Boost()
		r.cmdIssued = slot.CmdIssued()
		r.winter = slot.Winter()
		r.lastSeen = now

		samples = append(samples, RoomSample{
			Room:    slot.Room,
			Temp:    slot.Temp,
			SetTemp: slot.SetTemp,
			Heating: heating,
		})

		if len(r.days) != 7 || syncLost {
			followUp = append(followUp, slot.Room)
		}
	}

	d.wifiSignal = st.WifiSignal
	d.boilerHeating = st.OpenTherm.BoilerHeating()
	d.dhwMode = st.OpenTherm.DHWMode()
	d.tFlo = st.OpenTherm.TFlo()
	d.tdH = st.OpenTherm.TdH()
	d.tESt = st.OpenTherm.TESt()
	d.lastSeen = now

	return uint32(now.Unix()), followUp, samples
}

// SetProgramDay stores one day of a room's weekly schedule.
func (s *Store) SetProgramDay(deviceID, room uint32, day uint16, sched [24]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(s.deviceLocked(deviceID), room)
	r.days[day] = sched
}

// ProgramDay returns one day of a room's weekly schedule.
func (s *Store) ProgramDay(deviceID, room uint32, day uint16) ([24]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[deviceID]
	if d == nil {
		return [24]byte{}, false
	}
	r := d.rooms[room]
	if r == nil {
		return [24]byte{}, false
	}
	sched, ok := r.days[day]
	return sched, ok
}

// SetVersion records the device firmware version once learned.
func (s *Store) SetVersion(deviceID uint32, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceLocked(deviceID).version = version
}

// ApplySet writes the scalar carried by a SET message into the matching
// room field.
func (s *Store) ApplySet(deviceID, room uint32, t proto.MsgID, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.roomLocked(s.deviceLocked(deviceID), room)
	switch t {
	case proto.MsgSetT1:
		r.t1 = int16(value)
	case proto.MsgSetT2:
		r.t2 = int16(value)
	case proto.MsgSetT3:
		r.t3 = int16(value)
	case proto.MsgSetMinHeatSetp:
		r.minSetp = int16(value)
	case proto.MsgSetMaxHeatSetp:
		r.maxSetp = int16(value)
	case proto.MsgSetMode:
		r.mode = uint8(value)
	case proto.MsgSetCurve:
		r.tempCurve = uint8(value)
	case proto.MsgSetUnits:
		r.units = uint8(value)
	case proto.MsgSetSeason:
		r.winter = uint8(value)
	case proto.MsgSetAdvance:
		r.advance = uint8(value)
	case proto.MsgSetSensorInfluence:
		r.sensorInfluence = uint8(value)
	default:
		s.log.Warn("set value for non-set message type ignored", "type", t.String())
	}
}
