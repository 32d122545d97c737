package shadow

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/besimlabs/besim/internal/proto"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, clk clockwork.Clock) *Store {
	t.Helper()
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	s, err := NewStore(&Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clk,
	})
	require.NoError(t, err)
	return s
}

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(192, 168, 1, 20), Port: port}
}

func statusWithRoom(room uint32, presence uint8) *proto.Status {
	st := &proto.Status{Prefix: proto.Prefix{CSeq: UnusedCSeq, Unk1: 2}}
	st.Rooms[0] = proto.StatusRoom{
		Room:        room,
		Presence:    presence,
		ModeByte:    0x20,
		Temp:        205,
		SetTemp:     210,
		T3:          180,
		T2:          160,
		T1:          120,
		MaxSetp:     800,
		MinSetp:     50,
		Flags3:      0x1e,
		Flags4:      0x07,
		TempCurve:   9,
		HeatingSetp: 60,
	}
	st.WifiSignal = 78
	return st
}

func TestShadow_Store_NextCSeqWrapsWithoutRepetition(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	seen := make(map[uint8]bool)
	for i := 0; i <= int(MaxCSeq); i++ {
		cseq, w := s.NextCSeq(1, 0)
		require.Nil(t, w)
		require.LessOrEqual(t, cseq, MaxCSeq)
		require.False(t, seen[cseq], "cseq %d repeated", cseq)
		seen[cseq] = true
	}

	// The full cycle is exhausted; the next allocation restarts at zero.
	cseq, _ := s.NextCSeq(1, 0)
	require.Equal(t, uint8(0), cseq)
}

func TestShadow_Store_LastCSeqTracksWire(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)

	cseq, _ := s.NextCSeq(1, 0)
	require.Equal(t, uint8(0), cseq)
	require.Equal(t, uint8(0), s.LastCSeq(1))

	// Walk to the wrap point and check the modular arithmetic there.
	for i := 0; i < int(MaxCSeq); i++ {
		cseq, _ = s.NextCSeq(1, 0)
	}
	require.Equal(t, MaxCSeq, cseq)
	require.Equal(t, MaxCSeq, s.LastCSeq(1))

	cseq, _ = s.NextCSeq(1, 0)
	require.Equal(t, uint8(0), cseq)
	require.Equal(t, uint8(0), s.LastCSeq(1))
}

func TestShadow_Store_NextCSeqEvictsStaleEntry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	cseq, w := s.NextCSeq(1, time.Second)
	require.NotNil(t, w)
	require.Equal(t, cseq, w.CSeq())
	require.Equal(t, 1, s.PendingCount(1))

	// Walk the counter all the way around without waiting anywhere; when the
	// slot comes up again the dangling entry must be gone.
	for i := 0; i <= int(MaxCSeq); i++ {
		s.NextCSeq(1, 0)
	}
	require.Zero(t, s.PendingCount(1))
}

func TestShadow_Store_SignalDeliversResult(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	cseq, w := s.NextCSeq(1, time.Second)

	require.True(t, s.Signal(1, cseq, Result{Value: 215}))

	res := w.Wait(context.Background())
	require.NotNil(t, res)
	require.Equal(t, uint32(215), res.Value)
	require.Zero(t, s.PendingCount(1))
}

func TestShadow_Store_SignalWithoutWaiter(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	require.False(t, s.Signal(1, 0, Result{Value: 1}), "unknown device")

	cseq, _ := s.NextCSeq(1, 0)
	require.False(t, s.Signal(1, cseq, Result{Value: 1}), "nothing pending")
}

func TestShadow_Store_WaitTimesOut(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	s := newTestStore(t, clk)
	_, w := s.NextCSeq(1, time.Second)

	done := make(chan *Result, 1)
	go func() { done <- w.Wait(context.Background()) }()

	clk.BlockUntil(1)
	clk.Advance(time.Second)

	require.Nil(t, <-done)
	require.Zero(t, s.PendingCount(1))
}

func TestShadow_Store_WaitHonoursContextCancel(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	s := newTestStore(t, clk)
	_, w := s.NextCSeq(1, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Result, 1)
	go func() { done <- w.Wait(ctx) }()

	clk.BlockUntil(1)
	cancel()

	require.Nil(t, <-done)
	require.Zero(t, s.PendingCount(1))
}

func TestShadow_Store_ApplyStatusCreatesDeviceAndRoom(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	s := newTestStore(t, clk)
	s.TouchPeer(testAddr(6199), 7)
	s.ObserveDevice(0x12345678, testAddr(6199))

	lastSeen, followUp, samples := s.ApplyStatus(0x12345678, statusWithRoom(0x10, 0x8f), false)
	require.Equal(t, uint32(1700000000), lastSeen)
	require.Equal(t, []uint32{0x10}, followUp, "no program known yet")
	require.Len(t, samples, 1)
	require.Equal(t, uint32(0x10), samples[0].Room)
	require.NotNil(t, samples[0].Heating)
	require.Equal(t, uint8(1), *samples[0].Heating)

	room, ok := s.Room(0x12345678, 0x10)
	require.True(t, ok)
	require.NotNil(t, room.Heating)
	require.Equal(t, uint8(1), *room.Heating)
	require.Equal(t, int16(205), room.Temp)
	require.Equal(t, int16(210), room.SetTemp)
	require.Equal(t, uint8(2), room.Mode)
	require.Equal(t, uint8(3), room.SensorInfluence)
	require.Equal(t, uint8(1), room.Units)
	require.Equal(t, uint8(1), room.Winter)
	require.Equal(t, int64(1700000000), room.LastSeen)

	dev, ok := s.Device(0x12345678)
	require.True(t, ok)
	require.Equal(t, uint8(78), dev.WifiSignal)
	require.Equal(t, testAddr(6199).String(), dev.Addr)
}

func TestShadow_Store_ApplyStatusHeatingStates(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		presence uint8
		want     *uint8
	}{
		{0x8f, ptr(uint8(1))},
		{0x83, ptr(uint8(0))},
		{0x01, nil},
	} {
		s := newTestStore(t, nil)
		s.ApplyStatus(1, statusWithRoom(0x10, tt.presence), false)
		room, ok := s.Room(1, 0x10)
		require.True(t, ok, "presence 0x%02x", tt.presence)
		require.Equal(t, tt.want, room.Heating, "presence 0x%02x", tt.presence)
	}
}

func ptr[T any](v T) *T { return &v }

func TestShadow_Store_ApplyStatusSkipsEmptySlots(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	_, followUp, samples := s.ApplyStatus(1, &proto.Status{}, false)
	require.Empty(t, followUp)
	require.Empty(t, samples)

	dev, ok := s.Device(1)
	require.True(t, ok, "device exists even with no rooms")
	require.Empty(t, dev.Rooms)
}

func TestShadow_Store_ApplyStatusIsIdempotentOnFields(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	s := newTestStore(t, clk)

	s.ApplyStatus(1, statusWithRoom(0x10, 0x8f), false)
	first, ok := s.Room(1, 0x10)
	require.True(t, ok)

	clk.Advance(40 * time.Second)
	s.ApplyStatus(1, statusWithRoom(0x10, 0x8f), false)
	second, ok := s.Room(1, 0x10)
	require.True(t, ok)

	require.Equal(t, first.LastSeen+40, second.LastSeen)
	first.LastSeen = second.LastSeen
	require.Empty(t, cmp.Diff(first, second))
}

func TestShadow_Store_ApplyStatusFollowUpOnSyncLost(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	for day := uint16(0); day < 7; day++ {
		s.SetProgramDay(1, 0x10, day, [24]byte{})
	}

	_, followUp, _ := s.ApplyStatus(1, statusWithRoom(0x10, 0x83), false)
	require.Empty(t, followUp, "full program known")

	_, followUp, _ = s.ApplyStatus(1, statusWithRoom(0x10, 0x83), true)
	require.Equal(t, []uint32{0x10}, followUp, "device lost cloud sync")
}

func TestShadow_Store_ApplySetUpdatesRoomFields(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	s.ApplyStatus(1, statusWithRoom(0x10, 0x83), false)

	s.ApplySet(1, 0x10, proto.MsgSetT1, 215)
	s.ApplySet(1, 0x10, proto.MsgSetMinHeatSetp, 55)
	s.ApplySet(1, 0x10, proto.MsgSetMode, 4)
	s.ApplySet(1, 0x10, proto.MsgSetSeason, 0)

	room, ok := s.Room(1, 0x10)
	require.True(t, ok)
	require.Equal(t, int16(215), room.T1)
	require.Equal(t, int16(55), room.MinSetp)
	require.Equal(t, uint8(4), room.Mode)
	require.Zero(t, room.Winter)
}

func TestShadow_Store_ProgramDays(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	var sched [24]byte
	for i := range sched {
		sched[i] = 0x22
	}
	s.SetProgramDay(1, 0x10, 3, sched)

	got, ok := s.ProgramDay(1, 0x10, 3)
	require.True(t, ok)
	require.Equal(t, sched, got)

	_, ok = s.ProgramDay(1, 0x10, 4)
	require.False(t, ok)

	require.Equal(t, []uint16{3}, s.ProgramDayIDs(1, 0x10))
}

func TestShadow_Store_ActiveRoomIDsWindow(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	s := newTestStore(t, clk)
	s.ApplyStatus(1, statusWithRoom(0x10, 0x83), false)

	require.Equal(t, []uint32{0x10}, s.ActiveRoomIDs(1, 600*time.Second))

	clk.Advance(601 * time.Second)
	require.Empty(t, s.ActiveRoomIDs(1, 600*time.Second))
}

func TestShadow_Store_PeerTracking(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	addr := testAddr(6199)
	s.TouchPeer(addr, 41)
	s.ObserveDevice(7, addr)
	s.TouchPeer(addr, 42)

	peers := s.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, uint32(42), peers[addr.String()].Seq)
	require.Equal(t, []uint32{7}, peers[addr.String()].Devices)

	// A reconnect from a new port updates the device address.
	s.TouchPeer(testAddr(7000), 1)
	s.ObserveDevice(7, testAddr(7000))
	got, ok := s.DeviceAddr(7)
	require.True(t, ok)
	require.Equal(t, testAddr(7000).String(), got.String())
	require.Len(t, s.Peers(), 2)

	require.Equal(t, []uint32{7}, s.DeviceIDs())
	require.Equal(t, 1, s.DeviceCount())
}

func TestShadow_Store_SetVersion(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	s.SetVersion(7, "V3.10")
	dev, ok := s.Device(7)
	require.True(t, ok)
	require.Equal(t, "V3.10", dev.Version)
}

func TestShadow_Store_SnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, nil)
	s.ApplyStatus(1, statusWithRoom(0x10, 0x8f), false)
	s.SetProgramDay(1, 0x10, 0, [24]byte{1})

	room, _ := s.Room(1, 0x10)
	room.Days[0] = [24]byte{9}
	*room.Heating = 0

	again, _ := s.Room(1, 0x10)
	require.Equal(t, [24]byte{1}, again.Days[0])
	require.Equal(t, uint8(1), *again.Heating)
}
