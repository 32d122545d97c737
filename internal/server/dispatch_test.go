package server

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/besimlabs/besim/internal/proto"
	"github.com/besimlabs/besim/internal/shadow"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// Observed uplink flag byte: valid set, bit 6 set.
const uplinkFlags = proto.Flags(1<<2 | 1<<6)

func uplink(t proto.MsgID, f proto.Flags, body []byte) []byte {
	return proto.EncodeFrame(1, proto.EncodeWrapper(t, f, body))
}

func appendU16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func appendU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }

// marshalStatus is the test-side encoder for the uplink-only STATUS body.
func marshalStatus(st *proto.Status) []byte {
	b := make([]byte, 0, proto.StatusBodySize)
	b = append(b, st.CSeq, st.Unk1)
	b = appendU16(b, st.Unk2)
	b = appendU32(b, st.DeviceID)
	for i := range st.Rooms {
		r := &st.Rooms[i]
		b = appendU32(b, r.Room)
		b = append(b, r.Presence, r.ModeByte)
		b = appendU16(b, uint16(r.Temp))
		b = appendU16(b, uint16(r.SetTemp))
		b = appendU16(b, uint16(r.T3))
		b = appendU16(b, uint16(r.T2))
		b = appendU16(b, uint16(r.T1))
		b = appendU16(b, uint16(r.MaxSetp))
		b = appendU16(b, uint16(r.MinSetp))
		b = append(b, r.Flags3, r.Flags4)
		b = appendU16(b, r.Unk)
		b = append(b, r.TempCurve, r.HeatingSetp)
	}
	b = append(b, st.OpenTherm.Flags, st.OpenTherm.Unk)
	for _, v := range st.OpenTherm.Telemetry {
		b = appendU16(b, uint16(v))
	}
	b = append(b, st.WifiSignal)
	b = append(b, st.Trailer[:]...)
	return b
}

func statusWithRoom(deviceID, room uint32, presence uint8) *proto.Status {
	st := &proto.Status{Prefix: proto.Prefix{CSeq: shadow.UnusedCSeq, Unk1: 2, DeviceID: deviceID}}
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

func TestServer_Dispatch_ColdStartStatus(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	srv, conn, store := newTestServer(t, clk)
	addr := testAddr(41000)

	datagram := uplink(proto.MsgStatus, uplinkFlags, marshalStatus(statusWithRoom(1, 5, 0x8f)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handle(context.Background(), addr, datagram)
	}()

	// The ack goes out before any follow-up.
	require.Eventually(t, func() bool { return conn.writeCount() == 1 }, time.Second, 5*time.Millisecond)
	frame, w, body := conn.write(t, 0)
	require.Equal(t, proto.DownlinkSeq, frame.Seq)
	require.Equal(t, proto.MsgStatus, w.Type)
	require.True(t, w.Flags.Response())
	require.True(t, w.Flags.Write())
	require.Equal(t, shadow.UnusedCSeq, body[0])
	require.Equal(t, uint32(clk.Now().Unix()), binary.LittleEndian.Uint32(body[8:12]))

	// The room's weekly program is unknown: a GET_PROG follows after the
	// pacing delay.
	clk.BlockUntil(1)
	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return conn.writeCount() == 2 }, time.Second, 5*time.Millisecond)
	_, w, body = conn.write(t, 1)
	require.Equal(t, proto.MsgGetProg, w.Type)
	require.Equal(t, uint32(5), binary.LittleEndian.Uint32(body[8:12]))
	require.Equal(t, proto.GetProgMarker, binary.LittleEndian.Uint32(body[12:16]))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch never finished")
	}

	dev, ok := store.Device(1)
	require.True(t, ok)
	require.Equal(t, addr.String(), dev.Addr)
	require.Equal(t, uint8(78), dev.WifiSignal)
	require.Len(t, dev.Rooms, 1)
	room := dev.Rooms[5]
	require.NotNil(t, room.Heating)
	require.Equal(t, uint8(1), *room.Heating)
	require.Equal(t, int16(205), room.Temp)
	require.Equal(t, int16(50), room.MinSetp)
}

func TestServer_Dispatch_PingReply(t *testing.T) {
	t.Parallel()

	srv, conn, store := newTestServer(t, nil)
	addr := testAddr(41001)

	body := []byte{0xff, 0x02, 0x04, 0x00}
	body = appendU32(body, 1)
	body = appendU16(body, proto.PingUplinkValue)
	srv.handle(context.Background(), addr, uplink(proto.MsgPing, uplinkFlags, body))

	require.Equal(t, 1, conn.writeCount())
	_, w, reply := conn.write(t, 0)
	require.Equal(t, proto.MsgPing, w.Type)
	require.True(t, w.Flags.Response())
	require.True(t, w.Flags.Write())
	require.True(t, w.Flags.Downlink())
	require.True(t, w.Flags.Valid())
	require.Equal(t, []byte{0xff, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x3c, 0xf4}, reply)

	_, ok := store.DeviceAddr(1)
	require.True(t, ok)
}

func TestServer_Dispatch_CorruptedPayloadDropped(t *testing.T) {
	t.Parallel()

	srv, conn, store := newTestServer(t, nil)

	datagram := uplink(proto.MsgStatus, uplinkFlags, marshalStatus(statusWithRoom(1, 5, 0x8f)))
	datagram[20] ^= 0xff // payload bit flip; the CRC no longer matches

	srv.handle(context.Background(), testAddr(41002), datagram)

	require.Zero(t, conn.writeCount())
	require.Zero(t, store.DeviceCount())
}

func TestServer_Dispatch_ProgramStoredAndEchoed(t *testing.T) {
	t.Parallel()

	srv, conn, store := newTestServer(t, nil)

	var sched [24]byte
	for i := range sched {
		sched[i] = 0x22
	}
	p := &proto.Program{
		Prefix:   proto.Prefix{CSeq: shadow.UnusedCSeq, Unk1: 2, DeviceID: 1},
		Room:     0x10,
		Day:      3,
		Schedule: sched,
	}
	srv.handle(context.Background(), testAddr(41003), uplink(proto.MsgProgram, uplinkFlags, p.Marshal()))

	stored, ok := store.ProgramDay(1, 0x10, 3)
	require.True(t, ok)
	require.Equal(t, sched, stored)

	require.Equal(t, 1, conn.writeCount())
	_, w, body := conn.write(t, 0)
	require.Equal(t, proto.MsgProgram, w.Type)
	require.True(t, w.Flags.Response())
	echo, err := proto.UnmarshalProgram(body)
	require.NoError(t, err)
	require.Equal(t, sched, echo.Schedule)
	require.Equal(t, uint32(0x10), echo.Room)
	require.Equal(t, uint16(3), echo.Day)
}

func TestServer_Dispatch_ProgramResponseNotEchoed(t *testing.T) {
	t.Parallel()

	srv, conn, _ := newTestServer(t, nil)

	p := &proto.Program{Prefix: proto.Prefix{CSeq: shadow.UnusedCSeq, Unk1: 2, DeviceID: 1}, Room: 1, Day: 0}
	flags := uplinkFlags | 1 // response bit
	srv.handle(context.Background(), testAddr(41004), uplink(proto.MsgProgram, flags, p.Marshal()))

	require.Zero(t, conn.writeCount())
}

func TestServer_Dispatch_SetResponseSignalsWaiter(t *testing.T) {
	t.Parallel()

	srv, conn, store := newTestServer(t, nil)
	addr := testAddr(41005)
	store.ObserveDevice(2, addr)

	results := make(chan *shadow.Result, 1)
	go func() {
		res, err := srv.Sender().Set(context.Background(), 2, 1, proto.MsgSetT1, 215, false, 5*time.Second)
		require.NoError(t, err)
		results <- res
	}()
	require.Eventually(t, func() bool { return store.PendingCount(2) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, conn.writeCount())

	// Device echoes the write back as a response with the same sequence.
	echo := []byte{store.LastCSeq(2), 0x02}
	echo = appendU16(echo, 0)
	echo = appendU32(echo, 2)
	echo = appendU32(echo, 1)
	echo = appendU16(echo, 215)
	srv.handle(context.Background(), addr, uplink(proto.MsgSetT1, uplinkFlags|1, echo))

	select {
	case res := <-results:
		require.NotNil(t, res)
		require.Equal(t, uint32(215), res.Value)
	case <-time.After(time.Second):
		t.Fatal("waiter never signalled")
	}

	room, ok := store.Room(2, 1)
	require.True(t, ok)
	require.Equal(t, int16(215), room.T1)
}

func TestServer_Dispatch_DeviceInitiatedSetEchoed(t *testing.T) {
	t.Parallel()

	srv, conn, store := newTestServer(t, nil)
	addr := testAddr(41006)

	body := []byte{0xff, 0x00}
	body = appendU16(body, 0)
	body = appendU32(body, 3)
	body = appendU32(body, 1)
	body = append(body, 2)
	srv.handle(context.Background(), addr, uplink(proto.MsgSetSeason, uplinkFlags, body))

	room, ok := store.Room(3, 1)
	require.True(t, ok)
	require.Equal(t, uint8(2), room.Winter)

	require.Equal(t, 1, conn.writeCount())
	_, w, echo := conn.write(t, 0)
	require.Equal(t, proto.MsgSetSeason, w.Type)
	require.True(t, w.Flags.Response())
	require.Equal(t, byte(2), echo[len(echo)-1])
}

func TestServer_Dispatch_RejectedMessageOnlyObservesDevice(t *testing.T) {
	t.Parallel()

	srv, conn, store := newTestServer(t, nil)

	// Valid bit clear: the device refused the message type.
	body := []byte{0x01, 0x02}
	body = appendU16(body, 0)
	body = appendU32(body, 9)
	flags := proto.Flags(1 << 6)
	srv.handle(context.Background(), testAddr(41007), uplink(proto.MsgRefresh, flags, body))

	require.Zero(t, conn.writeCount())
	_, ok := store.DeviceAddr(9)
	require.True(t, ok)
}

func TestServer_Dispatch_UnknownTypeNotAnswered(t *testing.T) {
	t.Parallel()

	srv, conn, _ := newTestServer(t, nil)

	body := []byte{0x01, 0x02}
	body = appendU16(body, 0)
	body = appendU32(body, 1)
	srv.handle(context.Background(), testAddr(41008), uplink(proto.MsgID(0x77), uplinkFlags, body))

	require.Zero(t, conn.writeCount())
}

func TestServer_Dispatch_NonResponseUplinkDoesNotSignal(t *testing.T) {
	t.Parallel()

	srv, _, store := newTestServer(t, nil)
	addr := testAddr(41011)
	store.ObserveDevice(6, addr)

	// A device-initiated REFRESH carrying a pending sequence must not
	// complete the request; only a response may.
	cseq, waiter := store.NextCSeq(6, time.Second)
	require.NotNil(t, waiter)

	body := []byte{cseq, 0x02}
	body = appendU16(body, 0)
	body = appendU32(body, 6)
	srv.handle(context.Background(), addr, uplink(proto.MsgRefresh, uplinkFlags, body))

	// The waiter channel is still empty, so a manual signal lands.
	require.True(t, store.Signal(6, cseq, shadow.Result{}))

	cseq, waiter = store.NextCSeq(6, time.Second)
	require.NotNil(t, waiter)
	body[0] = cseq
	srv.handle(context.Background(), addr, uplink(proto.MsgRefresh, uplinkFlags|1, body))

	// This time the dispatcher signalled; the slot is already full.
	require.False(t, store.Signal(6, cseq, shadow.Result{}))
}

func TestServer_Dispatch_SWVersionResponseSignals(t *testing.T) {
	t.Parallel()

	srv, _, store := newTestServer(t, nil)
	addr := testAddr(41009)
	store.ObserveDevice(4, addr)

	results := make(chan *shadow.Result, 1)
	go func() {
		res, err := srv.Sender().SWVersion(context.Background(), 4, false, 5*time.Second)
		require.NoError(t, err)
		results <- res
	}()
	require.Eventually(t, func() bool { return store.PendingCount(4) == 1 }, time.Second, 5*time.Millisecond)

	body := []byte{store.LastCSeq(4), 0x02}
	body = appendU16(body, 0)
	body = appendU32(body, 4)
	body = append(body, []byte("V3.0.11.03\x00\x00\x00")...)
	srv.handle(context.Background(), addr, uplink(proto.MsgSWVersion, uplinkFlags|1, body))

	select {
	case res := <-results:
		require.NotNil(t, res)
		require.Equal(t, "V3.0.11.03", res.Version)
	case <-time.After(time.Second):
		t.Fatal("waiter never signalled")
	}

	dev, ok := store.Device(4)
	require.True(t, ok)
	require.Equal(t, "V3.0.11.03", dev.Version)
}

func TestServer_Dispatch_IdenticalStatusesIdempotent(t *testing.T) {
	t.Parallel()

	srv, _, store := newTestServer(t, nil)
	addr := testAddr(41010)

	// With a complete weekly program the status triggers no follow-up.
	for day := uint16(0); day < 7; day++ {
		store.SetProgramDay(1, 5, day, [24]byte{})
	}

	datagram := uplink(proto.MsgStatus, uplinkFlags, marshalStatus(statusWithRoom(1, 5, 0x83)))
	srv.handle(context.Background(), addr, datagram)
	first, ok := store.Room(1, 5)
	require.True(t, ok)

	srv.handle(context.Background(), addr, datagram)
	second, ok := store.Room(1, 5)
	require.True(t, ok)

	first.LastSeen = second.LastSeen
	require.Equal(t, first, second)
	require.NotNil(t, second.Heating)
	require.Equal(t, uint8(0), *second.Heating)
}
