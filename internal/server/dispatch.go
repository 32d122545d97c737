package server

import (
	"context"
	"net"
	"strconv"

	"github.com/besimlabs/besim/internal/metrics"
	"github.com/besimlabs/besim/internal/proto"
	"github.com/besimlabs/besim/internal/shadow"
)

// dispatch decodes one datagram and routes the message. Decode failures
// log and drop; nothing mutates the shadow until the frame, wrapper and
// body all check out.
func (s *Server) dispatch(ctx context.Context, addr *net.UDPAddr, data []byte) {
	frame, err := proto.DecodeFrame(data)
	if err != nil {
		metrics.FrameDecodeErrs.Inc()
		s.log.Warn("dropping malformed frame", "addr", addr.String(), "len", len(data), "error", err)
		return
	}

	wrapper, body, err := proto.DecodeWrapper(frame.Payload)
	if err != nil {
		metrics.MessageDecodeErrs.Inc()
		s.log.Warn("dropping malformed wrapper", "addr", addr.String(), "seq", frame.Seq, "error", err)
		return
	}

	s.store.TouchPeer(addr, frame.Seq)
	metrics.UplinkMessages.WithLabelValues(wrapper.Type.String()).Inc()

	if !wrapper.Flags.ReservedClear() {
		s.log.Warn("uplink with reserved flag bits set",
			"addr", addr.String(), "type", wrapper.Type.String(), "flags", uint8(wrapper.Flags))
	}
	if wrapper.Flags.Downlink() {
		s.log.Warn("inbound message carries the downlink bit",
			"addr", addr.String(), "type", wrapper.Type.String(), "flags", uint8(wrapper.Flags))
	}

	// A clear valid bit means the device rejected the message type. The
	// shadow only learns that the device is alive; the body is not trusted.
	if !wrapper.Flags.Valid() {
		metrics.DeviceRejected.Inc()
		prefix, err := proto.UnmarshalPrefix(body)
		if err != nil {
			s.log.Warn("device rejected message, prefix unreadable",
				"addr", addr.String(), "type", wrapper.Type.String(), "error", err)
			return
		}
		s.log.Warn("device rejected message type",
			"addr", addr.String(), "type", wrapper.Type.String(),
			"device", prefix.DeviceID, "cseq", prefix.CSeq)
		s.store.ObserveDevice(prefix.DeviceID, addr)
		return
	}

	consumed := s.route(ctx, addr, wrapper, body)
	if consumed < 0 {
		return
	}
	if consumed != len(body) {
		s.log.Warn("message length mismatch",
			"type", wrapper.Type.String(), "consumed", consumed, "body", len(body))
	}
	metrics.DevicesKnown.Set(float64(s.store.DeviceCount()))
}

// route handles one validated message and returns the number of body bytes
// the handler consumed, or -1 when the body failed to decode.
func (s *Server) route(ctx context.Context, addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	switch w.Type {
	case proto.MsgStatus:
		return s.handleStatus(ctx, addr, w, body)
	case proto.MsgPing:
		return s.handlePing(addr, w, body)
	case proto.MsgProgram:
		return s.handleProgram(addr, w, body)
	case proto.MsgProgEnd:
		return s.handleProgEnd(addr, w, body)
	case proto.MsgSWVersion:
		return s.handleSWVersion(addr, w, body)
	case proto.MsgGetProg:
		return s.handleGetProg(addr, w, body)
	case proto.MsgRefresh:
		return s.handleRefresh(addr, w, body)
	case proto.MsgDeviceTime:
		return s.handleDeviceTime(addr, w, body)
	case proto.MsgOutsideTemp:
		return s.handleOutsideTemp(addr, w, body)
	default:
		if w.Type.IsSet() {
			return s.handleSet(addr, w, body)
		}
		s.log.Warn("unknown message type, not replying",
			"addr", addr.String(), "type", w.Type.String(), "body", len(body))
		return len(body)
	}
}

func (s *Server) decodeErr(t proto.MsgID, addr *net.UDPAddr, err error) int {
	metrics.MessageDecodeErrs.Inc()
	s.log.Warn("dropping malformed message", "type", t.String(), "addr", addr.String(), "error", err)
	return -1
}

// checkPrefix applies the soft validations shared by sequenced uplinks.
func (s *Server) checkPrefix(t proto.MsgID, p proto.Prefix) {
	if p.Unk1 != 2 {
		s.log.Warn("unexpected prefix byte", "type", t.String(), "device", p.DeviceID, "unk1", p.Unk1)
	}
	if p.Unk2 != 0 {
		s.log.Warn("unexpected prefix word", "type", t.String(), "device", p.DeviceID, "unk2", p.Unk2)
	}
}

// checkCSeq warns when a correlated response carries a sequence other than
// the one most recently placed on the wire. The waiter is signalled either
// way; the device is the authority on which request it answered.
func (s *Server) checkCSeq(t proto.MsgID, p proto.Prefix) {
	if last := s.store.LastCSeq(p.DeviceID); p.CSeq != last {
		s.log.Warn("response sequence does not match last request",
			"type", t.String(), "device", p.DeviceID, "cseq", p.CSeq, "want", last)
	}
}

func (s *Server) handleStatus(ctx context.Context, addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	st, err := proto.UnmarshalStatus(body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	s.checkPrefix(w.Type, st.Prefix)
	s.store.ObserveDevice(st.DeviceID, addr)

	lastSeen, followUp, samples := s.store.ApplyStatus(st.DeviceID, st, w.Flags.CloudSyncLost())
	s.log.Debug("status applied",
		"device", st.DeviceID, "rooms", len(samples), "followUp", len(followUp),
		"wifi", st.WifiSignal, "syncLost", w.Flags.CloudSyncLost())

	if s.history != nil {
		for _, sm := range samples {
			key := strconv.FormatUint(uint64(sm.Room), 10)
			if err := s.history.LogTemperature(ctx, key, sm.Temp, sm.SetTemp, sm.Heating); err != nil {
				s.log.Warn("failed to log temperature sample",
					"device", st.DeviceID, "room", sm.Room, "error", err)
			}
		}
	}

	// Ack first; the device resends STATUS until it sees one.
	if err := s.sender.StatusAck(st.DeviceID, lastSeen); err != nil {
		s.log.Warn("failed to ack status", "device", st.DeviceID, "error", err)
	}

	// The embedded device chokes on rapid-fire requests, so program
	// re-fetches are paced one per delay tick.
	for _, room := range followUp {
		select {
		case <-s.clock.After(s.cfg.FollowUpDelay):
		case <-ctx.Done():
			return proto.StatusBodySize
		}
		if _, err := s.sender.GetProg(ctx, st.DeviceID, room, 0); err != nil {
			s.log.Warn("failed to request program", "device", st.DeviceID, "room", room, "error", err)
		}
	}
	return proto.StatusBodySize
}

func (s *Server) handlePing(addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	p, err := proto.UnmarshalPing(body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	if p.CSeq != shadow.UnusedCSeq {
		s.log.Warn("ping with unexpected sequence", "device", p.DeviceID, "cseq", p.CSeq)
	}
	if p.Unk1 != 2 {
		s.log.Warn("unexpected prefix byte", "type", w.Type.String(), "device", p.DeviceID, "unk1", p.Unk1)
	}
	if p.Unk2 != 0 && p.Unk2 != 4 {
		s.log.Warn("unexpected prefix word", "type", w.Type.String(), "device", p.DeviceID, "unk2", p.Unk2)
	}
	if p.Value != proto.PingUplinkValue {
		s.log.Warn("ping with unexpected value", "device", p.DeviceID, "value", p.Value)
	}
	s.store.ObserveDevice(p.DeviceID, addr)

	if err := s.sender.Ping(p.DeviceID, true); err != nil {
		s.log.Warn("failed to reply to ping", "device", p.DeviceID, "error", err)
	}
	return proto.PingBodySize
}

func (s *Server) handleProgram(addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	p, err := proto.UnmarshalProgram(body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	if p.CSeq != shadow.UnusedCSeq {
		s.log.Warn("program with unexpected sequence", "device", p.DeviceID, "cseq", p.CSeq)
	}
	s.checkPrefix(w.Type, p.Prefix)
	s.store.ObserveDevice(p.DeviceID, addr)
	s.store.SetProgramDay(p.DeviceID, p.Room, p.Day, p.Schedule)
	s.log.Debug("program stored", "device", p.DeviceID, "room", p.Room, "day", p.Day)

	if !w.Flags.Response() {
		if err := s.sender.Program(p.DeviceID, p.Room, p.Day, p.Schedule, true); err != nil {
			s.log.Warn("failed to echo program", "device", p.DeviceID, "room", p.Room, "error", err)
		}
	}
	return proto.ProgramBodySize
}

func (s *Server) handleProgEnd(addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	p, err := proto.UnmarshalProgEnd(body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	if p.CSeq != shadow.UnusedCSeq {
		s.log.Warn("prog_end with unexpected sequence", "device", p.DeviceID, "cseq", p.CSeq)
	}
	if p.Marker != proto.ProgEndMarker {
		s.log.Warn("prog_end with unexpected marker", "device", p.DeviceID, "marker", p.Marker)
	}
	s.checkPrefix(w.Type, p.Prefix)
	s.store.ObserveDevice(p.DeviceID, addr)

	if !w.Flags.Response() {
		if err := s.sender.ProgEnd(p.DeviceID, p.Room, true); err != nil {
			s.log.Warn("failed to echo prog_end", "device", p.DeviceID, "room", p.Room, "error", err)
		}
	}
	return proto.ProgEndBodySize
}

func (s *Server) handleSWVersion(addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	v, err := proto.UnmarshalSWVersion(body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	s.checkPrefix(w.Type, v.Prefix)
	s.store.ObserveDevice(v.DeviceID, addr)
	s.store.SetVersion(v.DeviceID, v.Version)
	s.log.Debug("device version learned", "device", v.DeviceID, "version", v.Version)

	if w.Flags.Response() {
		s.checkCSeq(w.Type, v.Prefix)
		s.store.Signal(v.DeviceID, v.CSeq, shadow.Result{Version: v.Version})
	} else {
		if _, err := s.sender.SWVersion(context.Background(), v.DeviceID, true, 0); err != nil {
			s.log.Warn("failed to echo swversion", "device", v.DeviceID, "error", err)
		}
	}
	return proto.SWVersionBodySize
}

func (s *Server) handleGetProg(addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	g, err := proto.UnmarshalGetProg(body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	s.checkPrefix(w.Type, g.Prefix)
	s.store.ObserveDevice(g.DeviceID, addr)
	if g.Marker != proto.GetProgMarker {
		s.log.Warn("get_prog with unexpected marker", "device", g.DeviceID, "marker", g.Marker)
	}
	if w.Flags.Response() {
		s.checkCSeq(w.Type, g.Prefix)
		s.store.Signal(g.DeviceID, g.CSeq, shadow.Result{Value: g.Marker})
	} else {
		s.log.Warn("unsolicited get_prog uplink ignored", "device", g.DeviceID, "cseq", g.CSeq)
	}
	return proto.GetProgBodySize
}

func (s *Server) handleRefresh(addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	f, err := proto.UnmarshalRefresh(body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	s.checkPrefix(w.Type, f.Prefix)
	s.store.ObserveDevice(f.DeviceID, addr)
	if w.Flags.Response() {
		s.checkCSeq(w.Type, f.Prefix)
		s.store.Signal(f.DeviceID, f.CSeq, shadow.Result{})
	} else {
		s.log.Warn("unsolicited refresh uplink ignored", "device", f.DeviceID, "cseq", f.CSeq)
	}
	// Responses arrive with trailing padding; report only the decoded part.
	return len(body)
}

func (s *Server) handleDeviceTime(addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	d, err := proto.UnmarshalDeviceTime(body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	s.checkPrefix(w.Type, d.Prefix)
	s.store.ObserveDevice(d.DeviceID, addr)
	if w.Flags.Response() {
		s.checkCSeq(w.Type, d.Prefix)
		s.store.Signal(d.DeviceID, d.CSeq, shadow.Result{Value: uint32(d.Value)})
	} else {
		s.log.Warn("unsolicited device_time uplink ignored", "device", d.DeviceID, "cseq", d.CSeq)
	}
	return proto.DeviceTimeBodySize
}

func (s *Server) handleOutsideTemp(addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	o, err := proto.UnmarshalOutsideTemp(body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	s.checkPrefix(w.Type, o.Prefix)
	s.store.ObserveDevice(o.DeviceID, addr)
	if w.Flags.Response() {
		s.checkCSeq(w.Type, o.Prefix)
		s.store.Signal(o.DeviceID, o.CSeq, shadow.Result{Value: uint32(o.Value)})
	} else {
		s.log.Warn("unsolicited outside_temp uplink ignored", "device", o.DeviceID, "cseq", o.CSeq)
	}
	return proto.OutsideTempBodySize
}

func (s *Server) handleSet(addr *net.UDPAddr, w proto.Wrapper, body []byte) int {
	set, err := proto.UnmarshalSet(w.Type, body)
	if err != nil {
		return s.decodeErr(w.Type, addr, err)
	}
	// The second prefix byte carries flags here, not the usual constant;
	// only 0 and 2 have been observed.
	if set.Unk1 != 0 && set.Unk1 != 2 {
		s.log.Warn("set uplink with unexpected flags",
			"type", w.Type.String(), "device", set.DeviceID, "flags", set.Unk1)
	}
	s.store.ObserveDevice(set.DeviceID, addr)
	s.store.ApplySet(set.DeviceID, set.Room, w.Type, set.Value)
	s.log.Debug("set applied",
		"type", w.Type.String(), "device", set.DeviceID, "room", set.Room, "value", set.Value)

	if w.Flags.Response() {
		s.checkCSeq(w.Type, set.Prefix)
		s.store.Signal(set.DeviceID, set.CSeq, shadow.Result{Value: uint32(set.Value)})
	} else {
		// Device-initiated change: acknowledge so it stops resending.
		if _, err := s.sender.Set(context.Background(), set.DeviceID, set.Room, w.Type, set.Value, true, 0); err != nil {
			s.log.Warn("failed to echo set",
				"type", w.Type.String(), "device", set.DeviceID, "room", set.Room, "error", err)
		}
	}
	return proto.SetBodySize(w.Type)
}
