package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/besimlabs/besim/internal/metrics"
	"github.com/besimlabs/besim/internal/proto"
	"github.com/besimlabs/besim/internal/shadow"
	"github.com/jonboulle/clockwork"
)

// Sender is the typed downlink surface. One method per outbound message;
// each builds the body, wraps and frames it, and transmits to the device's
// last known address. Methods taking a wait block until the correlated
// uplink arrives or the wait expires, returning nil on timeout.
type Sender struct {
	log   *slog.Logger
	clock clockwork.Clock
	conn  PacketWriter
	store *shadow.Store
}

type SenderConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Conn   PacketWriter
	Store  *shadow.Store
}

func (c *SenderConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Conn == nil {
		return errors.New("conn is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

func NewSender(cfg *SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Sender{log: cfg.Logger, clock: cfg.Clock, conn: cfg.Conn, store: cfg.Store}, nil
}

func (s *Sender) transmit(deviceID uint32, t proto.MsgID, flags proto.Flags, body []byte) error {
	addr, ok := s.store.DeviceAddr(deviceID)
	if !ok {
		return fmt.Errorf("%w: device %d", ErrDeviceUnknown, deviceID)
	}
	buf := proto.EncodeFrame(proto.DownlinkSeq, proto.EncodeWrapper(t, flags, body))
	if _, err := s.conn.WriteToUDP(buf, addr); err != nil {
		metrics.TransmitErrs.Inc()
		return fmt.Errorf("failed to send %s to %s: %w", t, addr, err)
	}
	metrics.DownlinkMessages.WithLabelValues(t.String()).Inc()
	s.log.Debug("sent downlink", "type", t.String(), "device", deviceID, "addr", addr.String(), "flags", uint8(flags))
	return nil
}

// await parks the caller on the waiter, if any.
func (s *Sender) await(ctx context.Context, w *shadow.Waiter) (*shadow.Result, error) {
	if w == nil {
		return nil, nil
	}
	res := w.Wait(ctx)
	if res == nil {
		metrics.RequestTimeouts.Inc()
	}
	return res, nil
}

// Ping sends the constant PING reply.
func (s *Sender) Ping(deviceID uint32, response bool) error {
	body := (&proto.Ping{
		Prefix: proto.Prefix{CSeq: shadow.UnusedCSeq, DeviceID: deviceID},
		Value:  proto.PingReplyValue,
	}).Marshal()
	return s.transmit(deviceID, proto.MsgPing, proto.DownlinkFlags(response, true), body)
}

// StatusAck acknowledges a STATUS uplink with the device's lastseen epoch.
func (s *Sender) StatusAck(deviceID, lastSeen uint32) error {
	body := (&proto.StatusAck{
		Prefix:   proto.Prefix{CSeq: shadow.UnusedCSeq, DeviceID: deviceID},
		LastSeen: lastSeen,
	}).Marshal()
	return s.transmit(deviceID, proto.MsgStatus, proto.DownlinkFlags(true, true), body)
}

// Program sends one day of a room's weekly schedule. PROGRAM carries no
// sequence, so there is nothing to correlate: fire and forget.
func (s *Sender) Program(deviceID, room uint32, day uint16, sched [24]byte, response bool) error {
	body := (&proto.Program{
		Prefix:   proto.Prefix{CSeq: shadow.UnusedCSeq, DeviceID: deviceID},
		Room:     room,
		Day:      day,
		Schedule: sched,
	}).Marshal()
	return s.transmit(deviceID, proto.MsgProgram, proto.DownlinkFlags(response, true), body)
}

// ProgEnd echoes the end-of-batch marker back to the device.
func (s *Sender) ProgEnd(deviceID, room uint32, response bool) error {
	body := (&proto.ProgEnd{
		Prefix: proto.Prefix{CSeq: shadow.UnusedCSeq, DeviceID: deviceID},
		Room:   room,
		Marker: proto.ProgEndMarker,
	}).Marshal()
	return s.transmit(deviceID, proto.MsgProgEnd, proto.DownlinkFlags(response, false), body)
}

// GetProg asks the device to send every daily program for one room.
func (s *Sender) GetProg(ctx context.Context, deviceID, room uint32, wait time.Duration) (*shadow.Result, error) {
	cseq, waiter := s.store.NextCSeq(deviceID, wait)
	body := (&proto.GetProg{
		Prefix: proto.Prefix{CSeq: cseq, DeviceID: deviceID},
		Room:   room,
		Marker: proto.GetProgMarker,
	}).Marshal()
	if err := s.transmit(deviceID, proto.MsgGetProg, proto.DownlinkFlags(false, false), body); err != nil {
		if waiter != nil {
			waiter.Cancel()
		}
		return nil, err
	}
	return s.await(ctx, waiter)
}

// SWVersion requests the device firmware version (or echoes the request
// back when response is set).
func (s *Sender) SWVersion(ctx context.Context, deviceID uint32, response bool, wait time.Duration) (*shadow.Result, error) {
	cseq, waiter := s.store.NextCSeq(deviceID, wait)
	body := (&proto.SWVersion{Prefix: proto.Prefix{CSeq: cseq, DeviceID: deviceID}}).Marshal()
	if err := s.transmit(deviceID, proto.MsgSWVersion, proto.DownlinkFlags(response, false), body); err != nil {
		if waiter != nil {
			waiter.Cancel()
		}
		return nil, err
	}
	return s.await(ctx, waiter)
}

// Refresh sends the REFRESH request.
func (s *Sender) Refresh(ctx context.Context, deviceID uint32, wait time.Duration) (*shadow.Result, error) {
	cseq, waiter := s.store.NextCSeq(deviceID, wait)
	body := (&proto.Refresh{Prefix: proto.Prefix{CSeq: cseq, DeviceID: deviceID}}).Marshal()
	if err := s.transmit(deviceID, proto.MsgRefresh, proto.DownlinkFlags(false, false), body); err != nil {
		if waiter != nil {
			waiter.Cancel()
		}
		return nil, err
	}
	return s.await(ctx, waiter)
}

// DeviceTime reads (write=false) or sets (write=true) the daylight-saving
// flag.
func (s *Sender) DeviceTime(ctx context.Context, deviceID uint32, value uint8, write bool, wait time.Duration) (*shadow.Result, error) {
	cseq, waiter := s.store.NextCSeq(deviceID, wait)
	body := (&proto.DeviceTime{Prefix: proto.Prefix{CSeq: cseq, DeviceID: deviceID}, Value: value}).Marshal()
	if err := s.transmit(deviceID, proto.MsgDeviceTime, proto.DownlinkFlags(false, write), body); err != nil {
		if waiter != nil {
			waiter.Cancel()
		}
		return nil, err
	}
	return s.await(ctx, waiter)
}

// OutsideTemp selects the device's outside temperature source: 0 off,
// 1 boiler, 2 web.
func (s *Sender) OutsideTemp(ctx context.Context, deviceID uint32, value uint8, wait time.Duration) (*shadow.Result, error) {
	cseq, waiter := s.store.NextCSeq(deviceID, wait)
	body := (&proto.OutsideTemp{Prefix: proto.Prefix{CSeq: cseq, DeviceID: deviceID}, Value: value}).Marshal()
	if err := s.transmit(deviceID, proto.MsgOutsideTemp, proto.DownlinkFlags(false, true), body); err != nil {
		if waiter != nil {
			waiter.Cancel()
		}
		return nil, err
	}
	return s.await(ctx, waiter)
}

// Set sends one SET-family scalar write; the value width on the wire comes
// from the message registry.
func (s *Sender) Set(ctx context.Context, deviceID, room uint32, t proto.MsgID, value uint16, response bool, wait time.Duration) (*shadow.Result, error) {
	if !t.IsSet() {
		return nil, fmt.Errorf("%s is not a SET message", t)
	}
	cseq, waiter := s.store.NextCSeq(deviceID, wait)
	body := (&proto.Set{
		Type:   t,
		Prefix: proto.Prefix{CSeq: cseq, DeviceID: deviceID},
		Room:   room,
		Value:  value,
	}).Marshal()
	if err := s.transmit(deviceID, t, proto.DownlinkFlags(response, true), body); err != nil {
		if waiter != nil {
			waiter.Cancel()
		}
		return nil, err
	}
	return s.await(ctx, waiter)
}
