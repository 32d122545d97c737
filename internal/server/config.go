package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/besimlabs/besim/internal/shadow"
	"github.com/jonboulle/clockwork"
)

const (
	defaultReadTimeout = 250 * time.Millisecond

	// The embedded device may not handle lots of messages in a short time,
	// so follow-up GET_PROGs are paced.
	defaultFollowUpDelay = time.Second

	// Back-off after a recovered panic in the dispatcher.
	defaultPanicBackoff = time.Second
)

var ErrDeviceUnknown = errors.New("device address unknown")

// PacketWriter is the outgoing half of the UDP socket.
type PacketWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// UDPConn is the socket surface the receive loop needs. *net.UDPConn
// satisfies it.
type UDPConn interface {
	PacketWriter
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// HistoryWriter is the slice of the history store the dispatcher feeds
// from STATUS uplinks.
type HistoryWriter interface {
	LogTemperature(ctx context.Context, thermostat string, temp, settemp int16, heating *uint8) error
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Conn   UDPConn
	Store  *shadow.Store

	// Optional: room samples from STATUS uplinks are appended here.
	History HistoryWriter

	// Optional with defaults.
	ReadTimeout   time.Duration
	FollowUpDelay time.Duration
	PanicBackoff  time.Duration
}

func (c *Config) Validate() error {
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

	if c.ReadTimeout == 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be > 0")
	}
	if c.FollowUpDelay == 0 {
		c.FollowUpDelay = defaultFollowUpDelay
	}
	if c.PanicBackoff == 0 {
		c.PanicBackoff = defaultPanicBackoff
	}
	return nil
}
