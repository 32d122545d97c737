// Package server terminates the device protocol: it owns the UDP socket,
// decodes uplinks into shadow mutations, synthesizes the downlink replies
// the device expects, and exposes the typed Sender the HTTP layer uses to
// issue commands.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"

	"github.com/besimlabs/besim/internal/metrics"
	"github.com/besimlabs/besim/internal/proto"
	"github.com/besimlabs/besim/internal/shadow"
	"github.com/jonboulle/clockwork"
)

type Server struct {
	log     *slog.Logger
	clock   clockwork.Clock
	cfg     *Config
	store   *shadow.Store
	history HistoryWriter
	sender  *Sender
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	sender, err := NewSender(&SenderConfig{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Conn:   cfg.Conn,
		Store:  cfg.Store,
	})
	if err != nil {
		return nil, err
	}
	return &Server{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		cfg:     cfg,
		store:   cfg.Store,
		history: cfg.History,
		sender:  sender,
	}, nil
}

// Sender returns the typed downlink surface backed by this server's socket.
func (s *Server) Sender() *Sender { return s.sender }

func (s *Server) Start(ctx context.Context, cancel context.CancelFunc) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Run(ctx); err != nil {
			errCh <- err
			cancel()
		}
	}()
	return errCh
}

// Run reads datagrams until ctx is cancelled. Each datagram is handled
// inline: STATUS acks must be sent before any follow-up GET_PROGs, and the
// shadow sees uplinks in arrival order.
func (s *Server) Run(parentCtx context.Context) error {
	s.log.Info("udp server running",
		"listener", s.cfg.Conn.LocalAddr().String(),
		"readTimeout", s.cfg.ReadTimeout,
		"followUpDelay", s.cfg.FollowUpDelay,
	)

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = s.cfg.Conn.Close()
	}()

	buf := make([]byte, proto.MaxDatagram)
	for {
		if err := s.cfg.Conn.SetReadDeadline(s.clock.Now().Add(s.cfg.ReadTimeout)); err != nil {
			if ctx.Err() != nil || isClosedNetErr(err) {
				s.log.Debug("listener closed, exiting", "error", err)
				return nil
			}
			return fmt.Errorf("set read deadline failed: %w", err)
		}

		n, remote, err := s.cfg.Conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isClosedNetErr(err) {
				s.log.Debug("listener closed on read, exiting", "error", err)
				metrics.UDPReadErrs.WithLabelValues("closed").Inc()
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				metrics.UDPReadErrs.WithLabelValues("timeout").Inc()
				continue
			}
			metrics.UDPReadErrs.WithLabelValues("other").Inc()
			s.log.Warn("read error", "error", err)
			continue
		}

		metrics.UDPPackets.Inc()
		metrics.UDPBytes.Add(float64(n))

		data := make([]byte, n)
		copy(data, buf[:n])
		s.handle(ctx, remote, data)
	}
}

// handle dispatches one datagram, converting a panic anywhere in the
// handlers into a logged stack trace and a short back-off so a poisoned
// packet cannot kill the receiver.
func (s *Server) handle(ctx context.Context, addr *net.UDPAddr, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while handling datagram",
				"panic", r, "addr", addr.String(), "stack", string(debug.Stack()))
			select {
			case <-s.clock.After(s.cfg.PanicBackoff):
			case <-ctx.Done():
			}
		}
	}()
	s.dispatch(ctx, addr, data)
}

func isClosedNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "bad file descriptor")
}
