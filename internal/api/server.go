// Package api exposes the HTTP/JSON control surface: a REST projection of
// the shadow, blocking write endpoints that translate to downlink commands,
// the temperature history, and the endpoints the device firmware itself
// calls on the vendor cloud.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/besimlabs/besim/internal/history"
	"github.com/besimlabs/besim/internal/proto"
	"github.com/besimlabs/besim/internal/shadow"
)

const (
	// DefaultSendTimeout bounds how long a write handler waits for the
	// device to echo the new value.
	DefaultSendTimeout = time.Second

	// roomActiveWindow is how recently a room must have reported to count
	// as present.
	roomActiveWindow = 600 * time.Second
)

// Sender is the downlink surface the handlers drive.
type Sender interface {
	Set(ctx context.Context, deviceID, room uint32, t proto.MsgID, value uint16, response bool, wait time.Duration) (*shadow.Result, error)
	Program(deviceID, room uint32, day uint16, sched [24]byte, response bool) error
	DeviceTime(ctx context.Context, deviceID uint32, value uint8, write bool, wait time.Duration) (*shadow.Result, error)
	OutsideTemp(ctx context.Context, deviceID uint32, value uint8, wait time.Duration) (*shadow.Result, error)
}

// Weather serves the forecast endpoints. Nil when no coordinates are
// configured.
type Weather interface {
	Forecast(ctx context.Context) ([]byte, error)
	AirTemperature(ctx context.Context) (float64, error)
}

// History serves the temperature-log queries. Nil disables them.
type History interface {
	Temperature(ctx context.Context, thermostat string, from, to time.Time) ([]history.RoomSample, error)
	OutsideTemperature(ctx context.Context, from, to time.Time) ([]history.OutsideSample, error)
}

type Config struct {
	Logger  *slog.Logger
	Store   *shadow.Store
	Sender  Sender
	Weather Weather
	History History

	SendTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Sender == nil {
		return errors.New("sender is required")
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return nil
}

type Server struct {
	log         *slog.Logger
	store       *shadow.Store
	sender      Sender
	weather     Weather
	history     History
	sendTimeout time.Duration
}

func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Server{
		log:         cfg.Logger,
		store:       cfg.Store,
		sender:      cfg.Sender,
		weather:     cfg.Weather,
		history:     cfg.History,
		sendTimeout: cfg.SendTimeout,
	}, nil
}

type messageResponse struct {
	Message string `json:"message"`
}

var (
	okResponse  = messageResponse{Message: "OK"}
	errResponse = messageResponse{Message: "ERROR"}
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
