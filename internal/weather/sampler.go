package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/besimlabs/besim/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

const (
	defaultSampleInterval = time.Hour

	// An attempt that has not succeeded by the next sample is abandoned;
	// the fresh tick starts over.
	maxRetryElapsed = 30 * time.Minute
)

// TemperatureLog is the slice of the history store the sampler writes to.
type TemperatureLog interface {
	LogOutsideTemperature(ctx context.Context, temp float64) error
}

type SamplerConfig struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Client   *Client
	History  TemperatureLog
	Interval time.Duration
}

func (c *SamplerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Client == nil {
		return errors.New("client is required")
	}
	if c.History == nil {
		return errors.New("history is required")
	}
	if c.Interval == 0 {
		c.Interval = defaultSampleInterval
	}
	return nil
}

// Sampler periodically reads the outdoor temperature through the cached
// client and appends it to the outside-temperature history.
type Sampler struct {
	log      *slog.Logger
	clock    clockwork.Clock
	client   *Client
	history  TemperatureLog
	interval time.Duration
}

func NewSampler(cfg *SamplerConfig) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Sampler{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		client:   cfg.Client,
		history:  cfg.History,
		interval: cfg.Interval,
	}, nil
}

// Run samples once immediately, then on every interval tick until ctx is
// cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	s.log.Info("weather sampler running", "interval", s.interval)

	s.sample(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("weather sampler stopped")
			return nil
		case <-ticker.Chan():
			s.sample(ctx)
		}
	}
}

// clockTimer adapts the injected clock to the backoff timer, so retry
// waits run on the same clock as everything else.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (s *Sampler) sample(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxRetryElapsed
	b.Clock = s.clock
	b.Reset()

	attempt := 0
	err := backoff.RetryNotifyWithTimer(func() error {
		if attempt > 0 {
			s.log.Warn("failed to sample outside temperature, retrying", "attempt", attempt)
		}
		attempt++
		temp, err := s.client.AirTemperature(ctx)
		if err != nil {
			return err
		}
		return s.history.LogOutsideTemperature(ctx, temp)
	}, backoff.WithContext(b, ctx), nil, &clockTimer{clock: s.clock})
	if err != nil {
		metrics.HistoryWrites.WithLabelValues("error").Inc()
		s.log.Error("failed to sample outside temperature", "error", err)
		return
	}
	metrics.HistoryWrites.WithLabelValues("ok").Inc()
	s.log.Debug("sampled outside temperature")
}
