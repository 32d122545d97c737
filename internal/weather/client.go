// Package weather fetches the outdoor temperature from the met.no
// locationforecast API. Responses are cached for an hour; the device polls
// the vendor-compat endpoint hourly and the sampler feeds the
// outside-temperature history at the same cadence.
package weather

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"context"

	"github.com/besimlabs/besim/internal/metrics"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
)

// DefaultBaseURL is the met.no locationforecast endpoint, the same
// provider HomeAssistant uses.
const DefaultBaseURL = "https://aa015h6buqvih86i1.api.met.no/weatherapi/locationforecast/2.0/complete"

// The API rejects default client agents.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/118.0"

const (
	defaultCacheTTL     = time.Hour
	defaultFetchTimeout = 30 * time.Second

	cacheKey = "forecast"
)

var (
	ErrUpstreamStatus = errors.New("unexpected upstream status")
	ErrNoData         = errors.New("forecast carries no timeseries")
)

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	HTTPClient *http.Client
	BaseURL    string
	Latitude   float64
	Longitude  float64
	CacheTTL   time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return nil
}

type Client struct {
	log     *slog.Logger
	clock   clockwork.Clock
	http    *http.Client
	baseURL string
	lat     float64
	lon     float64

	// The mutex serialises upstream fetches so concurrent HTTP handlers
	// cannot issue duplicate requests while the cache is cold.
	mu    sync.Mutex
	cache *ttlcache.Cache[string, []byte]
}

func NewClient(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Client{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		http:    cfg.HTTPClient,
		baseURL: cfg.BaseURL,
		lat:     cfg.Latitude,
		lon:     cfg.Longitude,
		// Reads must not extend the TTL: the device and the sampler poll
		// frequently, and a touched-on-hit entry would never refresh.
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []byte](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		),
	}, nil
}

// Forecast returns the raw upstream JSON document, served from the cache
// when fresh.
func (c *Client) Forecast(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item := c.cache.Get(cacheKey); item != nil {
		return item.Value(), nil
	}

	doc, err := c.fetch(ctx)
	if err != nil {
		metrics.WeatherFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.WeatherFetches.WithLabelValues("ok").Inc()
	c.cache.Set(cacheKey, doc, ttlcache.DefaultTTL)
	return doc, nil
}

func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build forecast request: %w", err)
	}
	q := req.URL.Query()
	q.Set("lat", strconv.FormatFloat(c.lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(c.lon, 'f', -1, 64))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	doc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read forecast body: %w", err)
	}
	c.log.Debug("fetched forecast", "bytes", len(doc))
	return doc, nil
}

type forecastDocument struct {
	Properties struct {
		Timeseries []struct {
			Data struct {
				Instant struct {
					Details struct {
						AirTemperature float64 `json:"air_temperature"`
					} `json:"details"`
				} `json:"instant"`
			} `json:"data"`
		} `json:"timeseries"`
	} `json:"properties"`
}

// AirTemperature extracts the first air_temperature from the forecast.
func (c *Client) AirTemperature(ctx context.Context) (float64, error) {
	raw, err := c.Forecast(ctx)
	if err != nil {
		return 0, err
	}
	var doc forecastDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse forecast: %w", err)
	}
	if len(doc.Properties.Timeseries) == 0 {
		return 0, ErrNoData
	}
	return doc.Properties.Timeseries[0].Data.Instant.Details.AirTemperature, nil
}
