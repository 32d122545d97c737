// besimd impersonates the BeSMART thermostat cloud on the local network:
// it terminates the device UDP protocol, keeps a shadow of every device,
// and serves the HTTP control surface plus the endpoints the device
// firmware expects from the vendor cloud.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/besimlabs/besim/internal/api"
	"github.com/besimlabs/besim/internal/history"
	"github.com/besimlabs/besim/internal/metrics"
	"github.com/besimlabs/besim/internal/server"
	"github.com/besimlabs/besim/internal/shadow"
	"github.com/besimlabs/besim/internal/weather"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultUDPAddr  = ":6199"
	defaultHTTPHost = "0.0.0.0"
	defaultHTTPPort = "80"
	defaultDatabase = "besim.db"

	httpShutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := history.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	hist, err := history.NewStore(ctx, &history.Config{Logger: log, DB: db})
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	if err := hist.Purge(ctx, history.DefaultKeepDays); err != nil {
		log.Warn("startup purge failed", "error", err)
	}

	store, err := shadow.NewStore(&shadow.Config{Logger: log})
	if err != nil {
		return fmt.Errorf("failed to create shadow store: %w", err)
	}

	var weatherClient *weather.Client
	if cfg.Latitude != 0 || cfg.Longitude != 0 {
		weatherClient, err = weather.NewClient(&weather.Config{
			Logger:    log,
			Latitude:  cfg.Latitude,
			Longitude: cfg.Longitude,
		})
		if err != nil {
			return fmt.Errorf("failed to create weather client: %w", err)
		}
		sampler, err := weather.NewSampler(&weather.SamplerConfig{
			Logger:  log,
			Client:  weatherClient,
			History: hist,
		})
		if err != nil {
			return fmt.Errorf("failed to create weather sampler: %w", err)
		}
		go func() { _ = sampler.Run(ctx) }()
	} else {
		log.Warn("no coordinates configured, weather endpoints disabled (set LATITUDE/LONGITUDE)")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.UDPListenAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve udp address: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen udp: %w", err)
	}
	log.Info("listening for devices", "address", conn.LocalAddr())

	udpServer, err := server.New(&server.Config{
		Logger:  log,
		Conn:    conn,
		Store:   store,
		History: hist,
	})
	if err != nil {
		return fmt.Errorf("failed to create udp server: %w", err)
	}
	errCh := udpServer.Start(ctx, cancel)

	apiServer, err := api.NewServer(&api.Config{
		Logger:  log,
		Store:   store,
		Sender:  udpServer.Sender(),
		Weather: weatherOrNil(weatherClient),
		History: hist,
	})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPListenAddr,
		Handler: apiServer.Router(),
	}
	go func() {
		log.Info("http server listening", "address", cfg.HTTPListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown failed", "error", err)
	}
	return nil
}

// weatherOrNil keeps a nil *weather.Client from becoming a non-nil
// api.Weather interface value.
func weatherOrNil(c *weather.Client) api.Weather {
	if c == nil {
		return nil
	}
	return c
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string

	UDPListenAddr  string
	HTTPListenAddr string
	Database       string
	Latitude       float64
	Longitude      float64
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func loadConfig() (Config, error) {
	// Deployments migrated from the original server keep their .env files.
	_ = godotenv.Load()

	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", getenvBool("FLASK_DEBUG", false), "verbose mode - show debug logs (env: FLASK_DEBUG)")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("BESIM_METRICS_ADDR", ""), "address to listen on for prometheus metrics, empty disables (env: BESIM_METRICS_ADDR)")
	flag.StringVar(&cfg.UDPListenAddr, "udp-listen-addr", getenv("BESIM_UDP_LISTEN_ADDR", defaultUDPAddr), "udp listen address for devices (env: BESIM_UDP_LISTEN_ADDR)")
	flag.StringVar(&cfg.Database, "db", getenv("BESIM_DATABASE", defaultDatabase), "sqlite database path (env: BESIM_DATABASE)")

	httpHost := flag.String("http-host", getenv("FLASK_HOST", defaultHTTPHost), "http listen host (env: FLASK_HOST)")
	httpPort := flag.String("http-port", getenv("FLASK_PORT", defaultHTTPPort), "http listen port (env: FLASK_PORT)")

	latitude := flag.String("latitude", getenv("LATITUDE", ""), "latitude for the weather fetcher (env: LATITUDE)")
	longitude := flag.String("longitude", getenv("LONGITUDE", ""), "longitude for the weather fetcher (env: LONGITUDE)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	cfg.HTTPListenAddr = net.JoinHostPort(*httpHost, *httpPort)

	var err error
	if *latitude != "" {
		if cfg.Latitude, err = strconv.ParseFloat(*latitude, 64); err != nil {
			return Config{}, fmt.Errorf("invalid latitude %q: %w", *latitude, err)
		}
	}
	if *longitude != "" {
		if cfg.Longitude, err = strconv.ParseFloat(*longitude, 64); err != nil {
			return Config{}, fmt.Errorf("invalid longitude %q: %w", *longitude, err)
		}
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
