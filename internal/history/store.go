// Package history persists the temperature log: outside-temperature
// samples from the weather fetcher and per-room samples extracted from
// STATUS uplinks. Both tables are append-only; a startup purge drops rows
// older than the retention window.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

const (
	// SchemaVersion is carried in the sqlite user_version pragma. Version 0
	// means a fresh database; anything else that does not match is fatal,
	// migrations are not implemented.
	SchemaVersion = 1

	// DefaultKeepDays is the retention window applied by the startup purge.
	DefaultKeepDays = 730

	// DefaultQueryWindow bounds history queries when the caller supplies no
	// range.
	DefaultQueryWindow = 14 * 24 * time.Hour
)

var ErrSchemaMismatch = errors.New("database schema version mismatch")

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	DB     *sql.DB
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

// Open opens the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}
	return db, nil
}

type Store struct {
	log   *slog.Logger
	clock clockwork.Clock
	db    *sql.DB
}

// NewStore validates the config and brings the schema up to date. A fresh
// database (user_version 0) gets the tables created; any other version
// mismatch returns ErrSchemaMismatch and the caller is expected to abort.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	s := &Store{log: cfg.Logger, clock: cfg.Clock, db: cfg.DB}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read user_version: %w", err)
	}

	switch version {
	case SchemaVersion:
		return nil
	case 0:
		s.log.Warn("initialising database", "version", SchemaVersion)
		stmts := []string{
			"CREATE TABLE IF NOT EXISTS besim_outside_temperature(ts DATETIME, temp NUMERIC)",
			"CREATE TABLE IF NOT EXISTS besim_temperature(ts DATETIME, thermostat TEXT, temp NUMERIC, settemp NUMERIC, heating NUMERIC)",
			fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion),
		}
		for _, stmt := range stmts {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to initialise schema: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: database version %d, code version %d", ErrSchemaMismatch, version, SchemaVersion)
	}
}

// now returns the wall clock as ISO-8601 with timezone, the format every
// row's ts column carries.
func (s *Store) now() string {
	return s.clock.Now().Format(time.RFC3339)
}

// LogOutsideTemperature appends one outside-temperature sample.
func (s *Store) LogOutsideTemperature(ctx context.Context, temp float64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO besim_outside_temperature(ts, temp) VALUES (?, ?)", s.now(), temp)
	if err != nil {
		return fmt.Errorf("failed to log outside temperature: %w", err)
	}
	return nil
}

// LogTemperature appends one per-room sample. Temperatures are in the wire
// unit, tenths of a degree. A nil heating means the relay state was not
// decodable and is stored as NULL.
func (s *Store) LogTemperature(ctx context.Context, thermostat string, temp, settemp int16, heating *uint8) error {
	var h any
	if heating != nil {
		h = int64(*heating)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO besim_temperature(ts, thermostat, temp, settemp, heating) VALUES (?, ?, ?, ?, ?)",
		s.now(), thermostat, temp, settemp, h)
	if err != nil {
		return fmt.Errorf("failed to log temperature for thermostat %s: %w", thermostat, err)
	}
	return nil
}

// Purge deletes samples older than keepDays from both tables.
func (s *Store) Purge(ctx context.Context, keepDays int) error {
	limit := s.clock.Now().AddDate(0, 0, -keepDays).Format(time.RFC3339)
	for _, table := range []string{"besim_outside_temperature", "besim_temperature"} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE ts < ?", table), limit); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	return nil
}

// queryRange fills the default window for an open-ended history query.
func (s *Store) queryRange(from, to time.Time) (string, string) {
	if to.IsZero() {
		to = s.clock.Now()
	}
	if from.IsZero() {
		from = to.Add(-DefaultQueryWindow)
	}
	return from.Format(time.RFC3339), to.Format(time.RFC3339)
}

// OutsideSample is one row of the outside-temperature log.
type OutsideSample struct {
	TS   string  `json:"ts"`
	Temp float64 `json:"temp"`
}

// OutsideTemperature returns the outside-temperature samples in [from, to].
// Zero bounds default to the last two weeks.
func (s *Store) OutsideTemperature(ctx context.Context, from, to time.Time) ([]OutsideSample, error) {
	lo, hi := s.queryRange(from, to)
	rows, err := s.db.QueryContext(ctx,
		"SELECT ts, temp FROM besim_outside_temperature WHERE ts BETWEEN ? AND ?", lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query outside temperature: %w", err)
	}
	defer rows.Close()

	samples := []OutsideSample{}
	for rows.Next() {
		var sm OutsideSample
		if err := rows.Scan(&sm.TS, &sm.Temp); err != nil {
			return nil, fmt.Errorf("failed to scan outside temperature row: %w", err)
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// RoomSample is one row of the per-room temperature log.
type RoomSample struct {
	TS      string  `json:"ts"`
	Temp    float64 `json:"temp"`
	SetTemp float64 `json:"settemp"`
	Heating *int64  `json:"heating"`
}

// Temperature returns the samples for one thermostat in [from, to]. The
// thermostat key is the decimal room id. Zero bounds default to the last
// two weeks.
func (s *Store) Temperature(ctx context.Context, thermostat string, from, to time.Time) ([]RoomSample, error) {
	lo, hi := s.queryRange(from, to)
	rows, err := s.db.QueryContext(ctx,
		"SELECT ts, temp, settemp, heating FROM besim_temperature WHERE thermostat = ? AND ts BETWEEN ? AND ?",
		thermostat, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to query temperature for thermostat %s: %w", thermostat, err)
	}
	defer rows.Close()

	samples := []RoomSample{}
	for rows.Next() {
		var sm RoomSample
		var heating sql.NullInt64
		if err := rows.Scan(&sm.TS, &sm.Temp, &sm.SetTemp, &heating); err != nil {
			return nil, fmt.Errorf("failed to scan temperature row: %w", err)
		}
		if heating.Valid {
			sm.Heating = &heating.Int64
		}
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}
