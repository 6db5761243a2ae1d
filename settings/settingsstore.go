package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/yeti47/chunkvault/ccc/db"
	"github.com/yeti47/chunkvault/ccc/logging"
)

// Store persists the single Settings record and serves the current value from memory.
type Store interface {
	SettingsProvider[Settings]
	Update(ctx context.Context, partial Partial) (Settings, error)
	Reset(ctx context.Context) (Settings, error)
}

type SQLiteStore struct {
	db      *sql.DB
	logger  logging.Logger
	mu      sync.RWMutex
	current Settings
}

// NewSQLiteStore creates the settings table if needed and loads the stored record,
// writing the defaults when none exists yet.
func NewSQLiteStore(database *sql.DB, logger logging.Logger) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:     database,
		logger: logging.OrNop(logger),
	}

	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}

	current, err := s.load(context.Background())
	if err != nil {
		return nil, err
	}
	s.current = current

	return s, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) load(ctx context.Context) (Settings, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		defaults := Defaults()
		if err := s.save(ctx, defaults); err != nil {
			return Settings{}, err
		}
		s.logger.Info("Initialized default settings")
		return defaults, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}

	// decode over the defaults so fields added later get sensible values
	loaded := Defaults()
	if err := json.Unmarshal([]byte(data), &loaded); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	return loaded, nil
}

func (s *SQLiteStore) save(ctx context.Context, value Settings) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), db.TimeToString(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// GetSettings returns the current settings, implementing SettingsProvider.
func (s *SQLiteStore) GetSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update merges partial into the current record, persists it and makes it visible
// to every subsequent GetSettings call.
func (s *SQLiteStore) Update(ctx context.Context, partial Partial) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := partial.Apply(s.current)
	if err != nil {
		return s.current, err
	}

	if err := s.save(ctx, next); err != nil {
		return s.current, err
	}

	s.current = next
	s.logger.Info("Settings updated",
		"target_segment_seconds", next.TargetSegmentSeconds,
		"overlap_ms", next.OverlapMillis,
		"storage_capacity_bytes", next.StorageCapacityBytes)
	return next, nil
}

// Reset restores the defaults.
func (s *SQLiteStore) Reset(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defaults := Defaults()
	if err := s.save(ctx, defaults); err != nil {
		return s.current, err
	}
	s.current = defaults
	return defaults, nil
}
