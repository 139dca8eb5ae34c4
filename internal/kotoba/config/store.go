// Package config loads kotoba's settings: the YAML settings file, KOTOBA_*
// environment overrides, and runtime overrides kept in the database config
// table by superusers.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/kotoba/internal/kotoba/store"
)

// ErrNotFound is returned by Get when the requested key does not exist.
var ErrNotFound = errors.New("config: key not found")

// ErrUnknownKey is returned by CheckOverride for keys that cannot be
// overridden at runtime.
var ErrUnknownKey = errors.New("config: unknown override key")

// Store is the read/write interface for the runtime override table.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value associated with key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, creating or overwriting the entry.
	Set(ctx context.Context, key string, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key/value pair. An empty map is returned when
	// nothing is stored.
	List(ctx context.Context) (map[string]string, error)
}

type sqliteStore struct {
	db *store.Store
}

// NewStore returns a Store backed by the application database.
func NewStore(db *store.Store) Store {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT value FROM config WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("config: get %q: %w", key, err)
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO config (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("config: set %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.DB().ExecContext(ctx, `DELETE FROM config WHERE key = ?`, key); err != nil {
		return fmt.Errorf("config: delete %q: %w", key, err)
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("config: list: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("config: list scan: %w", err)
		}
		result[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: list rows: %w", err)
	}
	return result, nil
}

// override applies one runtime value to Settings.
type override func(s *Settings, value string) error

var overrides = map[string]override{
	"superusers": func(s *Settings, v string) error {
		s.Superusers = splitList(v)
		return nil
	},
	"nickname": func(s *Settings, v string) error {
		s.Nickname = splitList(v)
		return nil
	},
	"session_expire_timeout": func(s *Settings, v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		s.SessionExpireTimeout = Duration(d)
		return nil
	},
	"session_run_timeout": func(s *Settings, v string) error {
		d, err := parseDuration(v)
		if err != nil {
			return err
		}
		s.SessionRunTimeout = Duration(d)
		return nil
	},
	"max_validation_failures": func(s *Settings, v string) error {
		return parseCount(v, &s.MaxValidationFailures)
	},
	"nlp_rate_limit": func(s *Settings, v string) error {
		return parseCount(v, &s.NLPRateLimit)
	},
	"short_message_max_length": func(s *Settings, v string) error {
		return parseCount(v, &s.ShortMessageMaxLength)
	},
}

// OverrideKeys lists the keys accepted by the config table, sorted.
func OverrideKeys() []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CheckOverride validates value for key without applying it.
func CheckOverride(key, value string) error {
	return Defaults().ApplyOverride(key, value)
}

// ApplyOverride applies one runtime value to s.
func (s *Settings) ApplyOverride(key, value string) error {
	apply, ok := overrides[key]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return apply(s, value)
}

// ApplyOverrides applies every stored override to s. Unknown keys and
// malformed values are logged and skipped so a bad row cannot keep the bot
// from starting.
func (s *Settings) ApplyOverrides(ctx context.Context, st Store) error {
	values, err := st.List(ctx)
	if err != nil {
		return err
	}
	for key, value := range values {
		apply, ok := overrides[key]
		if !ok {
			slog.Warn("config: ignoring unknown override", "key", key)
			continue
		}
		if err := apply(s, value); err != nil {
			slog.Warn("config: ignoring malformed override", "key", key, "err", err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseCount(v string, dst *int) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return fmt.Errorf("expected a non-negative integer, got %q", v)
	}
	*dst = n
	return nil
}
