package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PluginEnabled returns the stored switch of a plugin. found is false when
// none was stored.
func (s *Store) PluginEnabled(ctx context.Context, path string) (enabled, found bool, err error) {
	return s.loadSwitch(ctx, "plugin_switches", "path", path)
}

// SetPluginEnabled stores the switch of a plugin.
func (s *Store) SetPluginEnabled(ctx context.Context, path string, enabled bool) error {
	return s.saveSwitch(ctx, "plugin_switches", "path", path, enabled)
}

// CommandEnabled returns the stored switch of a command by dotted name.
func (s *Store) CommandEnabled(ctx context.Context, name string) (enabled, found bool, err error) {
	return s.loadSwitch(ctx, "command_switches", "name", name)
}

// SetCommandEnabled stores the switch of a command by dotted name.
func (s *Store) SetCommandEnabled(ctx context.Context, name string, enabled bool) error {
	return s.saveSwitch(ctx, "command_switches", "name", name, enabled)
}

// CommandSwitches returns every stored command switch.
func (s *Store) CommandSwitches(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled FROM command_switches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list command switches: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, fmt.Errorf("scan command switch: %w", err)
		}
		out[name] = enabled
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate command switches: %w", err)
	}
	return out, nil
}

// table and column are package constants, never user input.
func (s *Store) loadSwitch(ctx context.Context, table, column, key string) (bool, bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM `+table+` WHERE `+column+` = ?`, key,
	).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("load %s %q: %w", table, key, err)
	}
	return enabled, true, nil
}

func (s *Store) saveSwitch(ctx context.Context, table, column, key string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (`+column+`, enabled, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(`+column+`) DO UPDATE SET
			enabled    = excluded.enabled,
			updated_at = excluded.updated_at
	`, key, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save %s %q: %w", table, key, err)
	}
	return nil
}
