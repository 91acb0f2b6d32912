package storage

import (
	"context"
	"database/sql"
	"encoding/json"
)

// GetSetting returns the raw JSON value for name, or ok=false when unset.
func (s *Store) GetSetting(ctx context.Context, name string) (json.RawMessage, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return json.RawMessage(raw), true, nil
}

// SetSetting upserts a value by name. The private flag of an existing entry
// is preserved; new entries are created with the given private flag.
func (s *Store) SetSetting(ctx context.Context, name string, value json.RawMessage, private bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(name, value, private) VALUES(?,?,?)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value`,
		name, string(value), boolToInt(private),
	)
	return err
}

// SetSettingPublic upserts a value but refuses to touch entries marked
// private. Used by the externally reachable settings route.
func (s *Store) SetSettingPublic(ctx context.Context, name string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(name, value, private) VALUES(?,?,0)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value WHERE settings.private = 0`,
		name, string(value),
	)
	return err
}

// ListSettings returns all settings, or only the non-private ones.
func (s *Store) ListSettings(ctx context.Context, onlyPublic bool) ([]Setting, error) {
	q := `SELECT name, value, private FROM settings`
	if onlyPublic {
		q += ` WHERE private = 0`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var (
			st   Setting
			raw  string
			priv int
		)
		if err := rows.Scan(&st.Name, &raw, &priv); err != nil {
			return nil, err
		}
		st.Value = json.RawMessage(raw)
		st.Private = priv != 0
		out = append(out, st)
	}
	return out, rows.Err()
}
