package storage

import (
	"context"
	"time"
)

// UpsertConversation records (or refreshes) a chat delivery target. Called
// whenever the chat platform signals the bot was added to or updated in a
// conversation.
func (s *Store) UpsertConversation(ctx context.Context, c Conversation) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(id, ref, title, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET ref=excluded.ref, title=excluded.title, updated_at=excluded.updated_at`,
		c.ID, string(c.Ref), nullStr(c.Title), c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DeleteConversation drops a delivery target (bot kicked from the chat).
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// ListConversations returns every registered delivery target. There is no
// ordering or priority among entries.
func (s *Store) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ref, title, updated_at FROM conversations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c       Conversation
			ref     string
			title   *string
			updated string
		)
		if err := rows.Scan(&c.ID, &ref, &title, &updated); err != nil {
			return nil, err
		}
		c.Ref = []byte(ref)
		if title != nil {
			c.Title = *title
		}
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			c.UpdatedAt = t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
