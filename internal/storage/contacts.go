package storage

import (
	"context"
	"errors"
	"strings"
)

// InsertContact adds an SMS recipient and returns its id.
func (s *Store) InsertContact(ctx context.Context, c Contact) (int64, error) {
	if strings.TrimSpace(c.Phone) == "" {
		return 0, errors.New("contact phone is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sms_contacts(name, phone) VALUES(?,?)`, c.Name, c.Phone)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateContact replaces name/phone for an existing contact.
func (s *Store) UpdateContact(ctx context.Context, c Contact) error {
	if strings.TrimSpace(c.Phone) == "" {
		return errors.New("contact phone is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sms_contacts SET name = ?, phone = ? WHERE id = ?`, c.Name, c.Phone, c.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteContacts removes the given contact ids. Unknown ids are ignored.
func (s *Store) DeleteContacts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sms_contacts WHERE id IN (`+ph+`)`, args...)
	return err
}

// ListContacts returns all SMS recipients.
func (s *Store) ListContacts(ctx context.Context) ([]Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, phone FROM sms_contacts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Phones returns just the phone numbers of all contacts, for the batched
// SMS send.
func (s *Store) Phones(ctx context.Context) ([]string, error) {
	contacts, err := s.ListContacts(ctx)
	if err != nil {
		return nil, err
	}
	phones := make([]string, 0, len(contacts))
	for _, c := range contacts {
		phones = append(phones, c.Phone)
	}
	return phones, nil
}
