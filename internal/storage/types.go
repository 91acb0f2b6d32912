package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrDuplicateReport is returned when an insert collides with an
	// already-persisted report id.
	ErrDuplicateReport = errors.New("report already exists")
	ErrNotFound        = errors.New("not found")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Report is one durable failure record derived from an ingested message.
// The id is the provider message id, stable across re-ingestion attempts.
type Report struct {
	ID        string    `json:"id"`
	ErrorDesc string    `json:"errorDesc"`
	Tags      []string  `json:"tags"`
	Date      time.Time `json:"date"`
	Comment   string    `json:"comment,omitempty"`
	URL       string    `json:"url,omitempty"`
	Saved     bool      `json:"saved"`
	Seen      bool      `json:"seen"`
	SeenBy    []string  `json:"seenBy,omitempty"`
}

// ReportPage is one page of a filtered report listing.
type ReportPage struct {
	Reports []Report `json:"reports"`
	Count   int      `json:"count"`
	Page    int      `json:"page"`
	Limit   int      `json:"limit"`
}

// Setting is one runtime key/value entry. Private settings are hidden from
// the externally readable settings view.
type Setting struct {
	Name    string          `json:"name"`
	Value   json.RawMessage `json:"value"`
	Private bool            `json:"private,omitempty"`
}

// Conversation is an opaque chat delivery target keyed by a stable
// conversation identifier. Ref is whatever the transport needs to address
// the conversation again.
type Conversation struct {
	ID        string          `json:"id"`
	Ref       json.RawMessage `json:"ref"`
	Title     string          `json:"title,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Contact is an SMS recipient.
type Contact struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}
