// Package settings is the runtime key/value configuration consumed by the
// ingestion, escalation, and dispatch components. Values live in the
// storage layer as raw JSON; every read goes through to the store so an
// operator change takes effect on the next tick without a restart.
package settings

import (
	"context"
	"encoding/json"

	"reportbot/internal/storage"
)

// Well-known setting names.
const (
	KeyLastHistoryID       = "lastHistoryId"
	KeyNotifySMS           = "notifySMS"
	KeyNotifyChat          = "notifyChat"
	KeyNotificationTimeout = "notificationTimeout" // minutes between escalation ticks
	KeySMSIntroduction     = "smsIntroduction"
	KeySMSFrom             = "smsFrom"
	KeyOnlyMailFrom        = "onlyMailFrom"
)

// Backend is the slice of the storage API the settings service needs.
type Backend interface {
	GetSetting(ctx context.Context, name string) (json.RawMessage, bool, error)
	SetSetting(ctx context.Context, name string, value json.RawMessage, private bool) error
}

type Service struct {
	st Backend
}

func New(st Backend) *Service {
	return &Service{st: st}
}

// String returns the setting as a string, or def when unset.
func (s *Service) String(ctx context.Context, name, def string) (string, error) {
	raw, ok, err := s.st.GetSetting(ctx, name)
	if err != nil || !ok {
		return def, err
	}
	var v string
	if uerr := json.Unmarshal(raw, &v); uerr != nil {
		return def, nil
	}
	return v, nil
}

// Bool returns the setting as a bool, or def when unset.
func (s *Service) Bool(ctx context.Context, name string, def bool) (bool, error) {
	raw, ok, err := s.st.GetSetting(ctx, name)
	if err != nil || !ok {
		return def, err
	}
	var v bool
	if uerr := json.Unmarshal(raw, &v); uerr != nil {
		return def, nil
	}
	return v, nil
}

// Int returns the setting as an int, or def when unset.
func (s *Service) Int(ctx context.Context, name string, def int) (int, error) {
	raw, ok, err := s.st.GetSetting(ctx, name)
	if err != nil || !ok {
		return def, err
	}
	var v int
	if uerr := json.Unmarshal(raw, &v); uerr != nil {
		return def, nil
	}
	return v, nil
}

// Uint64 returns the setting as a uint64, or def when unset. History
// cursors are stored this way.
func (s *Service) Uint64(ctx context.Context, name string, def uint64) (uint64, error) {
	raw, ok, err := s.st.GetSetting(ctx, name)
	if err != nil || !ok {
		return def, err
	}
	var v uint64
	if uerr := json.Unmarshal(raw, &v); uerr != nil {
		return def, nil
	}
	return v, nil
}

// Set marshals and upserts a value under name.
func (s *Service) Set(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.st.SetSetting(ctx, name, raw, false)
}

// SetPrivate is Set for entries hidden from the public settings view
// (provider tokens, cursors).
func (s *Service) SetPrivate(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.st.SetSetting(ctx, name, raw, true)
}

var _ Backend = (*storage.Store)(nil)
