package settings

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeBackend struct {
	values map[string]json.RawMessage
	err    error
}

func (f *fakeBackend) GetSetting(_ context.Context, name string) (json.RawMessage, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	v, ok := f.values[name]
	return v, ok, nil
}

func (f *fakeBackend) SetSetting(_ context.Context, name string, value json.RawMessage, _ bool) error {
	if f.err != nil {
		return f.err
	}
	if f.values == nil {
		f.values = map[string]json.RawMessage{}
	}
	f.values[name] = value
	return nil
}

func TestDefaultsWhenAbsent(t *testing.T) {
	t.Parallel()
	s := New(&fakeBackend{})
	ctx := context.Background()

	if v, err := s.Bool(ctx, KeyNotifySMS, true); err != nil || !v {
		t.Fatalf("Bool = %v/%v, want default true", v, err)
	}
	if v, err := s.Int(ctx, KeyNotificationTimeout, 5); err != nil || v != 5 {
		t.Fatalf("Int = %v/%v, want default 5", v, err)
	}
	if v, err := s.String(ctx, KeySMSFrom, "reportbot"); err != nil || v != "reportbot" {
		t.Fatalf("String = %v/%v, want default", v, err)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	s := New(&fakeBackend{})
	ctx := context.Background()

	if err := s.Set(ctx, KeyNotifySMS, false); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	if v, err := s.Bool(ctx, KeyNotifySMS, true); err != nil || v {
		t.Fatalf("Bool = %v/%v, want stored false", v, err)
	}

	if err := s.SetPrivate(ctx, KeyLastHistoryID, uint64(42)); err != nil {
		t.Fatalf("SetPrivate error: %v", err)
	}
	if v, err := s.Uint64(ctx, KeyLastHistoryID, 0); err != nil || v != 42 {
		t.Fatalf("Uint64 = %v/%v, want 42", v, err)
	}
}

func TestWrongTypeFallsBackToDefault(t *testing.T) {
	t.Parallel()
	s := New(&fakeBackend{values: map[string]json.RawMessage{
		KeyNotificationTimeout: json.RawMessage(`"not-a-number"`),
	}})
	if v, err := s.Int(context.Background(), KeyNotificationTimeout, 5); err != nil || v != 5 {
		t.Fatalf("Int = %v/%v, want default on type mismatch", v, err)
	}
}

func TestStoreErrorSurfaces(t *testing.T) {
	t.Parallel()
	boom := errors.New("db down")
	s := New(&fakeBackend{err: boom})
	if _, err := s.Bool(context.Background(), KeyNotifySMS, true); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want store error", err)
	}
}
