package mailwatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"reportbot/internal/settings"
	logx "reportbot/pkg/logx"
)

type memBackend struct {
	values map[string]json.RawMessage
}

func (m *memBackend) GetSetting(_ context.Context, name string) (json.RawMessage, bool, error) {
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *memBackend) SetSetting(_ context.Context, name string, value json.RawMessage, _ bool) error {
	if m.values == nil {
		m.values = map[string]json.RawMessage{}
	}
	m.values[name] = value
	return nil
}

type fakeProvider struct {
	added    map[uint64][]string
	raw      map[string][]byte
	listErr  error
	fetchErr map[string]error
	listed   []uint64
}

func (f *fakeProvider) ListAddedMessages(_ context.Context, since uint64) ([]string, error) {
	f.listed = append(f.listed, since)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.added[since], nil
}

func (f *fakeProvider) RawMessage(_ context.Context, id string) ([]byte, error) {
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	raw, ok := f.raw[id]
	if !ok {
		return nil, errors.New("unknown message")
	}
	return raw, nil
}

func pushBody(t *testing.T, historyID uint64) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{"emailAddress": "reports@plant.example", "historyId": historyID})
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(map[string]any{"message": map[string]string{
		"data": base64.StdEncoding.EncodeToString(data),
	}})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func rfc822(from, subject string) []byte {
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: reports@plant.example\r\nSubject: %s\r\nDate: Mon, 02 Mar 2026 10:00:00 +0000\r\n\r\nbody\r\n",
		from, subject))
}

func newTestIngester(p Provider, backend *memBackend) (*Ingester, *settings.Service) {
	st := settings.New(backend)
	return NewIngester(p, st, logx.Nop()), st
}

func TestIngestBootstrapsCursor(t *testing.T) {
	t.Parallel()
	prov := &fakeProvider{}
	backend := &memBackend{}
	in, st := newTestIngester(prov, backend)
	ctx := context.Background()

	drafts, err := in.Ingest(ctx, pushBody(t, 10))
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if len(drafts) != 0 {
		t.Fatalf("drafts = %d, want 0 on bootstrap", len(drafts))
	}
	if got, _ := st.Uint64(ctx, settings.KeyLastHistoryID, 0); got != 10 {
		t.Fatalf("cursor = %d, want 10", got)
	}
	if len(prov.listed) != 0 {
		t.Fatal("bootstrap must not list history")
	}
}

func TestIngestProducesDraftsAndAdvancesCursor(t *testing.T) {
	t.Parallel()
	prov := &fakeProvider{
		added: map[uint64][]string{10: {"m1"}},
		raw:   map[string][]byte{"m1": rfc822("hmi@plant.example", "[line3] Pump failed")},
	}
	backend := &memBackend{}
	in, st := newTestIngester(prov, backend)
	ctx := context.Background()

	if err := st.SetPrivate(ctx, settings.KeyLastHistoryID, uint64(10)); err != nil {
		t.Fatal(err)
	}

	drafts, err := in.Ingest(ctx, pushBody(t, 11))
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("drafts = %d, want 1", len(drafts))
	}
	d := drafts[0]
	if d.ID != "m1" || d.ErrorDesc != "Pump failed" || len(d.Tags) != 1 || d.Tags[0] != "line3" {
		t.Fatalf("draft = %+v", d)
	}
	if d.Saved || d.Seen {
		t.Fatalf("draft must be unsaved/unseen, got %+v", d)
	}
	if got, _ := st.Uint64(ctx, settings.KeyLastHistoryID, 0); got != 11 {
		t.Fatalf("cursor = %d, want 11", got)
	}
	// listing starts from the previous cursor, not the incoming one
	if len(prov.listed) != 1 || prov.listed[0] != 10 {
		t.Fatalf("listed = %v, want [10]", prov.listed)
	}
}

func TestIngestIdempotentOnRepeatedCursor(t *testing.T) {
	t.Parallel()
	prov := &fakeProvider{}
	backend := &memBackend{}
	in, st := newTestIngester(prov, backend)
	ctx := context.Background()

	if _, err := in.Ingest(ctx, pushBody(t, 10)); err != nil {
		t.Fatal(err)
	}
	drafts, err := in.Ingest(ctx, pushBody(t, 10))
	if err != nil {
		t.Fatalf("second Ingest error: %v", err)
	}
	if len(drafts) != 0 {
		t.Fatalf("drafts = %d, want 0", len(drafts))
	}
	if got, _ := st.Uint64(ctx, settings.KeyLastHistoryID, 0); got != 10 {
		t.Fatalf("cursor = %d, want unchanged 10", got)
	}
}

func TestIngestSkipsIrrelevantAndMalformed(t *testing.T) {
	t.Parallel()
	prov := &fakeProvider{
		added: map[uint64][]string{5: {"bad-sender", "no-tags", "broken", "good"}},
		raw: map[string][]byte{
			"bad-sender": rfc822("spam@elsewhere.example", "[line1] not ours"),
			"no-tags":    rfc822("hmi@plant.example", "just chatting"),
			"good":       rfc822("Ops HMI <hmi@plant.example>", "[line2] Belt torn"),
		},
		fetchErr: map[string]error{"broken": errors.New("upstream unavailable")},
	}
	backend := &memBackend{}
	in, st := newTestIngester(prov, backend)
	ctx := context.Background()

	if err := st.SetPrivate(ctx, settings.KeyLastHistoryID, uint64(5)); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, settings.KeyOnlyMailFrom, "hmi@plant.example"); err != nil {
		t.Fatal(err)
	}

	drafts, err := in.Ingest(ctx, pushBody(t, 6))
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != "good" {
		t.Fatalf("drafts = %+v, want only the relevant tagged message", drafts)
	}
}

func TestIngestFailsWhenHistoryListingFails(t *testing.T) {
	t.Parallel()
	prov := &fakeProvider{listErr: errors.New("mail provider down")}
	backend := &memBackend{}
	in, st := newTestIngester(prov, backend)
	ctx := context.Background()

	if err := st.SetPrivate(ctx, settings.KeyLastHistoryID, uint64(3)); err != nil {
		t.Fatal(err)
	}
	if _, err := in.Ingest(ctx, pushBody(t, 4)); err == nil {
		t.Fatal("expected error when history listing fails")
	}
	// The cursor still advanced; the retry will not replay the old backlog.
	if got, _ := st.Uint64(ctx, settings.KeyLastHistoryID, 0); got != 4 {
		t.Fatalf("cursor = %d, want 4", got)
	}
}
