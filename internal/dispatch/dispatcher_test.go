package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"reportbot/internal/settings"
	"reportbot/internal/storage"
	"reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

type memSettings struct {
	values map[string]json.RawMessage
}

func (m *memSettings) GetSetting(_ context.Context, name string) (json.RawMessage, bool, error) {
	v, ok := m.values[name]
	return v, ok, nil
}

func (m *memSettings) SetSetting(_ context.Context, name string, value json.RawMessage, _ bool) error {
	if m.values == nil {
		m.values = map[string]json.RawMessage{}
	}
	m.values[name] = value
	return nil
}

type fakeTargets struct {
	convs  []storage.Conversation
	phones []string
}

func (f *fakeTargets) ListConversations(context.Context) ([]storage.Conversation, error) {
	return f.convs, nil
}

func (f *fakeTargets) Phones(context.Context) ([]string, error) {
	return f.phones, nil
}

type fakeChat struct {
	failFor map[string]error
	sent    []transport.ConversationRef
}

func (f *fakeChat) Start(context.Context, chan<- transport.Event) error { return nil }
func (f *fakeChat) Stop(context.Context) error                         { return nil }

func (f *fakeChat) SendCard(_ context.Context, to transport.ConversationRef, _ transport.Card) error {
	if err := f.failFor[to.ID]; err != nil {
		return err
	}
	f.sent = append(f.sent, to)
	return nil
}

type fakeGateway struct {
	from string
	to   []string
	body string
	err  error
}

func (f *fakeGateway) SendBulk(_ context.Context, from string, to []string, body string) error {
	f.from, f.to, f.body = from, to, body
	return f.err
}

func conv(t *testing.T, id string, chatID int64) storage.Conversation {
	t.Helper()
	ref, err := json.Marshal(transport.ConversationRef{ID: id, ChatID: chatID})
	if err != nil {
		t.Fatal(err)
	}
	return storage.Conversation{ID: id, Ref: ref}
}

func testReport() storage.Report {
	return storage.Report{
		ID:        "r1",
		ErrorDesc: "Pump failed",
		Tags:      []string{"line3"},
		Date:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		URL:       "https://reports.plant.example/notification?id=r1",
	}
}

func TestBroadcastIsolatesFailedTargets(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{failFor: map[string]error{"a": errors.New("chat gone")}}
	targets := &fakeTargets{convs: []storage.Conversation{
		conv(t, "a", 1), conv(t, "b", 2), conv(t, "c", 3),
	}}
	d := New(chat, &fakeGateway{}, targets, settings.New(&memSettings{}), logx.Nop())

	err := d.Broadcast(context.Background(), testReport())
	if err == nil {
		t.Fatal("expected joined error for the failed target")
	}
	if len(chat.sent) != 2 {
		t.Fatalf("delivered to %d targets, want 2", len(chat.sent))
	}
	for _, ref := range chat.sent {
		if ref.ID == "a" {
			t.Fatal("failed target reported as delivered")
		}
	}
}

func TestBroadcastSkipsUnreadableRef(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	targets := &fakeTargets{convs: []storage.Conversation{
		{ID: "bad", Ref: json.RawMessage(`not json`)},
		conv(t, "ok", 7),
	}}
	d := New(chat, &fakeGateway{}, targets, settings.New(&memSettings{}), logx.Nop())

	if err := d.Broadcast(context.Background(), testReport()); err == nil {
		t.Fatal("expected error for the unreadable ref")
	}
	if len(chat.sent) != 1 || chat.sent[0].ID != "ok" {
		t.Fatalf("sent = %+v, want only the readable target", chat.sent)
	}
}

func TestBroadcastNoConversationsIsNoop(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{}
	d := New(chat, &fakeGateway{}, &fakeTargets{}, settings.New(&memSettings{}), logx.Nop())
	if err := d.Broadcast(context.Background(), testReport()); err != nil {
		t.Fatalf("Broadcast error: %v", err)
	}
	if len(chat.sent) != 0 {
		t.Fatalf("sent = %d, want 0", len(chat.sent))
	}
}

func TestSendSMSBatchesAllContacts(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	st := settings.New(&memSettings{})
	ctx := context.Background()
	if err := st.Set(ctx, settings.KeySMSIntroduction, "Plant alert"); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, settings.KeySMSFrom, "PlantOps"); err != nil {
		t.Fatal(err)
	}
	targets := &fakeTargets{phones: []string{"+48100100100", "+48200200200"}}
	d := New(&fakeChat{}, gw, targets, st, logx.Nop())

	if err := d.SendSMS(ctx, testReport()); err != nil {
		t.Fatalf("SendSMS error: %v", err)
	}
	if gw.from != "PlantOps" {
		t.Fatalf("from = %q, want PlantOps", gw.from)
	}
	if len(gw.to) != 2 {
		t.Fatalf("recipients = %v, want both contacts", gw.to)
	}
	want := "Plant alert: Pump failed https://reports.plant.example/notification?id=r1"
	if gw.body != want {
		t.Fatalf("body = %q, want %q", gw.body, want)
	}
}

func TestSendSMSNoContactsIsNoop(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{err: errors.New("must not be called")}
	d := New(&fakeChat{}, gw, &fakeTargets{}, settings.New(&memSettings{}), logx.Nop())
	if err := d.SendSMS(context.Background(), testReport()); err != nil {
		t.Fatalf("SendSMS error: %v", err)
	}
	if gw.to != nil {
		t.Fatal("gateway was called with no contacts")
	}
}
