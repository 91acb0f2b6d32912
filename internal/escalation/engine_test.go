package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"reportbot/internal/settings"
	"reportbot/internal/storage"
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

type memStore struct {
	reports map[string]storage.Report
}

func newMemStore() *memStore {
	return &memStore{reports: map[string]storage.Report{}}
}

func (m *memStore) InsertReport(_ context.Context, r storage.Report) error {
	if _, ok := m.reports[r.ID]; ok {
		return storage.ErrDuplicateReport
	}
	m.reports[r.ID] = r
	return nil
}

func (m *memStore) FindReport(_ context.Context, id string) (storage.Report, bool, error) {
	r, ok := m.reports[id]
	return r, ok, nil
}

type recordingDispatcher struct {
	smsSent    []string
	broadcasts []string
	smsErr     error
	chatErr    error
}

func (d *recordingDispatcher) SendSMS(_ context.Context, r storage.Report) error {
	d.smsSent = append(d.smsSent, r.ID)
	return d.smsErr
}

func (d *recordingDispatcher) Broadcast(_ context.Context, r storage.Report) error {
	d.broadcasts = append(d.broadcasts, r.ID)
	return d.chatErr
}

type recordingTimers struct {
	armed []struct {
		name  string
		delay time.Duration
		job   func(ctx context.Context) error
	}
}

func (t *recordingTimers) AddOnce(name string, delay time.Duration, _ time.Duration, job func(ctx context.Context) error) error {
	t.armed = append(t.armed, struct {
		name  string
		delay time.Duration
		job   func(ctx context.Context) error
	}{name, delay, job})
	return nil
}

func (t *recordingTimers) last() (string, time.Duration, func(ctx context.Context) error) {
	if len(t.armed) == 0 {
		return "", 0, nil
	}
	a := t.armed[len(t.armed)-1]
	return a.name, a.delay, a.job
}

func draft(id string) storage.Report {
	return storage.Report{
		ID:        id,
		ErrorDesc: "Pump failed",
		Tags:      []string{"line3"},
		Date:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
}

func newTestEngine(store Store, st *settings.Service, d Dispatcher, tm Timers) *Engine {
	return New(store, st, d, tm, "https://reports.plant.example", logx.Nop())
}

func TestNotifyFirstRoundPersistsAndDispatches(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	disp := &recordingDispatcher{}
	timers := &recordingTimers{}
	e := newTestEngine(store, settings.New(&memSettings{}), disp, timers)
	ctx := context.Background()

	if err := e.Notify(ctx, draft("r1")); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	saved, ok := store.reports["r1"]
	if !ok {
		t.Fatal("report not persisted")
	}
	if !saved.Saved || saved.Seen {
		t.Fatalf("persisted flags = %+v", saved)
	}
	if want := "https://reports.plant.example/notification?id=r1"; saved.URL != want {
		t.Fatalf("url = %q, want %q", saved.URL, want)
	}
	if len(disp.smsSent) != 1 || len(disp.broadcasts) != 1 {
		t.Fatalf("sms = %v, broadcasts = %v, want one each", disp.smsSent, disp.broadcasts)
	}
	name, delay, _ := timers.last()
	if name != "report:r1" {
		t.Fatalf("timer name = %q", name)
	}
	if delay != 5*time.Minute {
		t.Fatalf("delay = %v, want default 5m", delay)
	}
}

func TestNotifyDuplicateDraftSendsNothing(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	disp := &recordingDispatcher{}
	timers := &recordingTimers{}
	e := newTestEngine(store, settings.New(&memSettings{}), disp, timers)
	ctx := context.Background()

	if err := e.Notify(ctx, draft("r1")); err != nil {
		t.Fatal(err)
	}
	disp.smsSent, disp.broadcasts = nil, nil
	timers.armed = nil

	err := e.Notify(ctx, draft("r1"))
	if !errors.Is(err, storage.ErrDuplicateReport) {
		t.Fatalf("err = %v, want ErrDuplicateReport", err)
	}
	if len(disp.smsSent) != 0 || len(disp.broadcasts) != 0 || len(timers.armed) != 0 {
		t.Fatal("duplicate draft must not dispatch or re-arm")
	}
}

func TestEscalationTickRebroadcastsWithoutSMS(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	disp := &recordingDispatcher{}
	timers := &recordingTimers{}
	e := newTestEngine(store, settings.New(&memSettings{}), disp, timers)
	ctx := context.Background()

	if err := e.Notify(ctx, draft("r1")); err != nil {
		t.Fatal(err)
	}
	_, _, tick := timers.last()
	if tick == nil {
		t.Fatal("no timer armed")
	}

	if err := tick(ctx); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	if len(disp.smsSent) != 1 {
		t.Fatalf("sms sent %d times, want once total", len(disp.smsSent))
	}
	if len(disp.broadcasts) != 2 {
		t.Fatalf("broadcasts = %d, want 2", len(disp.broadcasts))
	}
	if len(timers.armed) != 2 {
		t.Fatalf("timer armed %d times, want re-armed after the tick", len(timers.armed))
	}
}

func TestEscalationStopsAfterAcknowledgement(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	disp := &recordingDispatcher{}
	timers := &recordingTimers{}
	e := newTestEngine(store, settings.New(&memSettings{}), disp, timers)
	ctx := context.Background()

	if err := e.Notify(ctx, draft("r1")); err != nil {
		t.Fatal(err)
	}
	_, _, tick := timers.last()

	// ack lands between two ticks
	r := store.reports["r1"]
	r.Seen = true
	r.SeenBy = []string{"operator"}
	store.reports["r1"] = r
	before := len(timers.armed)

	if err := tick(ctx); err != nil {
		t.Fatalf("tick error: %v", err)
	}
	if len(disp.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want no re-broadcast after ack", len(disp.broadcasts))
	}
	if len(timers.armed) != before {
		t.Fatal("timer re-armed after acknowledgement")
	}
}

func TestNotifyHonorsChannelToggles(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	disp := &recordingDispatcher{}
	timers := &recordingTimers{}
	st := settings.New(&memSettings{})
	ctx := context.Background()
	if err := st.Set(ctx, settings.KeyNotifySMS, false); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, settings.KeyNotifyChat, false); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(store, st, disp, timers)

	if err := e.Notify(ctx, draft("r1")); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if len(disp.smsSent) != 0 || len(disp.broadcasts) != 0 {
		t.Fatalf("disabled channels still dispatched: sms=%v chat=%v", disp.smsSent, disp.broadcasts)
	}
	// still persisted, but a disabled chat channel ends the chain
	if _, ok := store.reports["r1"]; !ok {
		t.Fatal("report not persisted")
	}
	if len(timers.armed) != 0 {
		t.Fatal("timer armed despite the chat channel being disabled")
	}
}

func TestNotifyUsesConfiguredTimeout(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	timers := &recordingTimers{}
	st := settings.New(&memSettings{})
	ctx := context.Background()
	if err := st.Set(ctx, settings.KeyNotificationTimeout, 12); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(store, st, &recordingDispatcher{}, timers)

	if err := e.Notify(ctx, draft("r1")); err != nil {
		t.Fatal(err)
	}
	_, delay, _ := timers.last()
	if delay != 12*time.Minute {
		t.Fatalf("delay = %v, want 12m", delay)
	}
}

func TestChannelFailuresDoNotAbortEscalation(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	disp := &recordingDispatcher{
		smsErr:  errors.New("gateway down"),
		chatErr: errors.New("one chat unreachable"),
	}
	timers := &recordingTimers{}
	e := newTestEngine(store, settings.New(&memSettings{}), disp, timers)

	if err := e.Notify(context.Background(), draft("r1")); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if len(timers.armed) != 1 {
		t.Fatal("timer not armed despite channel failures")
	}
}
