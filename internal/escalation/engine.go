// Package escalation owns the alert lifecycle: persist a new report
// exactly once, push it out over the enabled channels, and keep
// re-broadcasting on a timer until someone acknowledges it.
package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"reportbot/internal/settings"
	"reportbot/internal/storage"
	logx "reportbot/pkg/logx"
)

const defaultTimeoutMinutes = 5

// Store is the slice of the storage API the engine needs.
type Store interface {
	InsertReport(ctx context.Context, r storage.Report) error
	FindReport(ctx context.Context, id string) (storage.Report, bool, error)
}

// Dispatcher fans one report out over a channel. Implementations isolate
// their own per-target failures.
type Dispatcher interface {
	SendSMS(ctx context.Context, r storage.Report) error
	Broadcast(ctx context.Context, r storage.Report) error
}

// Timers arms named one-shot timers; arming an existing name replaces the
// pending timer.
type Timers interface {
	AddOnce(name string, delay time.Duration, timeout time.Duration, job func(ctx context.Context) error) error
}

type Engine struct {
	store      Store
	settings   *settings.Service
	dispatcher Dispatcher
	timers     Timers
	baseURL    string
	log        logx.Logger
}

func New(store Store, st *settings.Service, d Dispatcher, timers Timers, publicBaseURL string, log logx.Logger) *Engine {
	return &Engine{
		store:      store,
		settings:   st,
		dispatcher: d,
		timers:     timers,
		baseURL:    strings.TrimRight(publicBaseURL, "/"),
		log:        log,
	}
}

// Notify runs one escalation round for the report.
//
// For an unsaved report this is the first round: the report is persisted
// (atomically; a duplicate id fails with storage.ErrDuplicateReport and
// nothing is sent) and the SMS batch goes out once. Every round, saved or
// not, re-reads the authoritative record; while the report is
// unacknowledged and the chat channel is enabled, the card is broadcast and
// the timer re-armed for the next round. Acknowledgement ends the loop: a
// round that reads seen=true does not broadcast and does not re-arm. The
// channel toggles are read fresh every round, never cached.
//
// Channel failures are logged and do not abort the round; the next tick
// retries delivery anyway.
func (e *Engine) Notify(ctx context.Context, r storage.Report) error {
	if !r.Saved {
		saved, err := e.saveNew(ctx, r)
		if err != nil {
			return err
		}
		r = saved
	} else {
		fresh, ok, err := e.store.FindReport(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("reading report %s: %w", r.ID, err)
		}
		if !ok {
			e.log.Warn("escalation tick for unknown report; stopping", logx.String("report", r.ID))
			return nil
		}
		r = fresh
	}

	if r.Seen {
		e.log.Info("report acknowledged; escalation stopped",
			logx.String("report", r.ID), logx.Any("seen_by", r.SeenBy))
		return nil
	}

	notifyChat, err := e.settings.Bool(ctx, settings.KeyNotifyChat, true)
	if err != nil {
		return fmt.Errorf("reading chat toggle: %w", err)
	}
	if !notifyChat {
		// no broadcast and no re-arm; the chain ends here until a new
		// report (or a manual ack round-trip) starts a fresh one
		e.log.Info("chat channel disabled; escalation not re-armed", logx.String("report", r.ID))
		return nil
	}
	if err := e.dispatcher.Broadcast(ctx, r); err != nil {
		e.log.Warn("chat broadcast incomplete; will retry next round",
			logx.String("report", r.ID), logx.Err(err))
	}

	return e.armNext(ctx, r.ID)
}

// saveNew persists a first-round report and fires the one-time SMS batch.
func (e *Engine) saveNew(ctx context.Context, r storage.Report) (storage.Report, error) {
	if r.URL == "" {
		r.URL = e.reportURL(r.ID)
	}
	r.Saved = true
	r.Seen = false

	if err := e.store.InsertReport(ctx, r); err != nil {
		if err == storage.ErrDuplicateReport {
			return storage.Report{}, err
		}
		return storage.Report{}, fmt.Errorf("persisting report %s: %w", r.ID, err)
	}
	e.log.Info("report persisted", logx.String("report", r.ID), logx.Any("tags", r.Tags))

	notifySMS, err := e.settings.Bool(ctx, settings.KeyNotifySMS, true)
	if err != nil {
		return storage.Report{}, fmt.Errorf("reading sms toggle: %w", err)
	}
	if notifySMS {
		if err := e.dispatcher.SendSMS(ctx, r); err != nil {
			// SMS goes out once per report; a failed batch is logged, not
			// retried by the escalation loop.
			e.log.Error("sms batch failed", logx.String("report", r.ID), logx.Err(err))
		}
	}
	return r, nil
}

func (e *Engine) armNext(ctx context.Context, id string) error {
	minutes, err := e.settings.Int(ctx, settings.KeyNotificationTimeout, defaultTimeoutMinutes)
	if err != nil {
		return fmt.Errorf("reading notification timeout: %w", err)
	}
	if minutes <= 0 {
		minutes = defaultTimeoutMinutes
	}
	delay := time.Duration(minutes) * time.Minute

	err = e.timers.AddOnce(timerName(id), delay, 0, func(ctx context.Context) error {
		return e.Notify(ctx, storage.Report{ID: id, Saved: true})
	})
	if err != nil {
		return fmt.Errorf("arming escalation timer for %s: %w", id, err)
	}
	e.log.Debug("escalation re-armed", logx.String("report", id), logx.Duration("delay", delay))
	return nil
}

func (e *Engine) reportURL(id string) string {
	if e.baseURL == "" {
		return ""
	}
	return e.baseURL + "/notification?id=" + id
}

func timerName(id string) string { return "report:" + id }
