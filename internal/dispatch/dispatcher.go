// Package dispatch fans a report out over the notification channels: one
// batched SMS to every contact, and one chat card per registered
// conversation. Channels and targets fail independently; a dead chat never
// blocks the SMS batch and one unreachable conversation never blocks the
// rest of the broadcast.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"reportbot/internal/settings"
	"reportbot/internal/sms"
	"reportbot/internal/storage"
	"reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

// Targets is the slice of the storage API the dispatcher reads its
// recipients from. Both lists are re-read on every dispatch so registry
// changes apply to the next send without a restart.
type Targets interface {
	ListConversations(ctx context.Context) ([]storage.Conversation, error)
	Phones(ctx context.Context) ([]string, error)
}

type Dispatcher struct {
	chat     transport.Adapter
	gateway  sms.Gateway
	targets  Targets
	settings *settings.Service
	limiter  *rate.Limiter
	log      logx.Logger
}

func New(chat transport.Adapter, gateway sms.Gateway, targets Targets, st *settings.Service, log logx.Logger) *Dispatcher {
	return &Dispatcher{
		chat:     chat,
		gateway:  gateway,
		targets:  targets,
		settings: st,
		// chat platforms throttle broadcast sends around 30 msg/s
		limiter: rate.NewLimiter(rate.Limit(25), 5),
		log:     log,
	}
}

// SendSMS sends one batched text about the report to every contact. An
// empty contact list is a no-op.
func (d *Dispatcher) SendSMS(ctx context.Context, r storage.Report) error {
	phones, err := d.targets.Phones(ctx)
	if err != nil {
		return fmt.Errorf("listing sms contacts: %w", err)
	}
	if len(phones) == 0 {
		d.log.Debug("sms skipped (no contacts)", logx.String("report", r.ID))
		return nil
	}

	intro, err := d.settings.String(ctx, settings.KeySMSIntroduction, "Failure report")
	if err != nil {
		return fmt.Errorf("reading sms introduction: %w", err)
	}
	from, err := d.settings.String(ctx, settings.KeySMSFrom, "")
	if err != nil {
		return fmt.Errorf("reading sms sender: %w", err)
	}

	body := smsBody(intro, r)
	if err := d.gateway.SendBulk(ctx, from, phones, body); err != nil {
		return fmt.Errorf("sending sms batch: %w", err)
	}
	d.log.Info("sms batch dispatched", logx.String("report", r.ID), logx.Int("recipients", len(phones)))
	return nil
}

// Broadcast delivers the report card to every registered conversation. A
// failed target is logged and skipped; the returned error joins every
// per-target failure, so a non-nil error still means the remaining targets
// were attempted.
func (d *Dispatcher) Broadcast(ctx context.Context, r storage.Report) error {
	convs, err := d.targets.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}
	if len(convs) == 0 {
		d.log.Debug("broadcast skipped (no conversations)", logx.String("report", r.ID))
		return nil
	}

	jobID := uuid.NewString()
	card := cardFor(r)
	log := d.log.With(logx.String("report", r.ID), logx.String("job", jobID))

	var errs []error
	sent := 0
	for _, conv := range convs {
		var ref transport.ConversationRef
		if err := json.Unmarshal(conv.Ref, &ref); err != nil {
			log.Warn("conversation ref unreadable; skipping", logx.String("conversation", conv.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("conversation %s: %w", conv.ID, err))
			continue
		}
		if err := d.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := d.chat.SendCard(ctx, ref, card); err != nil {
			log.Warn("card delivery failed; continuing", logx.String("conversation", conv.ID), logx.Err(err))
			errs = append(errs, fmt.Errorf("conversation %s: %w", conv.ID, err))
			continue
		}
		sent++
	}

	log.Info("broadcast finished", logx.Int("sent", sent), logx.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func cardFor(r storage.Report) transport.Card {
	title := "Failure report"
	if len(r.Tags) > 0 {
		title = strings.Join(r.Tags, " / ")
	}
	return transport.Card{
		Title:     title,
		ErrorDesc: r.ErrorDesc,
		Tags:      r.Tags,
		Date:      r.Date,
		Comment:   r.Comment,
		URL:       r.URL,
	}
}

func smsBody(intro string, r storage.Report) string {
	var b strings.Builder
	if intro != "" {
		b.WriteString(intro)
		b.WriteString(": ")
	}
	b.WriteString(r.ErrorDesc)
	if r.URL != "" {
		b.WriteString(" ")
		b.WriteString(r.URL)
	}
	return b.String()
}
