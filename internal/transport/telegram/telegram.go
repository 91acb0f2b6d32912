// Package telegram implements the chat transport on Telegram via telebot.
// Conversations the bot is a member of become broadcast delivery targets;
// membership changes are surfaced as transport events so the registry
// stays current.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"reportbot/internal/transport"
	logx "reportbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	out       chan<- transport.Event
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedEvents counts membership events dropped because the consumer
	// was slower than the poll loop. Logged on stop to avoid per-event spam.
	droppedEvents uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	a.runMu.Unlock()

	a.bot.Handle(tele.OnAddedToGroup, func(c tele.Context) error {
		if chat := c.Chat(); chat != nil {
			a.emit(transport.Event{Kind: transport.EventConversationUpserted, Conv: refFor(chat), Title: chat.Title})
		}
		return nil
	})

	// Any message refreshes the registry entry, mirroring the conversation
	// update signal of chat platforms that re-announce active chats.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		if chat := c.Chat(); chat != nil {
			a.emit(transport.Event{Kind: transport.EventConversationUpserted, Conv: refFor(chat), Title: chat.Title})
		}
		return nil
	})

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		upd := c.ChatMember()
		if upd == nil || upd.Chat == nil || upd.NewChatMember == nil {
			return nil
		}
		ev := transport.Event{Kind: transport.EventConversationUpserted, Conv: refFor(upd.Chat), Title: upd.Chat.Title}
		switch upd.NewChatMember.Role {
		case tele.Left, tele.Kicked:
			ev.Kind = transport.EventConversationRemoved
		}
		a.emit(ev)
		return nil
	})

	go func() {
		defer a.runWG.Done()
		// Ensure we stop telebot when context is cancelled.
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) emit(ev transport.Event) {
	select {
	case a.out <- ev:
	default:
		atomic.AddUint64(&a.droppedEvents, 1)
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on the
	// Telegram long-poll.
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if n := atomic.LoadUint64(&a.droppedEvents); n > 0 {
		a.log.Warn("membership events dropped (channel full)", logx.Uint64("count", n))
	}

	if cancel != nil {
		cancel()
	}

	// telebot Stop is expected to be fast; run it async just in case.
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) SendCard(ctx context.Context, to transport.ConversationRef, card transport.Card) error {
	chat := &tele.Chat{ID: to.ChatID}
	opt := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	}
	_, err := a.bot.Send(chat, renderCard(card), opt)
	return err
}

func refFor(chat *tele.Chat) transport.ConversationRef {
	return transport.ConversationRef{
		ID:     strconv.FormatInt(chat.ID, 10),
		ChatID: chat.ID,
	}
}

// renderCard formats the alert as Telegram HTML. The original adaptive-card
// layout collapses to title + facts + link.
func renderCard(c transport.Card) string {
	var b strings.Builder
	title := c.Title
	if title == "" {
		title = "Failure report"
	}
	fmt.Fprintf(&b, "🚨 <b>%s</b>\n", html.EscapeString(title))
	if !c.Date.IsZero() {
		fmt.Fprintf(&b, "%s\n", c.Date.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&b, "\n<b>Error:</b> %s\n", html.EscapeString(c.ErrorDesc))
	if len(c.Tags) > 0 {
		fmt.Fprintf(&b, "<b>Tags:</b> %s\n", html.EscapeString(strings.Join(c.Tags, ", ")))
	}
	if c.Comment != "" {
		fmt.Fprintf(&b, "<b>Comment:</b> %s\n", html.EscapeString(c.Comment))
	}
	if c.URL != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Open and mark as seen</a>", c.URL)
	}
	return b.String()
}
