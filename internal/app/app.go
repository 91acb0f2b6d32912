// Package app wires the components together and owns the process
// lifecycle: config loading and hot reload, storage, the chat transport,
// the escalation engine, the HTTP surface, and the daily mail-watch
// renewal.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"reportbot/internal/config"
	"reportbot/internal/dispatch"
	"reportbot/internal/escalation"
	"reportbot/internal/httpapi"
	"reportbot/internal/mailwatch"
	"reportbot/internal/mailwatch/gmail"
	"reportbot/internal/scheduler"
	"reportbot/internal/settings"
	"reportbot/internal/sms"
	"reportbot/internal/storage"
	"reportbot/internal/transport"
	"reportbot/internal/transport/telegram"
	logx "reportbot/pkg/logx"
)

const defaultWatchRenewCron = "0 2 * * *"

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store    *storage.Store
	settings *settings.Service
	adapter  transport.Adapter
	sched    *scheduler.Service
	ingester *mailwatch.Ingester
	renewer  mailwatch.WatchRenewer
	engine   *escalation.Engine
	http     *httpapi.Server

	events chan transport.Event

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	st := settings.New(store)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	smsTimeout, err := config.ParseDurationField("sms.timeout", cfg.SMS.Timeout)
	if err != nil {
		return nil, err
	}
	var gateway sms.Gateway
	if cfg.SMS.Token != "" {
		gw, err := sms.New(sms.Config{
			Token:   cfg.SMS.Token,
			BaseURL: cfg.SMS.BaseURL,
			Timeout: smsTimeout,
		}, log.With(logx.String("comp", "sms")))
		if err != nil {
			return nil, err
		}
		gateway = gw
	} else {
		log.Warn("sms token missing; sms channel disabled")
		gateway = disabledGateway{}
	}

	mailTimeout, err := config.ParseDurationField("mail.timeout", cfg.Mail.Timeout)
	if err != nil {
		return nil, err
	}
	var (
		provider mailwatch.Provider
		renewer  mailwatch.WatchRenewer
	)
	if cfg.Mail.Token != "" {
		mc, err := gmail.New(gmail.Config{
			Account: cfg.Mail.Account,
			Topic:   cfg.Mail.Topic,
			Token:   cfg.Mail.Token,
			BaseURL: cfg.Mail.BaseURL,
			Timeout: mailTimeout,
		}, log.With(logx.String("comp", "mail")))
		if err != nil {
			return nil, err
		}
		provider = mc
		renewer = mc
	} else {
		log.Warn("mail token missing; mail ingestion disabled")
		provider = disabledProvider{}
	}

	sched := scheduler.New(scheduler.Config{Workers: 2}, log.With(logx.String("comp", "scheduler")))

	dispatcher := dispatch.New(adapter, gateway, store, st, log.With(logx.String("comp", "dispatch")))
	engine := escalation.New(store, st, dispatcher, sched, cfg.PublicBaseURL,
		log.With(logx.String("comp", "escalation")))
	ingester := mailwatch.NewIngester(provider, st, log.With(logx.String("comp", "mailwatch")))

	httpSrv := httpapi.NewServer(httpapi.Config{
		Address:   cfg.HTTP.ListenAddress(),
		StaticDir: cfg.HTTP.StaticDir,
	}, store, ingester, engine, log.With(logx.String("comp", "http")))

	return &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		settings: st,
		adapter:  adapter,
		sched:    sched,
		ingester: ingester,
		renewer:  renewer,
		engine:   engine,
		http:     httpSrv,
		events:   make(chan transport.Event, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if a.started {
		return errors.New("already started")
	}
	a.started = true

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.sched.Start(runCtx)

	if err := a.adapter.Start(runCtx, a.events); err != nil {
		return fmt.Errorf("starting chat transport: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.registryLoop(runCtx)
	}()

	if a.renewer != nil {
		spec := a.cfgm.Get().Mail.WatchRenewCron
		if spec == "" {
			spec = defaultWatchRenewCron
		}
		err := a.sched.AddCron("mail.watch_renew", spec, time.Minute, func(c context.Context) error {
			return a.renewer.RenewWatch(c)
		})
		if err != nil {
			return fmt.Errorf("scheduling watch renewal: %w", err)
		}
	}

	errCh := a.http.Start()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-runCtx.Done():
		case err, ok := <-errCh:
			if ok && err != nil {
				a.log.Error("http server failed", logx.Err(err))
				cancel()
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var errs []error
	if err := a.http.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping http: %w", err))
	}
	if err := a.adapter.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping chat transport: %w", err))
	}
	a.sched.Stop()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// registryLoop keeps the conversation registry in sync with transport
// membership events.
func (a *App) registryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.applyEvent(ctx, ev)
		}
	}
}

func (a *App) applyEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConversationUpserted:
		ref, err := json.Marshal(ev.Conv)
		if err != nil {
			a.log.Warn("conversation ref marshal failed", logx.String("conversation", ev.Conv.ID), logx.Err(err))
			return
		}
		err = a.store.UpsertConversation(ctx, storage.Conversation{
			ID:    ev.Conv.ID,
			Ref:   ref,
			Title: ev.Title,
		})
		if err != nil {
			a.log.Error("conversation upsert failed", logx.String("conversation", ev.Conv.ID), logx.Err(err))
			return
		}
		a.log.Debug("conversation registered", logx.String("conversation", ev.Conv.ID), logx.String("title", ev.Title))
	case transport.EventConversationRemoved:
		if err := a.store.DeleteConversation(ctx, ev.Conv.ID); err != nil {
			a.log.Error("conversation removal failed", logx.String("conversation", ev.Conv.ID), logx.Err(err))
			return
		}
		a.log.Info("conversation removed", logx.String("conversation", ev.Conv.ID))
	}
}

// reloadLoop applies hot-reloadable config sections. Storage, transport,
// and HTTP bind changes need a restart; logging applies in place.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

type disabledGateway struct{}

func (disabledGateway) SendBulk(context.Context, string, []string, string) error {
	return errors.New("sms channel is not configured")
}

type disabledProvider struct{}

func (disabledProvider) ListAddedMessages(context.Context, uint64) ([]string, error) {
	return nil, errors.New("mail ingestion is not configured")
}

func (disabledProvider) RawMessage(context.Context, string) ([]byte, error) {
	return nil, errors.New("mail ingestion is not configured")
}
