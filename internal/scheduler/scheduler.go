// Package scheduler runs recurring cron jobs and named one-shot timers on
// a small worker pool. One-shot timers upsert by name, which is what the
// escalation loop leans on: re-arming a report's timer replaces the
// previous one instead of stacking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "reportbot/pkg/logx"
)

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	Timezone       string // IANA TZ; empty means time.Local
}

type task struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []cronDef

	queue  chan task
	stopCh chan struct{}

	// one-shot timers, keyed by name; onceVer guards against callbacks
	// from a timer that has since been replaced or removed
	tmu     sync.Mutex
	timers  map[string]*time.Timer
	onceVer map[string]uint64
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg,
		log:     log,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers:  map[string]*time.Timer{},
		onceVer: map[string]uint64{},
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	size := s.cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	s.queue = make(chan task, size)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("schedule register failed",
				logx.String("name", s.defs[i].name), logx.String("spec", s.defs[i].spec), logx.Err(err))
		}
	}

	for i := 0; i < workers; i++ {
		go s.worker(ctx)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("workers", workers), logx.String("tz", loc.String()))
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.onceVer = map[string]uint64{}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped")
}

// AddCron registers (or replaces, by name) a recurring job. It may be
// called before Start; definitions are registered when the cron engine
// comes up.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid spec %q: %w", spec, err)
	}
	s.removeCronLocked(name)
	d := cronDef{name: name, spec: spec, timeout: s.resolveTimeout(timeout), job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.registerLocked(&s.defs[len(s.defs)-1])
	}
	return nil
}

// AddOnce arms (or re-arms, by name) a one-shot timer firing after delay.
// Re-arming replaces the pending timer; callbacks from the replaced timer
// are discarded.
func (s *Service) AddOnce(name string, delay time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if delay < 0 {
		delay = 0
	}
	resolved := s.resolveTimeout(timeout)

	s.tmu.Lock()
	defer s.tmu.Unlock()

	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
	}
	ver := s.onceVer[name] + 1
	s.onceVer[name] = ver

	localName := name
	localVer := ver
	s.timers[name] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		if s.onceVer[localName] != localVer {
			s.tmu.Unlock()
			return
		}
		delete(s.timers, localName)
		delete(s.onceVer, localName)
		s.tmu.Unlock()

		s.enqueue(task{name: localName, timeout: resolved, run: job})
	})
	return nil
}

// Remove unschedules every cron job and one-shot timer with the given
// name. It reports whether anything was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}

	s.mu.Lock()
	removed := s.removeCronLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.onceVer[name]; ok {
		delete(s.onceVer, name)
		removed = true
	}
	s.tmu.Unlock()

	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) registerLocked(d *cronDef) error {
	eid, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(task{name: d.name, timeout: d.timeout, run: d.job})
	})
	if err == nil {
		d.entryID = eid
	}
	return err
}

// removeCronLocked drops all defs matching name; call with s.mu held.
func (s *Service) removeCronLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) enqueue(t task) {
	s.mu.Lock()
	queue := s.queue
	stopCh := s.stopCh
	s.mu.Unlock()
	if queue == nil || stopCh == nil {
		s.log.Warn("scheduler not running; dropping task", logx.String("task", t.name))
		return
	}
	select {
	case queue <- t:
	default:
		s.log.Warn("scheduler queue full; dropping task", logx.String("task", t.name))
	}
}

func (s *Service) worker(ctx context.Context) {
	s.mu.Lock()
	queue := s.queue
	stopCh := s.stopCh
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if err := t.run(runCtx); err != nil {
		s.log.Warn("task failed", logx.String("task", t.name),
			logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("task ok", logx.String("task", t.name), logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}
