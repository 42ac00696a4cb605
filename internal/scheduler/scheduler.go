// Package scheduler runs periodic maintenance jobs on robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"genbot/pkg/logx"
)

type Job func(ctx context.Context) error

type entry struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	id      cron.EntryID

	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
	lastMu  sync.Mutex
	lastRun time.Time
	lastErr string
}

// Service triggers jobs. A run still in flight when its next tick fires is skipped.
type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	parser  cron.Parser
	tz      string
	loc     *time.Location
	c       *cron.Cron
	entries map[string]*entry

	ctx atomic.Pointer[context.Context]
}

func New(timezone string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log.With(logx.String("comp", "scheduler")),
		parser:  specParser,
		tz:      strings.TrimSpace(timezone),
		entries: map[string]*entry{},
	}
}

// Add registers or replaces the job called name.
func (s *Service) Add(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" || job == nil {
		return errors.New("name and job required")
	}
	spec, err := normalizeSpec(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[name]; ok && s.c != nil {
		s.c.Remove(old.id)
	}
	e := &entry{name: name, spec: spec, timeout: timeout, job: job}
	s.entries[name] = e
	if s.c != nil {
		return s.scheduleLocked(e)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(e.id)
	}
	delete(s.entries, name)
	return true
}

func (s *Service) scheduleLocked(e *entry) error {
	id, err := s.c.AddFunc(e.spec, func() { s.run(e) })
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", e.name), logx.String("spec", e.spec), logx.Err(err))
		return err
	}
	e.id = id
	s.log.Debug("schedule registered", logx.String("name", e.name), logx.String("spec", e.spec), logx.Time("next", s.c.Entry(id).Next))
	return nil
}

func (s *Service) run(e *entry) {
	if !e.running.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		s.log.Debug("job still running, tick skipped", logx.String("name", e.name))
		return
	}
	defer e.running.Store(false)

	ctx := context.Background()
	if p := s.ctx.Load(); p != nil {
		ctx = *p
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.New("panic in scheduled job")
				s.log.Error("scheduled job panicked", logx.String("name", e.name), logx.Any("panic", r))
			}
		}()
		return e.job(ctx)
	}()
	e.runs.Add(1)
	e.lastMu.Lock()
	e.lastRun = start
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	e.lastMu.Unlock()

	if err != nil {
		s.log.Warn("scheduled job failed", logx.String("name", e.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("scheduled job done", logx.String("name", e.name), logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocation() *time.Location {
	if s.tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", s.tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start begins triggering. Jobs receive contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx.Store(&ctx)
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.loadLocation()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.entries {
		_ = s.scheduleLocked(e)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.entries)))
}

// SetTimezone restarts triggering in the new location when it changed.
func (s *Service) SetTimezone(tz string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz = strings.TrimSpace(tz)
	if tz == s.tz {
		return
	}
	s.tz = tz
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.startLocked()
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Snapshot describes one registered job.
type Snapshot struct {
	Name    string
	Spec    string
	Next    time.Time
	LastRun time.Time
	LastErr string
	Runs    int64
	Skipped int64
	Running bool
}

func (s *Service) Snapshot() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		snap := Snapshot{Name: e.name, Spec: e.spec, Runs: e.runs.Load(), Skipped: e.skipped.Load(), Running: e.running.Load()}
		if s.c != nil && e.id != 0 {
			snap.Next = s.c.Entry(e.id).Next
		}
		e.lastMu.Lock()
		snap.LastRun, snap.LastErr = e.lastRun, e.lastErr
		e.lastMu.Unlock()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
