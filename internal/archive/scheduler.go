package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs consolidation hourly.
const DefaultSchedule = "@every 1h"

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler runs Consolidate on a cron schedule, plus once at start.
type Scheduler struct {
	archiver *Archiver
	cron     *cron.Cron
	timeout  time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

func NewScheduler(a *Archiver, schedule string, loc *time.Location, timeout time.Duration) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	s := &Scheduler{
		archiver: a,
		cron:     cron.New(cron.WithParser(cronParser), cron.WithLocation(loc)),
		timeout:  timeout,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid consolidate schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start launches the startup pass and the cron ticker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	s.cron.Start()
}

// Stop halts the ticker and waits for running passes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("consolidation panicked", "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.archiver.Consolidate(ctx); err != nil {
		slog.Error("consolidation failed", "error", err)
	}
}
