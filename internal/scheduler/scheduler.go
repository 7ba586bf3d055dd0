// Package scheduler drives the periodic enforcement passes: the hourly
// deadline check and the daily release and finalization checks, each gated
// on the contract's local time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"versekeep/internal/config"
	"versekeep/internal/domain"
	"versekeep/internal/engine"
	"versekeep/internal/logger"
)

const (
	TriggerDeadlines = "deadlines"
	TriggerReleases  = "releases"
	TriggerFinalize  = "finalize"
	TriggerAll       = "all"
)

// Enforcer is the subset of the engine the scheduler drives.
type Enforcer interface {
	ListContracts(ctx context.Context, writerID string, statuses ...domain.ContractStatus) ([]domain.Contract, error)
	CheckDeadlines(ctx context.Context, contractID string) (engine.DeadlineResult, error)
	CheckMonthlyReleaseDeadline(ctx context.Context, contractID string) (engine.ReleaseResult, error)
	FinalizeContract(ctx context.Context, contractID string) (engine.FinalizeResult, error)
}

// Report summarizes one pass over the active contracts.
type Report struct {
	Trigger   string   `json:"trigger"`
	Processed int      `json:"processed"`
	Acted     int      `json:"acted"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

type Scheduler struct {
	eng         Enforcer
	cfg         config.SchedulerConfig
	log         *logger.Logger
	now         func() time.Time
	releaseAt   config.ClockTime
	finalizeAt  config.ClockTime
	concurrency int
}

type Options struct {
	Logger *logger.Logger
	Now    func() time.Time
}

func New(eng Enforcer, cfg config.SchedulerConfig, opts Options) (*Scheduler, error) {
	releaseAt, err := config.ParseClock(cfg.ReleaseCheckAt)
	if err != nil {
		return nil, fmt.Errorf("scheduler.release_check_at: %w", err)
	}
	finalizeAt, err := config.ParseClock(cfg.FinalizeAt)
	if err != nil {
		return nil, fmt.Errorf("scheduler.finalize_at: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	conc := cfg.Concurrency
	if conc < 1 {
		conc = 1
	}
	return &Scheduler{
		eng:         eng,
		cfg:         cfg,
		log:         log.With("component", "Scheduler"),
		now:         now,
		releaseAt:   releaseAt,
		finalizeAt:  finalizeAt,
		concurrency: conc,
	}, nil
}

// Start registers the cron triggers and blocks until ctx is done. Running
// jobs finish before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})), cron.WithLogger(cronLogger{s.log}))
	if _, err := c.AddFunc(s.cfg.DeadlineCheck, func() { s.RunDeadlineChecks(ctx) }); err != nil {
		return fmt.Errorf("scheduler.deadline_check: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.DailySweep, func() {
		s.RunReleaseChecks(ctx, false)
		s.RunFinalization(ctx, false)
	}); err != nil {
		return fmt.Errorf("scheduler.daily_sweep: %w", err)
	}
	s.log.Info("scheduler started", "deadline_check", s.cfg.DeadlineCheck, "daily_sweep", s.cfg.DailySweep)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

// Run executes the named trigger once. force skips the local-time gate of
// the daily checks.
func (s *Scheduler) Run(ctx context.Context, trigger string, force bool) ([]Report, error) {
	switch trigger {
	case TriggerDeadlines:
		return []Report{s.RunDeadlineChecks(ctx)}, nil
	case TriggerReleases:
		return []Report{s.RunReleaseChecks(ctx, force)}, nil
	case TriggerFinalize:
		return []Report{s.RunFinalization(ctx, force)}, nil
	case TriggerAll, "":
		return []Report{
			s.RunDeadlineChecks(ctx),
			s.RunReleaseChecks(ctx, force),
			s.RunFinalization(ctx, force),
		}, nil
	}
	return nil, domain.ValidationError{Field: "trigger", Reason: fmt.Sprintf("unknown trigger %q", trigger)}
}

// RunDeadlineChecks checks every active contract's deadlines.
func (s *Scheduler) RunDeadlineChecks(ctx context.Context) Report {
	return s.pass(ctx, TriggerDeadlines, func(ctx context.Context, c domain.Contract) (bool, bool, error) {
		res, err := s.eng.CheckDeadlines(ctx, c.ID)
		return res.Acted(), res.Skipped, err
	})
}

// RunReleaseChecks evaluates cadence for contracts whose local clock has
// passed the release check time since their last check.
func (s *Scheduler) RunReleaseChecks(ctx context.Context, force bool) Report {
	return s.pass(ctx, TriggerReleases, func(ctx context.Context, c domain.Contract) (bool, bool, error) {
		if !force && !s.Due(c, s.releaseAt, c.ReleaseCheckedAt) {
			return false, true, nil
		}
		res, err := s.eng.CheckMonthlyReleaseDeadline(ctx, c.ID)
		return res.Evaluated > 0 || res.Broken, res.Skipped, err
	})
}

// RunFinalization attempts completion for contracts past the finalize time.
func (s *Scheduler) RunFinalization(ctx context.Context, force bool) Report {
	return s.pass(ctx, TriggerFinalize, func(ctx context.Context, c domain.Contract) (bool, bool, error) {
		if !force && !s.Due(c, s.finalizeAt, c.FinalizeCheckedAt) {
			return false, true, nil
		}
		res, err := s.eng.FinalizeContract(ctx, c.ID)
		return res.Finalized, res.Skipped, err
	})
}

// Due reports whether the contract's local wall clock has reached at today
// and last predates that mark.
func (s *Scheduler) Due(c domain.Contract, at config.ClockTime, last *time.Time) bool {
	local := s.now().In(c.Location())
	mark := at.On(local)
	if local.Before(mark) {
		return false
	}
	return last == nil || last.Before(mark)
}

type checkFunc func(ctx context.Context, c domain.Contract) (acted, skipped bool, err error)

func (s *Scheduler) pass(ctx context.Context, trigger string, fn checkFunc) Report {
	rep := Report{Trigger: trigger}
	contracts, err := s.eng.ListContracts(ctx, "", domain.ContractActive)
	if err != nil {
		s.log.Warn("list active contracts failed", "trigger", trigger, "error", err)
		rep.Failed++
		rep.Errors = append(rep.Errors, err.Error())
		return rep
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, c := range contracts {
		c := c
		g.Go(func() error {
			cctx := ctx
			if s.cfg.CheckTimeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, s.cfg.CheckTimeout)
				defer cancel()
			}
			acted, skipped, err := fn(cctx, c)
			mu.Lock()
			defer mu.Unlock()
			rep.Processed++
			switch {
			case err != nil:
				rep.Failed++
				rep.Errors = append(rep.Errors, fmt.Sprintf("contract %s: %v", c.ID, err))
				s.log.Warn("contract check failed", "trigger", trigger, "contract_id", c.ID, "error", err)
			case skipped:
				rep.Skipped++
			case acted:
				rep.Acted++
			}
			return nil
		})
	}
	_ = g.Wait()
	if rep.Acted > 0 || rep.Failed > 0 {
		s.log.Info("scheduler pass", "trigger", trigger, "processed", rep.Processed, "acted", rep.Acted, "skipped", rep.Skipped, "failed", rep.Failed)
	}
	return rep
}

// cronLogger adapts the logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Warn(msg, append(keysAndValues, "error", err)...)
}
