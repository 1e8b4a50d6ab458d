// Package scheduler runs periodic maintenance jobs on robfig/cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"adfunds.io/internal/obs"
)

// Job is one periodic task. Run receives a context cancelled on Stop.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler wraps a cron runner. Panicking jobs are recovered and overlapping
// runs of the same job are skipped.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New() *Scheduler {
	logger := slogAdapter{obs.Logger()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers job. Spec accepts the standard five fields and descriptors
// such as "@every 1m".
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %q has no Run", job.Name)
	}
	_, err := s.cron.AddFunc(job.Spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", job.Name, err)
	}
	return nil
}

func (s *Scheduler) run(job Job) {
	ctx := s.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		obs.Logger().Error("scheduled job failed", "job", job.Name, "error", err)
		return
	}
	obs.Logger().Debug("scheduled job done", "job", job.Name, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) Start() {
	obs.Logger().Info("scheduler started", "jobs", len(s.cron.Entries()))
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		obs.Logger().Warn("scheduler stop timed out")
	}
}

func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Info(msg string, kv ...any) { a.l.Debug(msg, kv...) }

func (a slogAdapter) Error(err error, msg string, kv ...any) {
	a.l.Error(msg, append(kv, "error", err)...)
}
