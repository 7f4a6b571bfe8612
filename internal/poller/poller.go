// Package poller drives C8's reconciliation loop on a timer: sweep every
// open trade and call the facade's SyncTrade, which serialises each call
// through the same protected-mutation gate a human operator would use.
// Grounded on the teacher's trader-go/internal/scheduler (Job interface,
// robfig/cron/v3-backed Scheduler), generalized to carry a context.Context
// into Run since every facade call here is a blocking database operation,
// not the teacher's fire-and-forget device poll.
package poller

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/matiasvillaverde/trust/internal/facade"
	"github.com/matiasvillaverde/trust/internal/reconciler"
)

// Job is one schedulable unit of background work.
type Job interface {
	Run(ctx context.Context) error
	Name() string
}

// Scheduler manages background jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// New builds a Scheduler. Seconds-resolution schedules are supported,
// matching the teacher's cron.WithSeconds() configuration.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "poller").Logger(),
	}
}

// Start begins running registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("poller started")
}

// Stop waits for any in-flight job to finish, then stops the scheduler.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info().Msg("poller stopped")
}

// AddJob registers job on schedule (standard 6-field cron with seconds,
// or a descriptor like "@every 30s").
func (s *Scheduler) AddJob(schedule string, job Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx := context.Background()
		s.log.Debug().Str("job", job.Name()).Msg("running job")
		if err := job.Run(ctx); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
			return
		}
		s.log.Debug().Str("job", job.Name()).Msg("job completed")
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}

// RunNow executes job immediately, outside its schedule, and returns the
// job's error. cmd/trustd does not call it at startup.
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("running job immediately")
	return job.Run(ctx)
}

// SyncJob sweeps every open trade across every account and calls
// SyncTrade on each, minting a fresh MutationToken per trade per sweep
// (spec §5: "invoking sync_trade through the same facade, which
// serialises the reconciliation step"). One trade's failure does not
// abort the sweep; it is logged and the poller moves to the next trade.
type SyncJob struct {
	Facade *facade.Facade
	Log    zerolog.Logger

	// Sink receives every reconciliation outcome for the watch view, if
	// set. Defined as a consumer-side interface rather than importing
	// internal/watch directly, so the poller stays usable with no watch
	// server wired at all.
	Sink OutcomeSink
}

// OutcomeSink receives one reconciliation outcome at a time, used to push
// the watch view's websocket frames without the poller depending on the
// watch package.
type OutcomeSink interface {
	Publish(ctx context.Context, outcome *reconciler.Outcome)
}

// Name identifies this job in poller logs.
func (j *SyncJob) Name() string { return "sync_trade" }

// Run sweeps all open trades, sequentially: the book of record has one
// logical serial queue, so concurrent syncs would only contend with each
// other for the same SQLite writer lock without any throughput gain.
func (j *SyncJob) Run(ctx context.Context) error {
	open, err := j.Facade.CalculateOpenPositions(ctx, nil)
	if err != nil {
		return err
	}
	for _, t := range open {
		tok := facade.NewMutationToken()
		outcome, err := j.Facade.SyncTrade(ctx, tok, t.ID)
		if err != nil {
			j.Log.Error().Err(err).Str("trade_id", t.ID).Msg("sync_trade poll failed")
			continue
		}
		if j.Sink != nil {
			j.Sink.Publish(ctx, outcome)
		}
	}
	return nil
}
