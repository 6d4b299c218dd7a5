package taskrun

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// staleStreamTTL is how long a queue may sit with no push before the
// sweeper purges it and releases its sandbox.
const staleStreamTTL = time.Hour

// fallbackSweepInterval is used if SweepSchedule can't be parsed as a cron
// expression — matches config.SweepInterval's 10-minute default without
// this package depending on config directly.
const fallbackSweepInterval = 10 * time.Minute

// startSweeper runs the stale-stream sweep on cfg.SweepSchedule (a cron
// expression, giving operators a schedule override instead of a fixed
// interval). An unparsable schedule falls back to a plain ticker rather
// than failing startup over a cosmetic setting.
func (r *Runtime) startSweeper(ctx context.Context) func() {
	sweep := func() { r.sweepStale() }

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(r.cfg.SweepSchedule)
	if err != nil {
		r.logger.Warn("sweep schedule invalid, falling back to fixed interval", "schedule", r.cfg.SweepSchedule, "error", err, "interval", fallbackSweepInterval)
		stop := make(chan struct{})
		go func() {
			ticker := time.NewTicker(fallbackSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-stop:
					return
				case <-ticker.C:
					sweep()
				}
			}
		}()
		return func() { close(stop) }
	}

	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(sweep))
	c.Start()
	return func() { <-c.Stop().Done() }
}

func (r *Runtime) sweepStale() {
	r.mu.Lock()
	stale := make([]string, 0)
	for taskID, q := range r.queues {
		if q.idleFor() > staleStreamTTL {
			stale = append(stale, taskID)
		}
	}
	for _, taskID := range stale {
		delete(r.queues, taskID)
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	r.logger.Info("sweeping stale task streams", "count", len(stale))
	if r.metrics != nil {
		r.metrics.RecordStaleStreamsSwept(len(stale))
	}
	for _, taskID := range stale {
		if r.metrics != nil {
			r.metrics.DeleteEventQueueDepth(taskID)
		}
		r.registry.Unregister(context.Background(), taskID)
	}
}
