package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/logging"
	"github.com/austindbirch/harbor_oracle/internal/metrics"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

// Scheduler runs periodic jobs, each on its own ticker
type Scheduler struct {
	wg   sync.WaitGroup
	jobs []job
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Every registers fn to run once per interval
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: fn})
}

// Process registers a batch loop of p for the given peer role
func (s *Scheduler) Process(p *Processor, role events.Role, interval time.Duration) {
	name := string(p.queue.Direction()) + ":" + string(role)
	s.Every(name, interval, func(ctx context.Context) error {
		_, err := p.ProcessBatch(ctx, role)
		return err
	})
}

// Start launches every job; they stop when ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go func(j job) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(j)
	}
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	logging.Plain().WithFields(map[string]any{"job": j.name, "interval": j.interval.String()}).Info("scheduler job started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.run(ctx); err != nil && ctx.Err() == nil {
				logging.Plain().WithField("job", j.name).WithError(err).Error("scheduled run failed")
			}
		}
	}
}

// Wait blocks until every job has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Backlog reports pending and failed row counts per direction
func Backlog(st store.Store) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return store.RunInTx(ctx, st, func(ctx context.Context, uow store.UnitOfWork) error {
			counts, err := uow.Webhooks().CountByStatus(ctx)
			if err != nil {
				return err
			}
			seen := map[[2]string]bool{}
			for _, c := range counts {
				seen[[2]string{string(c.Direction), string(c.Status)}] = true
				metrics.UpdateBacklog(string(c.Direction), string(c.Status), float64(c.Count))
			}
			// absent combinations are zero, not stale
			for _, d := range []webhook.Direction{webhook.Incoming, webhook.Outgoing} {
				for _, status := range []webhook.Status{webhook.StatusPending, webhook.StatusFailed} {
					if !seen[[2]string{string(d), string(status)}] {
						metrics.UpdateBacklog(string(d), string(status), 0)
					}
				}
			}
			return nil
		})
	}
}
