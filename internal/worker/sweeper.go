package worker

import (
	"context"
	"time"

	"github.com/make-ware/video-ware-sub003/internal/flow"
	"github.com/make-ware/video-ware-sub003/internal/observability"
	"github.com/make-ware/video-ware-sub003/internal/platform/envutil"
	"github.com/make-ware/video-ware-sub003/internal/platform/logger"
	"github.com/make-ware/video-ware-sub003/internal/queue"
)

// Sweeper requeues active jobs whose worker stopped heartbeating. With
// at-least-once delivery this is the recovery path for a worker that died
// mid-step: the job goes back through the retry policy.
type Sweeper struct {
	log *logger.Logger
	q   *queue.FlowQueue

	threshold time.Duration
	interval  time.Duration
}

func NewSweeper(log *logger.Logger, q *queue.FlowQueue) *Sweeper {
	threshold := envutil.MillisDur("STALL_THRESHOLD_MS", 5*time.Minute)
	return &Sweeper{
		log:       log.With("service", "StallSweeper"),
		q:         q,
		threshold: threshold,
		interval:  envutil.MillisDur("SWEEP_INTERVAL_MS", 30*time.Second),
	}
}

// Run sweeps every queue on a fixed cadence until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all queues and returns the total requeued.
func (s *Sweeper) Sweep(ctx context.Context) int {
	total := 0
	for _, queueName := range flow.QueueNames() {
		n, err := s.q.RequeueStalled(ctx, queueName, s.threshold)
		if err != nil {
			s.log.Warn("stall sweep failed", "queue", queueName, "error", err)
			continue
		}
		if n > 0 {
			s.log.Warn("requeued stalled jobs", "queue", queueName, "count", n)
			observability.Current().AddStalledRequeued(queueName, n)
			total += n
		}
	}
	return total
}
