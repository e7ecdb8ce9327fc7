package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
)

// Source is the queue a Processor pulls leased job ids from.
type Source interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RestoreLease(ctx context.Context, jobID string) error
	Depth(ctx context.Context) (ready, scheduled, inflight int64, err error)
}

// ProcessorConfig tunes the poll loop.
type ProcessorConfig struct {
	Queue        Source
	Store        store.JobStore
	Worker       *Worker
	Logger       *slog.Logger
	PollInterval time.Duration
	BatchSize    int64
	Concurrency  int
	// Visibility is the lease length; running jobs extend it every half period.
	Visibility time.Duration
}

// Processor drives the worker execution loop.
type Processor struct {
	queue        Source
	store        store.JobStore
	worker       *Worker
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
	concurrency  int
	visibility   time.Duration
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	p := &Processor{
		queue:        cfg.Queue,
		store:        cfg.Store,
		worker:       cfg.Worker,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		concurrency:  cfg.Concurrency,
		visibility:   cfg.Visibility,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.batchSize <= 0 {
		p.batchSize = 100
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	return p
}

// Run starts the main worker loop until context cancellation. Jobs already
// executing are allowed to finish before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(p.concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.maintain(ctx)

		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			sem.Release(1)
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("dequeue failed", slog.String("error", err.Error()))
			}
			p.sleep(ctx)
			continue
		}

		telemetry.InFlightGauge.Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			defer telemetry.InFlightGauge.Dec()
			p.handle(context.WithoutCancel(ctx), jobID)
		}()
	}
}

// maintain promotes due deferred jobs and reclaims expired leases.
func (p *Processor) maintain(ctx context.Context) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, p.batchSize); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled failed", slog.String("error", err.Error()))
	}
	reclaimed, err := p.queue.RequeueExpired(ctx, now, p.batchSize)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("reclaim leases failed", slog.String("error", err.Error()))
	}
	for _, id := range reclaimed {
		if err := p.store.RequeueStale(ctx, id); err != nil {
			p.logger.Warn("requeue stale job failed", slog.String("job_id", id), slog.String("error", err.Error()))
			continue
		}
		p.logger.Info("lease expired, job requeued", slog.String("job_id", id))
	}
	if ready, _, _, err := p.queue.Depth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(ready))
	}
}

// handle executes one leased job. The worker acks the lease when it settles
// the job; otherwise the lease expires and the job is reclaimed.
func (p *Processor) handle(ctx context.Context, jobID string) {
	d := &delivery{queue: p.queue, jobID: jobID, stop: p.heartbeat(ctx, jobID)}
	err := p.worker.Execute(ctx, jobID, d)
	d.stopHeartbeat()
	if err != nil {
		p.logger.Error("execute job failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

// delivery is the lease held by one handle call.
type delivery struct {
	queue Source
	jobID string
	stop  func()
	once  sync.Once
}

func (d *delivery) stopHeartbeat() { d.once.Do(d.stop) }

// Settle stops the heartbeat before acking so a later attempt's lease is never
// extended by this one.
func (d *delivery) Settle(ctx context.Context) error {
	d.stopHeartbeat()
	return d.queue.Ack(ctx, d.jobID)
}

func (d *delivery) Restore(ctx context.Context) error {
	return d.queue.RestoreLease(ctx, d.jobID)
}

func (p *Processor) heartbeat(ctx context.Context, jobID string) func() {
	if p.visibility <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, jobID, p.visibility); err != nil && ctx.Err() == nil {
					p.logger.Warn("extend lease failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
