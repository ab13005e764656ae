// Package pool runs active-status dispatch jobs on a fixed set of workers.
// Each worker owns a bounded channel and jobs are sharded by app id, so
// changes for one app are handled in the order they were enqueued.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/metrics"
	"github.com/developingchet/privacy-record/internal/permission"
)

// Job is one active-status change to deliver.
type Job struct {
	Change permission.ActiveChange
}

// JobHandler processes a single Job.
type JobHandler func(ctx context.Context, job Job) error

// Config holds worker pool configuration.
type Config struct {
	Workers    int
	QueueDepth int
}

// Pool is a fixed-size worker pool over per-worker bounded job channels.
type Pool struct {
	cfg     Config
	queues  []chan Job
	handler JobHandler
	log     zerolog.Logger
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// New creates a Pool with the given config and handler.
func New(cfg Config, handler JobHandler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("DISPATCH_WORKERS must be 1–64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 1024
	}
	// QueueDepth is the total across shards.
	shard := (cfg.QueueDepth + cfg.Workers - 1) / cfg.Workers
	queues := make([]chan Job, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan Job, shard)
	}
	return &Pool{
		cfg:     cfg,
		queues:  queues,
		handler: handler,
		log:     log.With().Str("component", "pool").Logger(),
	}, nil
}

// Start launches the worker goroutines. ctx controls worker lifetime.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send to the shard owning the job's app.
// Returns false if that shard is full or the pool is stopped.
func (p *Pool) Enqueue(job Job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		metrics.JobsDropped.WithLabelValues("stopped").Inc()
		return false
	}
	select {
	case p.shard(job) <- job:
		metrics.JobsEnqueued.Inc()
		return true
	default:
		metrics.JobsDropped.WithLabelValues("buffer_full").Inc()
		p.log.Warn().Uint32("app_id", job.Change.AppID).
			Str("permission", job.Change.PermissionName).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes every shard and waits for all workers to drain.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Depth returns the current number of pending jobs across all shards.
func (p *Pool) Depth() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *Pool) shard(job Job) chan Job {
	return p.queues[int(job.Change.AppID%uint32(len(p.queues)))]
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()
	jobs := p.queues[id]

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return // channel closed by Stop()
			}
			metrics.WorkerQueueDepth.Set(float64(p.Depth()))
			if err := p.handler(ctx, job); err != nil {
				log.Warn().Err(err).Uint32("app_id", job.Change.AppID).
					Str("permission", job.Change.PermissionName).Msg("dispatch incomplete")
			}
		}
	}
}
