package daemon

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/ledger"
	"github.com/developingchet/privacy-record/internal/metrics"
)

// Retention is the durable-store housekeeping surface.
type Retention interface {
	DeleteOlderThan(cutoff int64) (int, bool)
	DeleteExcess(keep int) (int, bool)
	Count() int
	SizeBytes() int64
}

// StatsSource reports ledger occupancy.
type StatsSource interface {
	Stats() ledger.Stats
}

// DepthSource reports a queue depth.
type DepthSource interface {
	Depth() int
}

// JanitorConfig holds retention limits.
type JanitorConfig struct {
	MaxAge   time.Duration
	MaxRows  int
	Interval time.Duration
	// MinGap is the shortest spacing between two triggered runs.
	MinGap time.Duration
}

// Janitor performs periodic housekeeping: pruning aged and excess records,
// updating gauges.
type Janitor struct {
	cfg     JanitorConfig
	repo    Retention
	ledger  StatsSource
	queue   DepthSource
	clock   quartz.Clock
	trigger chan struct{}
	lastRun time.Time
	log     zerolog.Logger
}

// NewJanitor creates a Janitor. ledger and queue may be nil.
func NewJanitor(cfg JanitorConfig, repo Retention, ledger StatsSource, queue DepthSource, clock quartz.Clock, log zerolog.Logger) *Janitor {
	return &Janitor{
		cfg:     cfg,
		repo:    repo,
		ledger:  ledger,
		queue:   queue,
		clock:   clock,
		trigger: make(chan struct{}, 1),
		log:     log.With().Str("component", "janitor").Logger(),
	}
}

// Trigger requests an early run. Requests arriving while one is pending
// collapse into it.
func (j *Janitor) Trigger() {
	select {
	case j.trigger <- struct{}{}:
	default:
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := j.clock.NewTicker(j.cfg.Interval, "janitor")
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		case <-j.trigger:
			if j.clock.Since(j.lastRun) < j.cfg.MinGap {
				j.log.Debug().Msg("janitor: trigger within min gap, skipped")
				continue
			}
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	now := j.clock.Now()
	j.lastRun = now

	cutoff := now.Add(-j.cfg.MaxAge).UnixMilli()
	if n, ok := j.repo.DeleteOlderThan(cutoff); ok && n > 0 {
		metrics.RetentionPruned.WithLabelValues("age").Add(float64(n))
		j.log.Info().Int("count", n).Msg("janitor: pruned aged records")
	}

	if j.cfg.MaxRows > 0 {
		if n, ok := j.repo.DeleteExcess(j.cfg.MaxRows); ok && n > 0 {
			metrics.RetentionPruned.WithLabelValues("excess").Add(float64(n))
			j.log.Info().Int("count", n).Int("keep", j.cfg.MaxRows).Msg("janitor: pruned excess records")
		}
	}

	if rows := j.repo.Count(); rows >= 0 {
		metrics.StoredRows.Set(float64(rows))
	}
	if size := j.repo.SizeBytes(); size >= 0 {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if j.ledger != nil {
		s := j.ledger.Stats()
		metrics.BufferSize.Set(float64(s.Buffered))
		metrics.PendingBatches.Set(float64(s.PendingBatches))
	}
	if j.queue != nil {
		metrics.WorkerQueueDepth.Set(float64(j.queue.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
