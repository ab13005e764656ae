// Package notifier keeps the registry of active-status subscribers and fans
// change notifications out to them on a dispatch pool.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/developingchet/privacy-record/internal/metrics"
	"github.com/developingchet/privacy-record/internal/permission"
	"github.com/developingchet/privacy-record/internal/pool"
)

// Subscriber receives active-status changes. Done is closed when the
// subscriber is no longer reachable; the notifier then drops it.
type Subscriber interface {
	ID() string
	OnActiveStatusChange(ctx context.Context, c permission.ActiveChange) error
	Done() <-chan struct{}
}

// Config holds registry limits and dispatch settings.
type Config struct {
	MaxRegistrants int
	MaxPermissions int
	Timeout        time.Duration
	Workers        int
	QueueDepth     int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxRegistrants: 200,
		MaxPermissions: 1024,
		Timeout:        5 * time.Second,
		Workers:        2,
		QueueDepth:     1024,
	}
}

type registration struct {
	sub  Subscriber
	ops  map[int32]struct{} // empty matches every permission
	stop chan struct{}
}

func (r *registration) wants(op int32) bool {
	if len(r.ops) == 0 {
		return true
	}
	_, ok := r.ops[op]
	return ok
}

// Notifier is the active-status subscriber registry.
type Notifier struct {
	cfg  Config
	log  zerolog.Logger
	pool *pool.Pool

	mu   sync.Mutex
	subs map[string]*registration
}

// New builds a Notifier. Call Start before ExecuteCallbackAsync.
func New(cfg Config, log zerolog.Logger) (*Notifier, error) {
	def := DefaultConfig()
	if cfg.MaxRegistrants <= 0 {
		cfg.MaxRegistrants = def.MaxRegistrants
	}
	if cfg.MaxPermissions <= 0 {
		cfg.MaxPermissions = def.MaxPermissions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Workers == 0 {
		cfg.Workers = def.Workers
	}
	n := &Notifier{
		cfg:  cfg,
		log:  log.With().Str("component", "notifier").Logger(),
		subs: make(map[string]*registration),
	}
	p, err := pool.New(pool.Config{Workers: cfg.Workers, QueueDepth: cfg.QueueDepth}, n.dispatch, log)
	if err != nil {
		return nil, err
	}
	n.pool = p
	return n, nil
}

// Start launches the dispatch workers.
func (n *Notifier) Start(ctx context.Context) {
	n.pool.Start(ctx)
}

// Stop drains queued dispatches and releases every liveness watcher.
func (n *Notifier) Stop() {
	n.pool.Stop()
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, reg := range n.subs {
		close(reg.stop)
		delete(n.subs, id)
	}
	metrics.CallbackRegistrants.Set(0)
}

// Register adds sub with a permission-name filter. An empty filter
// subscribes to every permission.
func (n *Notifier) Register(names []string, sub Subscriber) error {
	if sub == nil || sub.ID() == "" {
		return permission.ErrParamInvalid
	}
	if len(names) > n.cfg.MaxPermissions {
		return permission.ErrParamInvalid
	}
	ops := make(map[int32]struct{}, len(names))
	for _, name := range names {
		op, ok := permission.OpCode(name)
		if !ok {
			return permission.ErrParamInvalid
		}
		ops[op] = struct{}{}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.subs[sub.ID()]; exists {
		return permission.ErrCallbackAlreadyExist
	}
	if len(n.subs) >= n.cfg.MaxRegistrants {
		return permission.ErrCallbacksExceedLimitation
	}
	reg := &registration{sub: sub, ops: ops, stop: make(chan struct{})}
	n.subs[sub.ID()] = reg
	metrics.CallbackRegistrants.Set(float64(len(n.subs)))
	go n.watch(reg)

	n.log.Debug().Str("subscriber", sub.ID()).Int("permissions", len(ops)).Msg("subscriber registered")
	return nil
}

// Unregister removes the subscriber with the given id.
func (n *Notifier) Unregister(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	reg, ok := n.subs[id]
	if !ok {
		return permission.ErrCallbackNotExist
	}
	close(reg.stop)
	delete(n.subs, id)
	metrics.CallbackRegistrants.Set(float64(len(n.subs)))
	return nil
}

// watch drops reg once its subscriber reports itself gone.
func (n *Notifier) watch(reg *registration) {
	select {
	case <-reg.sub.Done():
	case <-reg.stop:
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.subs[reg.sub.ID()]; ok && cur == reg {
		close(reg.stop)
		delete(n.subs, reg.sub.ID())
		metrics.CallbackRegistrants.Set(float64(len(n.subs)))
		n.log.Info().Str("subscriber", reg.sub.ID()).Msg("subscriber gone, unregistered")
	}
}

// Len returns the number of registered subscribers.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Depth returns the number of queued dispatches.
func (n *Notifier) Depth() int {
	return n.pool.Depth()
}

// ExecuteCallbackAsync queues c for delivery and returns immediately.
func (n *Notifier) ExecuteCallbackAsync(c permission.ActiveChange) bool {
	return n.pool.Enqueue(pool.Job{Change: c})
}

// dispatch delivers one change to every matching subscriber. It returns
// once all deliveries finish or the timeout passes; deliveries still
// running past the timeout are abandoned.
func (n *Notifier) dispatch(ctx context.Context, job pool.Job) error {
	op, ok := permission.OpCode(job.Change.PermissionName)
	if !ok {
		return fmt.Errorf("unknown permission %q", job.Change.PermissionName)
	}

	n.mu.Lock()
	var targets []Subscriber
	for _, reg := range n.subs {
		if reg.wants(op) {
			targets = append(targets, reg.sub)
		}
	}
	n.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()

	var g errgroup.Group
	for _, sub := range targets {
		g.Go(func() error {
			if err := sub.OnActiveStatusChange(tctx, job.Change); err != nil {
				metrics.CallbacksDispatched.WithLabelValues("error").Inc()
				return fmt.Errorf("subscriber %s: %w", sub.ID(), err)
			}
			metrics.CallbacksDispatched.WithLabelValues("ok").Inc()
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		metrics.CallbacksDispatched.WithLabelValues("timeout").Inc()
		return fmt.Errorf("dispatch to %d subscribers timed out after %s", len(targets), n.cfg.Timeout)
	}
}
