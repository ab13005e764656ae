// Package daemon wires the durable store, record ledger, callback
// notifier, usage manager and HTTP surfaces into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/developingchet/privacy-record/internal/api"
	"github.com/developingchet/privacy-record/internal/config"
	"github.com/developingchet/privacy-record/internal/ledger"
	"github.com/developingchet/privacy-record/internal/notifier"
	"github.com/developingchet/privacy-record/internal/permission"
	"github.com/developingchet/privacy-record/internal/platform"
	"github.com/developingchet/privacy-record/internal/repository"
	"github.com/developingchet/privacy-record/internal/storage"
	"github.com/developingchet/privacy-record/internal/usage"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Daemon owns every long-running component.
type Daemon struct {
	cfg      *config.Config
	store    storage.Store
	repo     *repository.Repository
	ledger   *ledger.Ledger
	notifier *notifier.Notifier
	manager  *usage.Manager
	platform *platform.Registry
	janitor  *Janitor
	api      *api.Server
	log      zerolog.Logger
}

// New constructs a fully wired Daemon over an open store. The daemon takes
// ownership of store and closes it when Run returns.
func New(cfg *config.Config, store storage.Store, clock quartz.Clock, log zerolog.Logger) (*Daemon, error) {
	repo := repository.New(store, log)

	l := ledger.New(ledger.Config{
		MergeTolerance:  cfg.LedgerMergeTolerance,
		FlushAge:        cfg.LedgerFlushAge,
		PersistInterval: cfg.LedgerPersistInterval,
		MaxBufferSize:   cfg.LedgerMaxBufferSize,
		TickInterval:    cfg.LedgerTickInterval,
	}, repo, clock, log)

	n, err := notifier.New(notifier.Config{
		MaxRegistrants: cfg.CallbackMaxRegistrants,
		MaxPermissions: cfg.CallbackMaxPermissions,
		Timeout:        cfg.CallbackTimeout,
		Workers:        cfg.DispatchWorkers,
		QueueDepth:     cfg.DispatchQueueDepth,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create notifier: %w: %w", permission.ErrMallocFailed, err)
	}

	j := NewJanitor(JanitorConfig{
		MaxAge:   cfg.RecordMaxAge,
		MaxRows:  cfg.RecordMaxRows,
		Interval: cfg.JanitorInterval,
		MinGap:   cfg.JanitorMinGap,
	}, repo, l, n, clock, log)

	plat := platform.NewRegistry(log)
	m := usage.New(usage.Config{DetailLimit: cfg.RecordDetailLimit}, l, n, plat, j, clock, log)
	plat.SetListener(m)

	srv := api.New(api.Config{
		Token:          cfg.APIToken,
		WebhookTimeout: cfg.CallbackTimeout,
		LocalDeviceID:  cfg.LocalDeviceID,
	}, m, plat, log)

	return &Daemon{
		cfg:      cfg,
		store:    store,
		repo:     repo,
		ledger:   l,
		notifier: n,
		manager:  m,
		platform: plat,
		janitor:  j,
		api:      srv,
		log:      log,
	}, nil
}

// Manager returns the usage manager.
func (d *Daemon) Manager() *usage.Manager { return d.manager }

// Platform returns the platform registry.
func (d *Daemon) Platform() *platform.Registry { return d.platform }

// Run starts all goroutines and blocks until ctx is cancelled or a fatal
// error occurs. Buffered records are flushed before the store is closed.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		if err := d.store.Close(); err != nil {
			d.log.Warn().Err(err).Msg("close store")
		}
	}()

	d.log.Info().Str("version", BinaryVersion).Msg("daemon running")
	g, gctx := errgroup.WithContext(ctx)

	d.notifier.Start(gctx)

	g.Go(func() error {
		return d.ledger.Run(gctx)
	})
	g.Go(func() error {
		return d.janitor.Run(gctx)
	})

	if d.cfg.APIAddr != "" {
		g.Go(func() error {
			return serve(gctx, "api", d.cfg.APIAddr, d.api.Routes(), d.log)
		})
	}

	if d.cfg.MetricsEnabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			return serve(gctx, "metrics", d.cfg.MetricsAddr, mux, d.log)
		})
	}

	g.Go(func() error {
		return serve(gctx, "health", d.cfg.HealthAddr, d.healthRoutes(), d.log)
	})

	err := g.Wait()
	d.drain()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// drain persists records added after the ledger's own final flush, such as
// those from API requests still in flight during shutdown, then stops
// callback dispatch.
func (d *Daemon) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.ledger.Flush(ctx); err != nil {
		d.log.Warn().Err(err).Msg("shutdown flush incomplete")
	}
	d.notifier.Stop()
}

func (d *Daemon) healthRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.repo.Count() < 0 {
			http.Error(w, "not ready: store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serve runs an HTTP server on addr until ctx is cancelled.
func serve(ctx context.Context, name, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msgf("%s server started", name)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
