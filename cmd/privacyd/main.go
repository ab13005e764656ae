package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/developingchet/privacy-record/internal/config"
	"github.com/developingchet/privacy-record/internal/daemon"
	"github.com/developingchet/privacy-record/internal/ledger"
	"github.com/developingchet/privacy-record/internal/logger"
	"github.com/developingchet/privacy-record/internal/permission"
	"github.com/developingchet/privacy-record/internal/repository"
	"github.com/developingchet/privacy-record/internal/storage"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "privacyd",
		Short: "Permission usage record cache and persistence daemon",
	}
	root.AddCommand(
		runCmd(),
		queryCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the privacy record daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("backend", cfg.StoreBackend).Msg("privacyd starting")

	store, err := storage.Open(cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	daemon.BinaryVersion = Version
	d, err := daemon.New(cfg, store, quartz.NewReal(), log)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("build daemon: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return d.Run(ctx)
}

type queryFlags struct {
	appID       uint32
	permissions []string
	begin       int64
	end         int64
}

// queryRow is the printed form of a stored record.
type queryRow struct {
	AppID          uint32 `json:"appId"`
	PermissionName string `json:"permissionName"`
	Status         string `json:"status"`
	Timestamp      int64  `json:"timestamp"`
	AccessDuration int64  `json:"accessDuration"`
	AccessCount    int32  `json:"accessCount"`
	RejectCount    int32  `json:"rejectCount"`
}

// queryCmd reads the durable store directly and prints matching records.
// The daemon holds the bbolt file lock, so this is meant for stopped
// instances or the sqlite backend.
func queryCmd() *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Print stored permission records as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := storage.Open(cfg.StoreBackend, cfg.DataDir)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			defer store.Close()

			return runQuery(cmd.OutOrStdout(), store, f, buildLogger(cfg))
		},
	}
	cmd.Flags().Uint32Var(&f.appID, "app-id", 0, "restrict to one app id")
	cmd.Flags().StringSliceVar(&f.permissions, "permission", nil, "permission names to include (repeatable)")
	cmd.Flags().Int64Var(&f.begin, "begin", 0, "earliest timestamp in epoch ms")
	cmd.Flags().Int64Var(&f.end, "end", 0, "latest timestamp in epoch ms")
	return cmd
}

func runQuery(w io.Writer, store storage.Store, f queryFlags, log zerolog.Logger) error {
	q := ledger.Query{Begin: f.begin, End: f.end}
	for _, name := range f.permissions {
		op, ok := permission.OpCode(name)
		if !ok {
			return fmt.Errorf("unknown permission %q", name)
		}
		q.OpCodes = append(q.OpCodes, op)
	}

	l := ledger.New(ledger.DefaultConfig(), repository.New(store, log), quartz.NewReal(), log)
	appIDs := []uint32{f.appID}
	if f.appID == 0 {
		ids, ok := l.AppIDs()
		if !ok {
			return fmt.Errorf("list app ids failed")
		}
		appIDs = ids
	}

	var recs []permission.Record
	for _, id := range appIDs {
		q.AppID = id
		got, ok := l.Query(q)
		if !ok {
			return fmt.Errorf("query app %d failed", id)
		}
		recs = append(recs, got...)
	}

	out := make([]queryRow, 0, len(recs))
	for _, r := range recs {
		name, _ := permission.Name(r.OpCode)
		out = append(out, queryRow{
			AppID:          r.AppID,
			PermissionName: name,
			Status:         r.Status.String(),
			Timestamp:      r.Timestamp,
			AccessDuration: r.AccessDuration,
			AccessCount:    r.AccessCount,
			RejectCount:    r.RejectCount,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("privacyd %s\n", Version)
		},
	}
}

// buildLogger constructs the process logger from config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	return logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}
