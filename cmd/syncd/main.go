// Command syncd runs the offline sync engine as a local daemon and offers
// operator commands for inspecting and repairing the durable queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/notify"
)

// Version is set at build time.
var Version = "0.1.0"

const shutdownTimeout = 15 * time.Second

// cli carries flags shared by every command.
type cli struct {
	configPath string
	dataDir    string
	logLevel   string
	cfg        *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "syncd",
		Short:        "Offline-first sync daemon",
		Long:         "syncd queues local data mutations durably and replicates them to the remote store when the network allows.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML config file (default $OFFLINESYNC_CONFIG)")
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "directory holding the queue database")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")

	root.AddCommand(
		newServeCmd(c),
		newStatusCmd(c),
		newQueueCmd(c),
		newEnqueueCmd(c),
		newEventsCmd(c),
		newVersionCmd(),
	)
	return root
}

// load resolves configuration and initializes logging.
func (c *cli) load() error {
	cfg, err := config.FromEnv(c.configPath)
	if err != nil {
		return err
	}
	if c.dataDir != "" {
		cfg.DataDir = c.dataDir
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	logging.SetDefault(logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel)))
	c.cfg = cfg
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the syncd version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "syncd %s\n", Version)
		},
	}
}

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon with its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c.cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "control API listen address (default from config)")
	return cmd
}

// serve runs until ctx is cancelled, then shuts down the API and the engine.
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newDaemonApp(ctx, cfg)
	if err != nil {
		return err
	}
	a.start(ctx)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Control API listening", map[string]interface{}{
			"addr":    cfg.Server.Addr,
			"version": Version,
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	logging.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error("Control API shutdown failed", err, nil)
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		logging.Error("Sync engine shutdown failed", err, nil)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func newStatusCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and recent conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newOperatorApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			ctx := cmd.Context()
			stats, err := a.orch.Stats(ctx)
			if err != nil {
				return err
			}
			conflicts, err := a.orch.ConflictLogs(ctx, 5)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]interface{}{
					"stats":     stats,
					"conflicts": conflicts,
				})
			}
			fmt.Fprintf(out, "pending=%d processing=%d completed=%d failed=%d cancelled=%d total=%d\n",
				stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Cancelled, stats.Total)
			if len(conflicts) > 0 {
				fmt.Fprintln(out, "recent conflicts:")
				for _, l := range conflicts {
					fmt.Fprintf(out, "  %s %s/%s %s: %s\n",
						time.UnixMilli(l.DetectedAt).UTC().Format(time.RFC3339), l.Table, l.RecordID, l.Resolution, l.Reason)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newQueueCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the queue",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List entries in a status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := models.ParseQueueStatus(status)
			if err != nil {
				return err
			}
			a, err := newOperatorApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			entries, err := a.orch.Entries(cmd.Context(), st)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOP\tTABLE\tRECORD\tPRIORITY\tRETRIES\tERROR")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					e.ID, e.OperationType, e.Table, e.RecordID, e.Priority, e.RetryCount, e.ErrorMessage)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", string(models.StatusPending), "pending, processing, completed, failed or cancelled")

	retryCmd := &cobra.Command{
		Use:   "retry",
		Short: "Return every failed entry to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newOperatorApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			n, err := a.orch.RetryFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed entries\n", n)
			return nil
		},
	}

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete completed entries past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan > 0 {
				c.cfg.Queue.Retention = olderThan
			}
			a, err := newOperatorApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			n, err := a.orch.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d completed entries\n", n)
			return nil
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 0, "override the retention period")

	var all bool
	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Return stale processing entries to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newOperatorApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			recoverFn := a.orch.Recover
			if all {
				recoverFn = a.orch.RecoverOrphaned
			}
			n, err := recoverFn(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale entries\n", n)
			return nil
		},
	}

	recoverCmd.Flags().BoolVar(&all, "all", false, "recover every processing entry; only safe while the daemon is stopped")

	cmd.AddCommand(list, retryCmd, purge, recoverCmd)
	return cmd
}

func newEnqueueCmd(c *cli) *cobra.Command {
	var (
		op       string
		table    string
		recordID string
		payload  string
		priority string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an operation for the daemon to sync",
		Example: `  syncd enqueue --op update --table sales --record s-1 --payload '{"id":"s-1","paid":true}'
  syncd enqueue --op create --table orders --record o-9 --payload @order.json --priority high`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opType, err := models.ParseOperationType(op)
			if err != nil {
				return err
			}
			prio, err := models.ParsePriority(priority)
			if err != nil {
				return err
			}
			body, err := readPayload(payload)
			if err != nil {
				return err
			}

			a, err := newOperatorApp(c.cfg)
			if err != nil {
				return err
			}
			defer a.shutdown(context.Background())

			entry, err := a.orch.Enqueue(cmd.Context(), opType, table, recordID, body, prio)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), entry.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "create, update or delete")
	cmd.Flags().StringVar(&table, "table", "", "target table")
	cmd.Flags().StringVar(&recordID, "record", "", "record id")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload, or @file")
	cmd.Flags().StringVar(&priority, "priority", "medium", "high, medium or low")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("table")
	_ = cmd.MarkFlagRequired("record")
	return cmd
}

// readPayload returns the inline JSON or the contents of @file. The result
// must be valid JSON when non-empty.
func readPayload(arg string) ([]byte, error) {
	var body []byte
	if strings.HasPrefix(arg, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		body = data
	} else {
		body = []byte(arg)
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return body, nil
}

func newEventsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream sync events published to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Redis.URL == "" {
				return fmt.Errorf("redis.url is not configured")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := notify.NewRedisClient(ctx, c.cfg.Redis.URL)
			if err != nil {
				return err
			}
			defer client.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			return notify.Subscribe(ctx, client, c.cfg.Redis.Channel, func(ev notify.Event) {
				_ = enc.Encode(ev)
			})
		},
	}
}
