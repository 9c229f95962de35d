// ============================================================================
// Tonebridge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra command tree for the orchestrator process and its gRPC client
//
// Commands:
//   run     - start the orchestrator (REST + gRPC + metrics)
//   submit  - submit a job, optionally following its progress
//   get     - show one job
//   list    - page through jobs
//   stats   - per-status counts
//   retry   - re-run a FAILED job
//   cancel  - cancel a job
//   watch   - poll a job until it reaches a terminal status
//   status  - configuration summary and live counts
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	pb "github.com/ChuLiYu/tonebridge/api/proto/v1"
	"github.com/ChuLiYu/tonebridge/internal/bootstrap"
	"github.com/ChuLiYu/tonebridge/internal/client"
	"github.com/ChuLiYu/tonebridge/internal/config"
	"github.com/ChuLiYu/tonebridge/internal/logger"
	"github.com/ChuLiYu/tonebridge/internal/poller"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

const defaultConfigFile = "configs/default.yaml"

var (
	configFile string
	envFile    string
	serverAddr string
	timeout    time.Duration
)

// BuildCLI constructs the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tonebridge",
		Short: "Audio job orchestration engine",
		Long: `Tonebridge runs audio tone-matching jobs through a three stage pipeline
(analyze, invert, render), tracking every job in a durable store and
exposing it over REST and gRPC.`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "Config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Optional .env file (default: nearest .env upwards)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "gRPC address of a running server (default: server.grpc_addr)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Timeout for a single client request")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildGetCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildStatsCommand())
	rootCmd.AddCommand(buildRetryCommand())
	rootCmd.AddCommand(buildCancelCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator",
		Long:  "Start the orchestrator with REST, gRPC and metrics endpoints. Stops gracefully on SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			level, err := logger.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger.New(logger.Config{Level: level, Format: cfg.Log.Format})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	return app.Run(ctx)
}

// ============================================================================
// client commands
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var (
		req    pb.SubmitRequest
		params []string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		Long: `Submit a job referencing two uploaded blobs.

Params are key=value pairs forwarded to the invert stage; numeric and boolean
values are sent as such, everything else as strings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			req.Params = p
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				job, err := c.Submit(ctx, req)
				if err != nil {
					return err
				}
				if !follow {
					return printJSON(cmd.OutOrStdout(), job)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s\n", job.ID)
				return watch(cmd, c, job.ID)
			})
		},
	}
	cmd.Flags().StringVar(&req.Mode, "mode", "PAIRED", "Processing mode (PAIRED, STYLE, or legacy A/B)")
	cmd.Flags().StringVar(&req.RefKey, "ref", "", "Blob key of the reference audio")
	cmd.Flags().StringVar(&req.TgtKey, "tgt", "", "Blob key of the target audio")
	cmd.Flags().StringVar(&req.UserID, "user", "", "Owner user id")
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "Invert option as key=value (repeatable)")
	cmd.Flags().BoolVarP(&follow, "watch", "w", false, "Follow progress until the job finishes")
	cmd.MarkFlagRequired("ref")
	cmd.MarkFlagRequired("tgt")
	return cmd
}

func buildGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				job, err := c.Get(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func buildRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry a FAILED job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				job, err := c.Retry(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func buildCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				job, err := c.Cancel(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func buildListCommand() *cobra.Command {
	var (
		opts  client.ListOptions
		times timeFlags
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Long:  "List jobs one page at a time. Use --cursor with the printed next_cursor, or --all to follow every page.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := times.apply(&opts.CreatedAfter, &opts.CreatedBefore, &opts.UpdatedAfter, &opts.UpdatedBefore); err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if !all {
					page, err := c.List(ctx, opts)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), page)
				}
				var items []*types.Job
				for {
					page, err := c.List(ctx, opts)
					if err != nil {
						return err
					}
					items = append(items, page.Items...)
					if page.NextCursor == "" {
						break
					}
					opts.Cursor = page.NextCursor
				}
				return printJSON(cmd.OutOrStdout(), pb.ListResponse{Items: items})
			})
		},
	}
	cmd.Flags().StringVar(&opts.UserID, "user", "", "Filter by user id")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&opts.SortBy, "sort-by", "created_at", "created_at or updated_at")
	cmd.Flags().StringVar(&opts.Order, "order", "desc", "asc or desc")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Page size")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "Cursor from a previous page")
	cmd.Flags().BoolVar(&all, "all", false, "Follow next_cursor until the last page")
	times.register(cmd, true)
	return cmd
}

func buildStatsCommand() *cobra.Command {
	var (
		user  string
		times timeFlags
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var after, before *time.Time
			if err := times.apply(&after, &before, nil, nil); err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				counts, err := c.Stats(ctx, user, after, before)
				if err != nil {
					return err
				}
				printCounts(cmd.OutOrStdout(), counts)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "Only count jobs of this user")
	times.register(cmd, false)
	return cmd
}

func buildWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job until it finishes",
		Long:  "Poll a job, faster as it nears completion. Interrupting the watch cancels the job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			return watch(cmd, c, types.JobID(args[0]))
		},
	}
}

// watch 以 poller 追蹤任務；Ctrl-C 觸發背景 cancel
func watch(cmd *cobra.Command, c *client.Client, id types.JobID) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	p := poller.New(c, poller.Options{
		Coarse:        cfg.Poller.Coarse,
		Fine:          cfg.Poller.Fine,
		MaxRetries:    cfg.Poller.MaxRetries,
		RetryBackoff:  cfg.Poller.RetryBackoff,
		CancelTimeout: cfg.Poller.CancelTimeout,
	})
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	final, err := p.Watch(ctx, id, func(j *types.Job) {
		fmt.Fprintf(out, "%-10s %3d%%\n", j.Status, j.Progress)
	})
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(out, "Interrupted, cancelling %s\n", id)
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(out, final)
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the effective configuration and, when a server is reachable, live job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return showStatus(cmd, cfg)
		},
	}
}

func showStatus(cmd *cobra.Command, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Tonebridge System Status")
	fmt.Fprintln(out, strings.Repeat("=", 40))

	fmt.Fprintln(out, "Configuration:")
	fmt.Fprintf(out, "  Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  REST:            %s\n", cfg.Server.HTTPAddr)
	fmt.Fprintf(out, "  gRPC:            %s\n", cfg.Server.GRPCAddr)
	fmt.Fprintf(out, "  Worker Count:    %d\n", cfg.Worker.WorkerCount)
	fmt.Fprintf(out, "  Stage Timeout:   %s\n", cfg.Pipeline.StageTimeout)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  Driver:          %s\n", cfg.Store.Driver)
	switch cfg.Store.Driver {
	case config.DriverFile:
		fmt.Fprintf(out, "  Directory:       %s\n", cfg.Store.Path)
		fmt.Fprintf(out, "  Snapshot Every:  %s\n", cfg.SnapshotInterval())
	case config.DriverSQLite:
		fmt.Fprintf(out, "  Database:        %s\n", cfg.Store.Path)
	case config.DriverPostgres:
		fmt.Fprintln(out, "  DSN:             (set)")
	}
	fmt.Fprintf(out, "  Blob Root:       %s\n", cfg.Blob.Root)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Jobs:")
	c, err := client.Dial(addrFor(cfg))
	if err != nil {
		fmt.Fprintf(out, "  Server unreachable: %v\n", err)
		return nil
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	counts, err := c.Stats(ctx, "", nil, nil)
	if err != nil {
		fmt.Fprintf(out, "  Server unreachable (run 'tonebridge run' to start): %v\n", err)
		return nil
	}
	printCounts(out, counts)
	return nil
}

// ============================================================================
// helpers
// ============================================================================

// loadConfig 讀取 --config；預設路徑不存在時退回內建預設值
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := configFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		path = ""
	}
	env := envFile
	if env == "" {
		env = config.FindEnvFile()
	}
	cfg, err := config.Load(path, env)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func addrFor(cfg *config.Config) string {
	if serverAddr != "" {
		return serverAddr
	}
	return cfg.Server.GRPCAddr
}

func dial(cmd *cobra.Command) (*client.Client, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		addr = cfg.Server.GRPCAddr
	}
	return client.Dial(addr)
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := dial(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func parseParams(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("param %q must be key=value", pair)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// timeFlags RFC 3339 時間範圍旗標
type timeFlags struct {
	createdAfter, createdBefore string
	updatedAfter, updatedBefore string
}

func (f *timeFlags) register(cmd *cobra.Command, updated bool) {
	cmd.Flags().StringVar(&f.createdAfter, "created-after", "", "RFC 3339 lower bound on created_at")
	cmd.Flags().StringVar(&f.createdBefore, "created-before", "", "RFC 3339 upper bound on created_at")
	if updated {
		cmd.Flags().StringVar(&f.updatedAfter, "updated-after", "", "RFC 3339 lower bound on updated_at")
		cmd.Flags().StringVar(&f.updatedBefore, "updated-before", "", "RFC 3339 upper bound on updated_at")
	}
}

func (f *timeFlags) apply(createdAfter, createdBefore, updatedAfter, updatedBefore **time.Time) error {
	for _, b := range []struct {
		name string
		raw  string
		dst  **time.Time
	}{
		{"created-after", f.createdAfter, createdAfter},
		{"created-before", f.createdBefore, createdBefore},
		{"updated-after", f.updatedAfter, updatedAfter},
		{"updated-before", f.updatedBefore, updatedBefore},
	} {
		if b.raw == "" || b.dst == nil {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, b.raw)
		if err != nil {
			return fmt.Errorf("--%s must be RFC 3339: %w", b.name, err)
		}
		*b.dst = &t
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCounts(w io.Writer, counts map[types.JobStatus]int64) {
	statuses := make([]string, 0, len(counts))
	var total int64
	for s, n := range counts {
		statuses = append(statuses, string(s))
		total += n
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-10s %d\n", s, counts[types.JobStatus(s)])
	}
	fmt.Fprintf(w, "  %-10s %d\n", "TOTAL", total)
}
