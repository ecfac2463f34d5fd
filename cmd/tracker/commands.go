package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/sqs-entity-resolution/internal/app/bootstrap"
	"github.com/coachpo/sqs-entity-resolution/internal/domain/trackerstore"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/config"
	"github.com/coachpo/sqs-entity-resolution/internal/infra/persistence/postgres"
)

// adminStore is the tracker surface the CLI needs.
type adminStore interface {
	Tally(ctx context.Context) (trackerstore.Tally, error)
	SkipTodo(ctx context.Context) (int64, error)
	RewindInProgress(ctx context.Context) (int64, error)
	Rows(ctx context.Context, status trackerstore.Status, limit int) ([]trackerstore.Row, error)
}

type storeOpener func(ctx context.Context, opts *rootOptions) (adminStore, func(), error)

type rootOptions struct {
	ConfigPath string
	DSN        string
	Format     string
	Timeout    time.Duration
}

func newRootCommand(open storeOpener) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "tracker",
		Short:         "Inspect and repair the export tracker",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			switch opts.Format {
			case "text", "json":
				return nil
			default:
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
		},
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to application configuration file")
	cmd.PersistentFlags().StringVar(&opts.DSN, "database", "", "PostgreSQL DSN (overrides configuration)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "maximum time for the command")

	cmd.AddCommand(
		newTallyCommand(opts, open),
		newTransitionCommand(opts, open, "skip-todo", "Mark every TODO row SKIPPED",
			"skipped", adminStore.SkipTodo),
		newTransitionCommand(opts, open, "rewind", "Return IN_PROGRESS rows to TODO after a crashed export",
			"rewound", adminStore.RewindInProgress),
		newListCommand(opts, open),
	)
	return cmd
}

func withStore(cmd *cobra.Command, opts *rootOptions, open storeOpener, fn func(context.Context, adminStore) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()
	store, closeFn, err := open(ctx, opts)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, store)
}

func newTallyCommand(opts *rootOptions, open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "tally",
		Short: "Count tracker rows per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, open, func(ctx context.Context, store adminStore) error {
				tally, err := store.Tally(ctx)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]int64{
						"todo":        tally.Todo,
						"in_progress": tally.InProgress,
						"done":        tally.Done,
						"skipped":     tally.Skipped,
						"total":       tally.Total(),
					})
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "TODO\t%d\n", tally.Todo)
				fmt.Fprintf(w, "IN_PROGRESS\t%d\n", tally.InProgress)
				fmt.Fprintf(w, "DONE\t%d\n", tally.Done)
				fmt.Fprintf(w, "SKIPPED\t%d\n", tally.Skipped)
				fmt.Fprintf(w, "TOTAL\t%d\n", tally.Total())
				return w.Flush()
			})
		},
	}
}

func newTransitionCommand(opts *rootOptions, open storeOpener, use, short, verb string, apply func(adminStore, context.Context) (int64, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, open, func(ctx context.Context, store adminStore) error {
				n, err := apply(store, ctx)
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), map[string]int64{verb: n})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d rows\n", verb, n)
				return err
			})
		},
	}
}

type rowView struct {
	EntityID  int64     `json:"entity_id"`
	Status    string    `json:"status"`
	ExportID  string    `json:"export_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newListCommand(opts *rootOptions, open storeOpener) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tracker rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var filter trackerstore.Status
			if strings.TrimSpace(status) != "" {
				parsed, err := trackerstore.ParseStatus(status)
				if err != nil {
					return err
				}
				filter = parsed
			}
			return withStore(cmd, opts, open, func(ctx context.Context, store adminStore) error {
				rows, err := store.Rows(ctx, filter, limit)
				if err != nil {
					return err
				}
				views := make([]rowView, 0, len(rows))
				for _, r := range rows {
					views = append(views, rowView{
						EntityID:  r.EntityID,
						Status:    r.Status.String(),
						ExportID:  r.ExportID,
						CreatedAt: r.CreatedAt.UTC(),
					})
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), views)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ENTITY_ID\tSTATUS\tEXPORT_ID\tCREATED_AT")
				for _, v := range views {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", v.EntityID, v.Status, v.ExportID, v.CreatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (todo|in_progress|done|skipped)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to list")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openPostgresStore(ctx context.Context, opts *rootOptions) (adminStore, func(), error) {
	cfg, err := config.LoadOrDefault(ctx, bootstrap.ResolveConfigPath(opts.ConfigPath))
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	dbCfg := cfg.Database
	if opts.DSN != "" {
		dbCfg.DSN = opts.DSN
	}
	pool, err := postgres.NewPool(ctx, dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return postgres.NewTrackerStore(pool), pool.Close, nil
}
