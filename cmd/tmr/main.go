package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rowjay/tender-mirror/internal/app"
	"github.com/rowjay/tender-mirror/internal/clone"
	"github.com/rowjay/tender-mirror/internal/config"
	"github.com/rowjay/tender-mirror/internal/logging"
	"github.com/rowjay/tender-mirror/internal/metrics"
	"github.com/rowjay/tender-mirror/internal/operation"
	"github.com/rowjay/tender-mirror/internal/search"
	"github.com/rowjay/tender-mirror/internal/server"
	"github.com/rowjay/tender-mirror/internal/upstream"
	"github.com/rowjay/tender-mirror/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	BaseURL       string
	PageSize      int
	CloneDir      string
	IngestDir     string
	StoreDSN      string
	Addr          string
	Storage       string
	LocalPath     string
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      string
	S3PathStyle   string
	Compression   string
	EncryptionKey string
}

type filterFlags struct {
	Stages      string
	UpdatedFrom string
	UpdatedTo   string
}

func (f *filterFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Stages, "stages", "", "Release stage (planning, tender, award)")
	cmd.Flags().StringVar(&f.UpdatedFrom, "updated-from", "", "Lower update bound (YYYY-MM-DDTHH:MM:SS)")
	cmd.Flags().StringVar(&f.UpdatedTo, "updated-to", "", "Upper update bound (YYYY-MM-DDTHH:MM:SS)")
}

func (f *filterFlags) filters() upstream.Filters {
	return upstream.Filters{Stages: f.Stages, UpdatedFrom: f.UpdatedFrom, UpdatedTo: f.UpdatedTo}
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:          "tmr",
		Short:        "Mirror, ingest and search procurement notices",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.BaseURL, "base-url", "", "Upstream API base URL")
	rootCmd.PersistentFlags().IntVar(&overrides.PageSize, "page-size", 0, "Upstream page size")
	rootCmd.PersistentFlags().StringVar(&overrides.CloneDir, "clone-dir", "", "Clone data directory")
	rootCmd.PersistentFlags().StringVar(&overrides.IngestDir, "ingest-dir", "", "Ingest status directory")
	rootCmd.PersistentFlags().StringVar(&overrides.StoreDSN, "store-dsn", "", "Optimized store SQLite path")
	rootCmd.PersistentFlags().StringVar(&overrides.Addr, "addr", "", "HTTP listen address")

	rootCmd.PersistentFlags().StringVar(&overrides.Storage, "storage", "", "Archive storage backend (local, s3, aws)")
	rootCmd.PersistentFlags().StringVar(&overrides.LocalPath, "storage-path", "", "Local archive storage path")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "S3 endpoint (MinIO/OSS)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Region, "s3-region", "", "S3 region")
	rootCmd.PersistentFlags().StringVar(&overrides.S3UseSSL, "s3-ssl", "", "Use SSL for S3 endpoint (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3PathStyle, "s3-path-style", "", "Force path-style S3 (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.Compression, "compression", "", "Archive compression (none/gzip/zstd)")
	rootCmd.PersistentFlags().StringVar(&overrides.EncryptionKey, "encryption-key", "", "Archive encryption key (base64 or hex)")

	rootCmd.AddCommand(newServeCmd(root, overrides))
	rootCmd.AddCommand(newCloneCmd(root, overrides))
	rootCmd.AddCommand(newIngestCmd(root, overrides))
	rootCmd.AddCommand(newSearchCmd(root, overrides))
	rootCmd.AddCommand(newArchiveCmd(root, overrides))
	rootCmd.AddCommand(newStoreCmd(root, overrides))
	rootCmd.AddCommand(newValidateCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// session is one CLI invocation's wired application.
type session struct {
	cfg    *config.Config
	log    zerolog.Logger
	app    *app.App
	closer io.Closer
}

func open(ctx context.Context, root *rootFlags, overrides *overrideFlags, m *metrics.Metrics) (*session, error) {
	cfg, err := loadConfig(root, overrides)
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.ConfigureWithFile(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogFile)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger, m)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &session{cfg: cfg, log: logger, app: a, closer: closer}, nil
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.app.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("shutdown incomplete")
	}
	s.closer.Close()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin, search and pass-through HTTP routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			s, err := open(ctx, root, overrides, metrics.New())
			if err != nil {
				return err
			}
			defer s.Close()
			return server.New(s.app, s.log).Run(ctx)
		},
	}
}

func newCloneCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var total int
	var operationID string
	var filters filterFlags

	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Clone the upstream feed into a content-addressed store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			s, err := open(ctx, root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			st, err := s.app.StartClone(ctx, app.CloneRequest{
				OperationID: operationID,
				Total:       total,
				Filters:     filters.filters(),
			})
			if st.OperationID != "" {
				printStatus(cmd.OutOrStdout(), st)
			}
			return err
		},
	}
	cmd.Flags().IntVar(&total, "total", clone.Unbounded, "Item cap (-1 for all)")
	cmd.Flags().StringVar(&operationID, "operation-id", "", "Resume this clone operation")
	filters.bind(cmd)

	status := &cobra.Command{
		Use:   "status <operation_id>",
		Short: "Show a clone's status, checkpoint and manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			view, err := s.app.CloneStatus(args[0])
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), view.Status)
			if view.Manifest != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "manifest: %d pages, %d items, %d objects in %s\n",
					view.Manifest.Totals.Pages, view.Manifest.Totals.Items, view.Manifest.Totals.ObjectsWritten,
					time.Duration(view.Manifest.ElapsedSeconds*float64(time.Second)).Round(time.Millisecond))
			} else if view.Checkpoint != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint: page %d, %d items, cursor %q\n",
					view.Checkpoint.Page, view.Checkpoint.ItemCount, view.Checkpoint.Cursor)
			}
			return nil
		},
	}
	cmd.AddCommand(status)
	return cmd
}

func newIngestCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var req app.IngestRequest
	var filters filterFlags

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load releases into the optimized store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			s, err := open(ctx, root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			req.Filters = filters.filters()
			st, err := s.app.StartIngest(ctx, req)
			if st.OperationID != "" {
				printStatus(cmd.OutOrStdout(), st)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&req.Source, "source", app.SourceUpstream, "Release source (upstream, clone)")
	cmd.Flags().StringVar(&req.CloneID, "clone-id", "", "Completed clone to replay when --source=clone")
	cmd.Flags().IntVar(&req.Total, "total", 0, "Item cap (default from config; -1 replays a whole clone)")
	cmd.Flags().IntVar(&req.CommitEvery, "commit-every", 0, "Pages per transaction (default from config)")
	filters.bind(cmd)

	var limit int
	var firstFilters filterFlags
	first := &cobra.Command{
		Use:   "first",
		Short: "Ingest the first upstream page",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			s, err := open(ctx, root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			st, err := s.app.IngestFirst(ctx, limit, firstFilters.filters())
			if st.OperationID != "" {
				printStatus(cmd.OutOrStdout(), st)
			}
			return err
		},
	}
	first.Flags().IntVar(&limit, "limit", 0, "Releases to fetch (default from config)")
	firstFilters.bind(first)
	cmd.AddCommand(first)
	return cmd
}

func newSearchCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var req search.Request

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the optimized store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			req.Q = strings.Join(args, " ")
			resp, err := s.app.SearchTenders(cmd.Context(), req)
			if err != nil {
				return err
			}

			tbl := table.NewWriter()
			tbl.SetOutputMirror(cmd.OutOrStdout())
			tbl.SetStyle(table.StyleLight)
			tbl.AppendHeader(table.Row{"Score", "OCID", "Stage", "Published", "CPV", "Title"})
			for _, hit := range resp.Results {
				published := ""
				if hit.PublishedAt != nil {
					published = hit.PublishedAt.Format(time.DateOnly)
				}
				tbl.AppendRow(table.Row{
					fmt.Sprintf("%.3f", hit.Score), hit.OCID, hit.Stage, published,
					strings.Join(hit.CPV, ","), truncate(hit.Title, 60),
				})
			}
			tbl.AppendFooter(table.Row{fmt.Sprintf("%d results (%s)", resp.Count, resp.Mode)})
			tbl.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Mode, "mode", "", "Match mode (exact, near)")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "Maximum results")
	cmd.Flags().StringVar(&req.Stage, "stage", "", "Stage filter")
	cmd.Flags().StringVar(&req.CPV, "cpv", "", "CPV code prefix")
	cmd.Flags().StringVar(&req.PublishedFrom, "from", "", "Published on or after (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&req.PublishedTo, "to", "", "Published on or before (YYYY-MM-DD or RFC3339)")
	return cmd
}

func newArchiveCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive completed clones to object storage",
	}

	create := &cobra.Command{
		Use:   "create <operation_id>",
		Short: "Pack and upload a completed clone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			s, err := open(ctx, root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			res, err := s.app.Archive(ctx, args[0])
			if err != nil {
				return err
			}
			s.log.Info().
				Str("key", res.Key).
				Str("size", humanize.Bytes(uint64(res.Manifest.SizeBytes))).
				Int("pruned", len(res.Pruned)).
				Msg("archive completed")
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list [operation_id]",
		Short: "List archives, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd.Context(), root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			items, err := s.app.ListArchives(cmd.Context(), id)
			if err != nil {
				return err
			}
			tbl := table.NewWriter()
			tbl.SetOutputMirror(cmd.OutOrStdout())
			tbl.SetStyle(table.StyleLight)
			tbl.AppendHeader(table.Row{"Key", "Size", "Modified"})
			for _, item := range items {
				tbl.AppendRow(table.Row{item.Key, humanize.Bytes(uint64(item.Size)), humanize.Time(item.Modified)})
			}
			tbl.Render()
			return nil
		},
	}

	var key, operationID string
	restore := &cobra.Command{
		Use:   "restore",
		Short: "Restore an archived clone into the clone data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			ctx, stop := signalContext()
			defer stop()
			s, err := open(ctx, root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			id, err := s.app.RestoreArchive(ctx, key, operationID)
			if err != nil {
				return err
			}
			s.log.Info().Str("key", key).Str("operation_id", id).Msg("restore completed")
			return nil
		},
	}
	restore.Flags().StringVar(&key, "key", "", "Archive object key to restore")
	restore.Flags().StringVar(&operationID, "operation-id", "", "Restore under this operation id (default from the manifest)")

	cmd.AddCommand(create, list, restore)
	return cmd
}

func newStoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Optimized store utilities",
	}

	var out string
	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Write a consistent copy of the optimized store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			s, err := open(cmd.Context(), root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.app.Store.Snapshot(cmd.Context(), out); err != nil {
				return err
			}
			info, err := os.Stat(out)
			if err != nil {
				return err
			}
			s.log.Info().Str("path", out).Str("size", humanize.Bytes(uint64(info.Size()))).Msg("snapshot written")
			return nil
		},
	}
	snapshot.Flags().StringVar(&out, "out", "", "Destination file (must not exist)")

	cmd.AddCommand(snapshot)
	return cmd
}

func newValidateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, the optimized store and archive storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			s, err := open(ctx, root, overrides, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.app.Store.Ping(ctx); err != nil {
				return fmt.Errorf("optimized store: %w", err)
			}
			if _, err := s.app.ListArchives(ctx, ""); err != nil {
				return fmt.Errorf("archive storage: %w", err)
			}
			s.log.Info().Msg("validation succeeded")
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tmr %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func printStatus(w io.Writer, st operation.Status) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendRow(table.Row{"Operation", st.OperationID})
	tbl.AppendRow(table.Row{"Kind", st.Kind})
	tbl.AppendRow(table.Row{"State", st.State})
	tbl.AppendRow(table.Row{"Attempt", st.Attempt})
	tbl.AppendRow(table.Row{"Pages", st.Progress.Pages})
	tbl.AppendRow(table.Row{"Items", st.Progress.Items})
	if st.Kind == operation.KindIngest {
		tbl.AppendRow(table.Row{"Upserted", fmt.Sprintf("%d inserted, %d updated, %d unchanged",
			st.Progress.Inserted, st.Progress.Updated, st.Progress.Unchanged)})
		tbl.AppendRow(table.Row{"Stale / skipped", fmt.Sprintf("%d / %d", st.Progress.Stale, st.Progress.Skipped)})
	} else {
		tbl.AppendRow(table.Row{"Objects written", st.Progress.ObjectsWritten})
	}
	tbl.AppendRow(table.Row{"Elapsed", time.Duration(st.ElapsedSeconds() * float64(time.Second)).Round(time.Millisecond)})
	if st.Error != nil {
		tbl.AppendRow(table.Row{"Error", fmt.Sprintf("%s: %s", st.Error.Kind, st.Error.Message)})
	}
	tbl.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.BaseURL != "" {
		cfg.Upstream.BaseURL = strings.TrimRight(overrides.BaseURL, "/")
	}
	if overrides.PageSize != 0 {
		cfg.Upstream.PageSize = overrides.PageSize
	}
	if overrides.CloneDir != "" {
		cfg.Clone.DataDir = overrides.CloneDir
	}
	if overrides.IngestDir != "" {
		cfg.Ingest.DataDir = overrides.IngestDir
	}
	if overrides.StoreDSN != "" {
		cfg.Store.DSN = overrides.StoreDSN
	}
	if overrides.Addr != "" {
		cfg.Server.Addr = overrides.Addr
	}

	if overrides.Storage != "" {
		cfg.Storage.Backend = overrides.Storage
	}
	if overrides.LocalPath != "" {
		cfg.Storage.Local.Path = overrides.LocalPath
	}
	if overrides.S3Endpoint != "" {
		cfg.Storage.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Storage.S3.Bucket = overrides.S3Bucket
		cfg.Storage.AWS.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Storage.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Storage.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Storage.S3.Region = overrides.S3Region
		cfg.Storage.AWS.Region = overrides.S3Region
	}
	if overrides.S3UseSSL != "" {
		cfg.Storage.S3.UseSSL = strings.EqualFold(overrides.S3UseSSL, "true") || overrides.S3UseSSL == "1"
	}
	if overrides.S3PathStyle != "" {
		pathStyle := strings.EqualFold(overrides.S3PathStyle, "true") || overrides.S3PathStyle == "1"
		cfg.Storage.S3.ForcePathStyle = pathStyle
		cfg.Storage.AWS.UsePathStyle = pathStyle
	}

	if overrides.Compression != "" {
		cfg.Archive.Compression = overrides.Compression
	}
	if overrides.EncryptionKey != "" {
		cfg.Archive.EncryptionKey = overrides.EncryptionKey
		cfg.Archive.Encryption = true
	}

	cfg.Archive.Compression = strings.ToLower(cfg.Archive.Compression)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
}
