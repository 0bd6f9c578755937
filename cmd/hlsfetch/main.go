package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hls-fetch/internal/config"
	"hls-fetch/internal/database"
	"hls-fetch/internal/fetch"
	"hls-fetch/internal/job"
	"hls-fetch/internal/logger"
	"hls-fetch/internal/muxer"
	"hls-fetch/internal/pipeline"
	"hls-fetch/internal/progress"
	"hls-fetch/internal/workspace"
)

const version = "0.1.0"

var (
	configPath string
	outputName string
	listLimit  int
)

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *sql.DB
	repo     *job.Repository
	pipeline *pipeline.Pipeline
}

func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, err
	}
	zapLogger := logger.GetZapLogger()
	logger.With(zap.String("version", version)).Debug("starting hlsfetch",
		zap.String("config", configPath))

	ws, err := workspace.New(cfg.Paths.VideoDir, cfg.Paths.TmpDir)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(ws.TmpDir(), "jobs.db")
	}
	db, err := database.Init(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}
	repo, err := job.NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	d := cfg.Downloader
	engine, err := fetch.New(fetch.Config{
		MaxConcurrent:     d.MaxConcurrent,
		MaxRetry:          d.MaxRetry,
		RequestTimeout:    d.GetRequestTimeout(),
		VerifyTLS:         d.ConnectionVerifyTLS,
		StatusBackoff:     d.GetStatusBackoff(),
		ChunkSize:         d.GetChunkSize(),
		RequestsPerSecond: d.RequestsPerSecond,
		ProxyURL:          d.ProxyURL,
		Headers:           d.Headers,
	}, logger.Named("fetch"), fetch.WithProgress(progress.NewLogSink(logger.Named("progress"), 10)))
	if err != nil {
		db.Close()
		return nil, err
	}

	p := pipeline.New(ws, engine,
		muxer.NewFFmpeg(cfg.Muxer.FFmpegPath, logger.Named("muxer")),
		logger.Named("pipeline"),
		pipeline.WithLedger(repo),
		pipeline.WithCleanTemp(d.CleanTemp))

	return &app{cfg: cfg, logger: zapLogger, db: db, repo: repo, pipeline: p}, nil
}

func (a *app) close() {
	a.db.Close()
	logger.Sync()
}

func runE(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	out, err := a.pipeline.Run(cmd.Context(), args[0], outputName)
	if err != nil {
		return err
	}
	if out.Skipped {
		fmt.Printf("%s already exists\n", out.Output)
		return nil
	}
	fmt.Printf("saved %s (%d files, %s downloaded)\n", out.Output, out.Total, humanize.Bytes(uint64(out.Bytes)))
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	jobs, err := pipeline.LoadJobs(args[0])
	if err != nil {
		return err
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	summary := a.pipeline.RunBatch(cmd.Context(), jobs)
	fmt.Printf("%d/%d jobs succeeded\n", summary.Succeeded, summary.Total)
	if summary.Failed > 0 {
		return fmt.Errorf("%d jobs failed", summary.Failed)
	}
	return nil
}

func runJobs(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return listJobs(os.Stdout, a.repo, listLimit)
}

func runJobShow(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return showJob(os.Stdout, a.repo, args[0])
}

func runJobRemove(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	return removeJobs(os.Stdout, a.repo, args)
}

func listJobs(out io.Writer, repo *job.Repository, limit int) error {
	jobs, err := repo.ListJobs(limit)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tFILES\tFAILED\tCREATED\tOUTPUT\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			j.ID, j.Status, j.TotalTasks, j.FailedTasks,
			humanize.Time(j.CreatedTime), filepath.Base(j.OutputPath), j.Error)
	}
	return w.Flush()
}

// removeJobs deletes jobs and their items from the history. Downloaded
// files are left alone.
func removeJobs(out io.Writer, repo *job.Repository, ids []string) error {
	for _, id := range ids {
		if err := repo.DeleteJob(id); err != nil {
			return fmt.Errorf("failed to remove job %s: %w", id, err)
		}
		fmt.Fprintf(out, "removed %s\n", id)
	}
	return nil
}

// showJob prints one job and the files it fetched.
func showJob(out io.Writer, repo *job.Repository, id string) error {
	meta, err := repo.GetJob(id)
	if err != nil {
		return fmt.Errorf("failed to get job %s: %w", id, err)
	}
	items, err := repo.GetJobItems(id)
	if err != nil {
		return fmt.Errorf("failed to get job items: %w", err)
	}

	fmt.Fprintf(out, "id:       %s\n", meta.ID)
	fmt.Fprintf(out, "manifest: %s\n", meta.ManifestURL)
	fmt.Fprintf(out, "output:   %s\n", meta.OutputPath)
	fmt.Fprintf(out, "status:   %s\n", meta.Status)
	fmt.Fprintf(out, "files:    %d (%d failed)\n", meta.TotalTasks, meta.FailedTasks)
	fmt.Fprintf(out, "created:  %s\n", humanize.Time(meta.CreatedTime))
	if meta.Error != "" {
		fmt.Fprintf(out, "error:    %s\n", meta.Error)
	}
	if len(items) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OK\tATTEMPTS\tSIZE\tURL\tERROR")
	for _, it := range items {
		ok := "yes"
		if !it.Success {
			ok = "no"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			ok, it.Attempts, humanize.Bytes(uint64(it.Bytes)), it.URL, it.Error)
	}
	return w.Flush()
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "hlsfetch [manifest-url]",
		Short:         "Download an HLS stream and merge it into one file",
		Version:       version,
		Args:          cobra.ExactArgs(1),
		RunE:          runE,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pflags := rootCmd.PersistentFlags()
	pflags.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	pflags.IntP("concurrent", "c", 20, "Maximum concurrent downloads")
	pflags.Int("retry", 3, "Retries per file after the first attempt")
	pflags.Int("timeout", 180, "Per-request timeout in seconds")
	pflags.Bool("verify-tls", false, "Validate TLS certificates")
	pflags.Bool("clean-temp", true, "Remove temp files after a successful merge")
	pflags.Float64("rate", 0, "Maximum requests per second (0 = unlimited)")
	pflags.String("proxy", "", "HTTP proxy URL")
	pflags.String("video-dir", "./videos", "Directory for merged files")
	pflags.String("tmp-dir", "./tmp_files", "Directory for per-job temp files")
	pflags.String("ffmpeg", "ffmpeg", "Path to ffmpeg executable")
	pflags.String("db", "", "Path to the job database (default <tmp-dir>/jobs.db)")
	pflags.String("log-level", "info", "Log level: debug, info, warn, error")
	pflags.String("log-format", "console", "Log format: console or json")

	rootCmd.Flags().StringVarP(&outputName, "output", "o", "", "Output file name (default: manifest name with .mp4)")

	batchCmd := &cobra.Command{
		Use:   "batch [jobs.yaml]",
		Short: "Run every job listed in a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runBatch,
	}

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recorded jobs",
		Args:  cobra.NoArgs,
		RunE:  runJobs,
	}
	jobsCmd.Flags().IntVar(&listLimit, "limit", 20, "Number of jobs to show (0 = all)")

	jobsCmd.AddCommand(
		&cobra.Command{
			Use:   "show [id]",
			Short: "Show one job and its files",
			Args:  cobra.ExactArgs(1),
			RunE:  runJobShow,
		},
		&cobra.Command{
			Use:   "rm [id...]",
			Short: "Remove jobs from the history",
			Args:  cobra.MinimumNArgs(1),
			RunE:  runJobRemove,
		},
	)

	rootCmd.AddCommand(batchCmd, jobsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
