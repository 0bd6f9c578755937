// Package pipeline turns one manifest URL into one merged media file:
// fetch the manifest, rewrite it, download everything it references and
// hand the local copy to the muxer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"hls-fetch/internal/fetch"
	"hls-fetch/internal/job"
	"hls-fetch/internal/model"
	"hls-fetch/internal/playlist"
	"hls-fetch/internal/workspace"
)

const (
	// LocalManifestName is the rewritten manifest inside a job directory.
	LocalManifestName = "local.m3u8"
	// manifestCacheDir holds the raw manifests of a job.
	manifestCacheDir = "manifest"
	// maxMasterDepth bounds how many master playlists are followed.
	maxMasterDepth = 3
)

// Fetcher runs a batch of download tasks. *fetch.Engine implements it.
type Fetcher interface {
	Run(ctx context.Context, desc string, tasks []model.Task) fetch.Report
}

// Muxer merges a local manifest into outputPath. *muxer.FFmpeg implements it.
type Muxer interface {
	Merge(ctx context.Context, manifestPath, outputPath string) error
}

// Ledger records job runs. *job.Repository implements it.
type Ledger interface {
	CreateJob(manifestURL, outputPath string) (*job.JobMetadata, error)
	UpdateJobStatus(id string, status job.Status, errMsg string) error
	UpdateJobCounts(id string, total, failed int) error
	RecordResults(jobID string, results []model.Result) error
}

// Outcome describes a finished job, successful or not.
type Outcome struct {
	JobID       string
	ManifestURL string
	MediaURL    string
	Output      string
	Skipped     bool
	Total       int
	Downloaded  int
	Failed      int
	Bytes       int64
}

// Pipeline runs jobs one at a time against a workspace.
type Pipeline struct {
	ws        *workspace.Workspace
	fetcher   Fetcher
	muxer     Muxer
	ledger    Ledger
	cleanTemp bool
	logger    *zap.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLedger records every job in l.
func WithLedger(l Ledger) Option {
	return func(p *Pipeline) { p.ledger = l }
}

// WithCleanTemp controls whether the job directory is removed after a
// successful merge. The default is true.
func WithCleanTemp(clean bool) Option {
	return func(p *Pipeline) { p.cleanTemp = clean }
}

// New creates a Pipeline
func New(ws *workspace.Workspace, fetcher Fetcher, muxer Muxer, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		ws:        ws,
		fetcher:   fetcher,
		muxer:     muxer,
		cleanTemp: true,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes one job. name may be empty, in which case the output name is
// derived from manifestURL. An existing output file short-circuits the job.
func (p *Pipeline) Run(ctx context.Context, manifestURL, name string) (*Outcome, error) {
	saveName := workspace.OutputName(manifestURL, name)
	out := &Outcome{
		ManifestURL: manifestURL,
		Output:      p.ws.OutputPath(saveName),
	}
	log := p.logger.With(zap.String("output", saveName))

	if workspace.FileExists(out.Output) {
		log.Info("output already exists, skipping", zap.String("path", out.Output))
		out.Skipped = true
		p.startJob(out, log)
		p.finishJob(out, job.StatusSkipped, nil, log)
		return out, nil
	}

	p.startJob(out, log)
	err := p.run(ctx, out, saveName, log)
	if err != nil {
		p.finishJob(out, job.StatusFailed, err, log)
		return out, err
	}
	p.finishJob(out, job.StatusCompleted, nil, log)
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, out *Outcome, saveName string, log *zap.Logger) error {
	jobDir, err := p.ws.EnsureJobDir(saveName)
	if err != nil {
		return err
	}

	content, mediaURL, err := p.loadMedia(ctx, jobDir, out.ManifestURL, log)
	if err != nil {
		return err
	}
	out.MediaURL = mediaURL

	resolver := playlist.NewResolver(mediaURL, jobDir)
	plan := resolver.Rewrite(content)
	localManifest := filepath.Join(jobDir, LocalManifestName)
	if err := os.WriteFile(localManifest, []byte(plan.Text), 0644); err != nil {
		return fmt.Errorf("failed to write local manifest: %w", err)
	}

	out.Total = plan.Total
	log.Info("manifest rewritten",
		zap.String("prefix", resolver.Prefix()),
		zap.Int("total", plan.Total),
		zap.Int("need_download", len(plan.Tasks)))

	report := p.fetcher.Run(ctx, saveName, plan.Tasks)
	out.Downloaded = len(plan.Tasks) - report.Failed
	out.Failed = report.Failed
	out.Bytes = report.Bytes
	p.recordBatch(out, report, log)

	log.Info("download finished",
		zap.Int("total", plan.Total),
		zap.Int("need_download", len(plan.Tasks)),
		zap.Int("failed", report.Failed),
		zap.String("bytes", humanize.Bytes(uint64(report.Bytes))),
		zap.Duration("elapsed", report.Elapsed))

	if err := report.Err(); err != nil {
		for _, task := range report.FailedTasks() {
			log.Error("segment not downloaded", zap.String("url", task.URL))
		}
		return err
	}

	p.setStatus(out, job.StatusMerging, log)
	if err := p.muxer.Merge(ctx, localManifest, out.Output); err != nil {
		log.Error("merge failed, keeping temp files", zap.String("job_dir", jobDir), zap.Error(err))
		return &MergeError{Output: out.Output, Err: err}
	}
	log.Info("merged", zap.String("path", out.Output))

	if p.cleanTemp {
		if err := p.ws.RemoveJobDir(saveName); err != nil {
			log.Warn("failed to clean temp files", zap.String("job_dir", jobDir), zap.Error(err))
		}
	}
	return nil
}

// loadMedia returns the media playlist text for manifestURL, following
// master playlists to their highest-bandwidth variant.
func (p *Pipeline) loadMedia(ctx context.Context, jobDir, manifestURL string, log *zap.Logger) (string, string, error) {
	current := manifestURL
	for level := 0; level <= maxMasterDepth; level++ {
		content, err := p.loadManifest(ctx, jobDir, current, level, log)
		if err != nil {
			return "", "", err
		}

		kind, master, err := playlist.Inspect(content)
		if err != nil {
			return "", "", fmt.Errorf("inspect %s: %w", current, err)
		}
		if kind != playlist.Master {
			return content, current, nil
		}

		next, err := playlist.BestVariant(master, current)
		if err != nil {
			return "", "", fmt.Errorf("select variant of %s: %w", current, err)
		}
		log.Info("master playlist, following best variant",
			zap.String("master", current),
			zap.String("variant", next))
		current = next
	}
	return "", "", fmt.Errorf("%w: %s", ErrMasterDepth, manifestURL)
}

// loadManifest reads the cached copy of manifestURL, downloading it first
// when there is none.
func (p *Pipeline) loadManifest(ctx context.Context, jobDir, manifestURL string, level int, log *zap.Logger) (string, error) {
	name := playlist.LocalName(manifestURL)
	if level > 0 {
		name = fmt.Sprintf("variant%d-%s", level, name)
	}
	cached := filepath.Join(jobDir, manifestCacheDir, name)

	if workspace.FileExists(cached) {
		log.Info("using cached manifest", zap.String("path", cached))
	} else {
		task := model.Task{URL: manifestURL, Destination: cached}
		report := p.fetcher.Run(ctx, "manifest", []model.Task{task})
		if report.Failed > 0 {
			var cause error = errors.New("no result")
			if len(report.Results) > 0 && report.Results[0].Err != nil {
				cause = report.Results[0].Err
			}
			return "", &ManifestFetchError{URL: manifestURL, Err: cause}
		}
	}

	data, err := os.ReadFile(cached)
	if err != nil {
		return "", fmt.Errorf("failed to read manifest: %w", err)
	}
	return string(data), nil
}

func (p *Pipeline) startJob(out *Outcome, log *zap.Logger) {
	if p.ledger == nil {
		return
	}
	meta, err := p.ledger.CreateJob(out.ManifestURL, out.Output)
	if err != nil {
		log.Warn("failed to record job", zap.Error(err))
		return
	}
	out.JobID = meta.ID
}

func (p *Pipeline) recordBatch(out *Outcome, report fetch.Report, log *zap.Logger) {
	if p.ledger == nil || out.JobID == "" {
		return
	}
	if err := p.ledger.RecordResults(out.JobID, report.Results); err != nil {
		log.Warn("failed to record job items", zap.Error(err))
	}
	if err := p.ledger.UpdateJobCounts(out.JobID, out.Total, out.Failed); err != nil {
		log.Warn("failed to record job counts", zap.Error(err))
	}
}

func (p *Pipeline) setStatus(out *Outcome, status job.Status, log *zap.Logger) {
	if p.ledger == nil || out.JobID == "" {
		return
	}
	if err := p.ledger.UpdateJobStatus(out.JobID, status, ""); err != nil {
		log.Warn("failed to update job status", zap.String("status", string(status)), zap.Error(err))
	}
}

func (p *Pipeline) finishJob(out *Outcome, status job.Status, cause error, log *zap.Logger) {
	if p.ledger == nil || out.JobID == "" {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.ledger.UpdateJobStatus(out.JobID, status, msg); err != nil {
		log.Warn("failed to update job status", zap.String("status", string(status)), zap.Error(err))
	}
}
