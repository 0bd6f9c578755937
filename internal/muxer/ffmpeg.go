// Package muxer hands a local playlist to ffmpeg for reassembly.
package muxer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// FFmpeg merges a rewritten local m3u8 into one media file.
type FFmpeg struct {
	Path   string
	logger *zap.Logger
}

// NewFFmpeg creates an FFmpeg muxer; an empty path means "ffmpeg" from PATH.
func NewFFmpeg(path string, logger *zap.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{Path: path, logger: logger}
}

// Args returns the command line used for a merge. The output path is the
// last argument.
func (f *FFmpeg) Args(manifestPath, outputPath string) []string {
	return []string{
		"-y",
		"-loglevel", "error",
		"-extension_picky", "0",
		"-allowed_segment_extensions", "ALL",
		"-allowed_extensions", "ALL",
		"-protocol_whitelist", "file,http,https,tcp,tls,crypto",
		"-i", manifestPath,
		"-c", "copy",
		outputPath,
	}
}

// Merge runs ffmpeg and checks that it produced a non-empty output file.
func (f *FFmpeg) Merge(ctx context.Context, manifestPath, outputPath string) error {
	f.logger.Info("ffmpeg is merging",
		zap.String("manifest", manifestPath),
		zap.String("output", outputPath))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Path, f.Args(manifestPath, outputPath)...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("ffmpeg failed: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg failed: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("ffmpeg produced an empty output file")
	}
	return nil
}
