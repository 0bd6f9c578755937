package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hls-fetch/internal/playlist"
)

// Workspace owns the on-disk layout: merged videos in one directory, one
// temp directory per job holding the manifest copies and segments.
type Workspace struct {
	videoDir string
	tmpDir   string
}

// New resolves both roots to absolute paths and creates them.
func New(videoDir, tmpDir string) (*Workspace, error) {
	v, err := filepath.Abs(videoDir)
	if err != nil {
		return nil, fmt.Errorf("resolve video dir: %w", err)
	}
	t, err := filepath.Abs(tmpDir)
	if err != nil {
		return nil, fmt.Errorf("resolve tmp dir: %w", err)
	}
	for _, dir := range []string{v, t} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Workspace{videoDir: v, tmpDir: t}, nil
}

// VideoDir returns the absolute output root
func (w *Workspace) VideoDir() string {
	return w.videoDir
}

// TmpDir returns the absolute temp root
func (w *Workspace) TmpDir() string {
	return w.tmpDir
}

// JobDir returns the temp directory of the job producing saveName
func (w *Workspace) JobDir(saveName string) string {
	return filepath.Join(w.tmpDir, saveName)
}

// EnsureJobDir creates the job directory if it doesn't exist
func (w *Workspace) EnsureJobDir(saveName string) (string, error) {
	dir := w.JobDir(saveName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	return dir, nil
}

// RemoveJobDir deletes the job directory and everything in it
func (w *Workspace) RemoveJobDir(saveName string) error {
	return os.RemoveAll(w.JobDir(saveName))
}

// OutputPath returns the merged file location for saveName
func (w *Workspace) OutputPath(saveName string) string {
	return filepath.Join(w.videoDir, saveName)
}

// FileExists checks if a regular file exists at path
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// OutputName derives the merged file name for a job. An explicit name keeps
// its extension or gets ".mp4"; otherwise the manifest basename is used with
// its extension swapped for ".mp4".
func OutputName(manifestURL, name string) string {
	name = strings.TrimSpace(name)
	if name != "" {
		name = filepath.Base(name)
		if filepath.Ext(name) == "" {
			name += ".mp4"
		}
		return name
	}

	base := playlist.LocalName(manifestURL)
	ext := filepath.Ext(base)
	if ext == "" || strings.EqualFold(ext, ".m3u8") || strings.EqualFold(ext, ".m3u") {
		return strings.TrimSuffix(base, ext) + ".mp4"
	}
	return base
}
