package fetch

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DefaultChunkSize is the streaming write unit.
const DefaultChunkSize = 64 * 1024

// Persister stores a response body at destination and reports the bytes
// written.
type Persister interface {
	Persist(body io.Reader, destination string) (int64, error)
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(body io.Reader, destination string) (int64, error)

func (f PersisterFunc) Persist(body io.Reader, destination string) (int64, error) {
	return f(body, destination)
}

// FileWriter streams the body to disk in fixed-size chunks. Data goes to
// destination + ".part" first and is renamed into place once complete, so a
// destination that exists is always whole.
type FileWriter struct {
	ChunkSize int
}

func (w FileWriter) Persist(body io.Reader, destination string) (int64, error) {
	size := w.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent dir: %w", err)
	}

	tmpPath := destination + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	written, err := copyChunks(bufio.NewWriterSize(f, size), body, size)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return written, err
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return written, fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpPath, destination); err != nil {
		os.Remove(tmpPath)
		return written, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return written, nil
}

func copyChunks(dst *bufio.Writer, src io.Reader, size int) (int64, error) {
	buf := make([]byte, size)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("failed to write file: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			// read errors come from the network and keep their type for
			// retry classification
			return written, rerr
		}
	}
	if err := dst.Flush(); err != nil {
		return written, fmt.Errorf("failed to flush file: %w", err)
	}
	return written, nil
}
