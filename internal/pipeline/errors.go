package pipeline

import (
	"errors"
	"fmt"
)

// ErrMasterDepth is returned when master playlists nest deeper than
// maxMasterDepth.
var ErrMasterDepth = errors.New("too many levels of master playlists")

// ManifestFetchError means the job's manifest could not be retrieved. The
// whole job is aborted.
type ManifestFetchError struct {
	URL string
	Err error
}

func (e *ManifestFetchError) Error() string {
	return fmt.Sprintf("failed to fetch manifest %s: %v", e.URL, e.Err)
}

// Unwrap returns the underlying error
func (e *ManifestFetchError) Unwrap() error {
	return e.Err
}

// MergeError means the muxer failed or produced nothing. The job temp
// directory is left in place.
type MergeError struct {
	Output string
	Err    error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("failed to merge %s: %v", e.Output, e.Err)
}

// Unwrap returns the underlying error
func (e *MergeError) Unwrap() error {
	return e.Err
}

// IsManifestFetch returns true if err carries a ManifestFetchError.
func IsManifestFetch(err error) bool {
	var me *ManifestFetchError
	return errors.As(err, &me)
}

// IsMerge returns true if err carries a MergeError.
func IsMerge(err error) bool {
	var me *MergeError
	return errors.As(err, &me)
}
