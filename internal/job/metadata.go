package job

import (
	"time"
)

// Status is the lifecycle state of a recorded job.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusMerging     Status = "merging"
	StatusCompleted   Status = "completed"
	StatusSkipped     Status = "skipped"
	StatusFailed      Status = "failed"
)

type JobMetadata struct {
	ID          string    `json:"id"`
	ManifestURL string    `json:"manifest_url"`
	OutputPath  string    `json:"output_path"`
	TotalTasks  int       `json:"total_tasks"`
	FailedTasks int       `json:"failed_tasks"`
	CreatedTime time.Time `json:"created_time"`
	UpdatedTime time.Time `json:"updated_time"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// JobItem is the recorded outcome of one fetch task
type JobItem struct {
	Destination string
	URL         string
	Success     bool
	Attempts    int
	Bytes       int64
	Error       string
}
