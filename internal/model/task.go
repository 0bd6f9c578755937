package model

// Task is one unit of fetch work: bytes at URL end up at Destination.
type Task struct {
	URL         string `json:"url"`
	Destination string `json:"destination"`
}

// Result is the settled outcome of a single Task.
type Result struct {
	Task     Task
	Success  bool
	Err      error
	Attempts int
	Bytes    int64
}
