package job

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hls-fetch/internal/model"
)

// ErrJobNotFound is returned when no job matches the id
var ErrJobNotFound = errors.New("job not found")

// Repository records job runs and their fetch tasks. It is a history, not a
// queue: nothing is resumed from it.
type Repository struct {
	db *sql.DB
}

// NewRepository wraps db and creates the tables
func NewRepository(db *sql.DB) (*Repository, error) {
	r := &Repository{db: db}
	if err := r.InitTable(); err != nil {
		return nil, fmt.Errorf("failed to init job tables: %w", err)
	}
	return r, nil
}

// InitTable creates the jobs and job_item tables if they don't exist
func (r *Repository) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		manifest_url TEXT NOT NULL,
		output_path TEXT NOT NULL,
		total_tasks INTEGER NOT NULL DEFAULT 0,
		failed_tasks INTEGER NOT NULL DEFAULT 0,
		created_time DATETIME,
		updated_time DATETIME,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS job_item (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		destination TEXT NOT NULL,
		url TEXT NOT NULL,
		success INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		bytes INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		UNIQUE(job_id, destination)
	);

	CREATE INDEX IF NOT EXISTS idx_job_item_job_id ON job_item(job_id);
	`
	_, err := r.db.Exec(query)
	return err
}

// CreateJob inserts a new job in the downloading state and returns it
func (r *Repository) CreateJob(manifestURL, outputPath string) (*JobMetadata, error) {
	now := time.Now()
	meta := &JobMetadata{
		ID:          uuid.New().String(),
		ManifestURL: manifestURL,
		OutputPath:  outputPath,
		CreatedTime: now,
		UpdatedTime: now,
		Status:      StatusDownloading,
	}

	query := `INSERT INTO jobs (id, manifest_url, output_path, created_time, updated_time, status) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := r.db.Exec(query, meta.ID, meta.ManifestURL, meta.OutputPath, meta.CreatedTime, meta.UpdatedTime, string(meta.Status)); err != nil {
		return nil, err
	}
	return meta, nil
}

func (r *Repository) GetJob(id string) (*JobMetadata, error) {
	query := `SELECT id, manifest_url, output_path, total_tasks, failed_tasks, created_time, updated_time, status, error FROM jobs WHERE id = ?`
	meta, err := scanJob(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// UpdateJobStatus moves a job to status; errMsg is stored as given
func (r *Repository) UpdateJobStatus(id string, status Status, errMsg string) error {
	query := `UPDATE jobs SET status = ?, error = ?, updated_time = ? WHERE id = ?`
	res, err := r.db.Exec(query, string(status), errMsg, time.Now(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// UpdateJobCounts stores the task totals of a job
func (r *Repository) UpdateJobCounts(id string, total, failed int) error {
	query := `UPDATE jobs SET total_tasks = ?, failed_tasks = ?, updated_time = ? WHERE id = ?`
	res, err := r.db.Exec(query, total, failed, time.Now(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ListJobs returns the most recent jobs first; limit <= 0 means all
func (r *Repository) ListJobs(limit int) ([]JobMetadata, error) {
	query := `SELECT id, manifest_url, output_path, total_tasks, failed_tasks, created_time, updated_time, status, error FROM jobs ORDER BY created_time DESC, rowid DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobMetadata
	for rows.Next() {
		meta, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *meta)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job and its items
func (r *Repository) DeleteJob(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// items first; the foreign_keys pragma only holds on one pooled connection
	if _, err := tx.Exec(`DELETE FROM job_item WHERE job_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete job items: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

// Job Item operations

// RecordResults stores one item per settled task. A task recorded again for
// the same destination replaces the earlier row.
func (r *Repository) RecordResults(jobID string, results []model.Result) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO job_item (job_id, destination, url, success, attempts, bytes, error) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, res := range results {
		errMsg := ""
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		if _, err := stmt.Exec(jobID, res.Task.Destination, res.Task.URL, res.Success, res.Attempts, res.Bytes, errMsg); err != nil {
			return fmt.Errorf("record %s: %w", res.Task.URL, err)
		}
	}
	return tx.Commit()
}

// GetJobItems returns all recorded items for a given job
func (r *Repository) GetJobItems(jobID string) ([]JobItem, error) {
	query := `SELECT destination, url, success, attempts, bytes, error FROM job_item WHERE job_id = ? ORDER BY id`
	rows, err := r.db.Query(query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []JobItem
	for rows.Next() {
		var item JobItem
		if err := rows.Scan(&item.Destination, &item.URL, &item.Success, &item.Attempts, &item.Bytes, &item.Error); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*JobMetadata, error) {
	var meta JobMetadata
	var status string
	err := row.Scan(&meta.ID, &meta.ManifestURL, &meta.OutputPath, &meta.TotalTasks, &meta.FailedTasks,
		&meta.CreatedTime, &meta.UpdatedTime, &status, &meta.Error)
	if err != nil {
		return nil, err
	}
	meta.Status = Status(status)
	return &meta, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}
