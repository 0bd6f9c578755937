package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// JobSpec is one entry of a batch file.
type JobSpec struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// batchFile accepts either a bare list or a document with a jobs key.
type batchFile struct {
	Jobs []JobSpec `yaml:"jobs"`
}

// LoadJobs reads a YAML batch file.
func LoadJobs(path string) ([]JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	return ParseJobs(data)
}

// ParseJobs decodes batch YAML and drops entries without a URL.
func ParseJobs(data []byte) ([]JobSpec, error) {
	var specs []JobSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		var doc batchFile
		if derr := yaml.Unmarshal(data, &doc); derr != nil {
			return nil, fmt.Errorf("failed to parse batch file: %w", err)
		}
		specs = doc.Jobs
	}

	jobs := make([]JobSpec, 0, len(specs))
	for _, s := range specs {
		s.URL = strings.TrimSpace(s.URL)
		if s.URL == "" {
			continue
		}
		jobs = append(jobs, s)
	}
	return jobs, nil
}

// BatchSummary counts the jobs of one batch run.
type BatchSummary struct {
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
}

// RunBatch runs jobs one after another. A failed job is logged and counted;
// the rest still run. A cancelled context stops the batch.
func (p *Pipeline) RunBatch(ctx context.Context, jobs []JobSpec) BatchSummary {
	summary := BatchSummary{Total: len(jobs)}
	for i, entry := range jobs {
		if ctx.Err() != nil {
			summary.Failed += len(jobs) - i
			p.logger.Warn("batch cancelled", zap.Int("remaining", len(jobs)-i))
			break
		}

		out, err := p.Run(ctx, entry.URL, entry.Name)
		if err != nil {
			summary.Failed++
			p.logger.Error("job failed", zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		summary.Succeeded++
		if out.Skipped {
			summary.Skipped++
		}
	}

	p.logger.Info("batch finished",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("total", summary.Total),
		zap.Int("failed", summary.Failed))
	return summary
}
