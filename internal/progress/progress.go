// Package progress receives observational events from the fetch engine.
// Sinks must never block or fail a task.
package progress

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Sink is told the batch size once and advanced once per finished task.
type Sink interface {
	Start(desc string, total int)
	Advance(n int)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Start(string, int) {}
func (Nop) Advance(int)       {}

// Counter keeps totals with atomic updates.
type Counter struct {
	total atomic.Int64
	done  atomic.Int64
}

func (c *Counter) Start(_ string, total int) {
	c.total.Store(int64(total))
	c.done.Store(0)
}

func (c *Counter) Advance(n int) {
	c.done.Add(int64(n))
}

// Total returns the announced batch size.
func (c *Counter) Total() int64 {
	return c.total.Load()
}

// Done returns the number of finished tasks.
func (c *Counter) Done() int64 {
	return c.done.Load()
}

// LogSink logs a line each time another step percent of the batch is done.
type LogSink struct {
	Counter
	logger  *zap.Logger
	step    int64
	desc    atomic.Value
	lastPct atomic.Int64
}

// NewLogSink creates a LogSink reporting every step percent (10 if step <= 0).
func NewLogSink(logger *zap.Logger, step int) *LogSink {
	if step <= 0 {
		step = 10
	}
	s := &LogSink{logger: logger, step: int64(step)}
	s.desc.Store("")
	return s
}

func (s *LogSink) Start(desc string, total int) {
	s.Counter.Start(desc, total)
	s.desc.Store(desc)
	s.lastPct.Store(0)
	s.logger.Info("progress started", zap.String("task", desc), zap.Int("total", total))
}

func (s *LogSink) Advance(n int) {
	s.Counter.Advance(n)

	total := s.Total()
	if total <= 0 {
		return
	}
	done := s.Done()
	pct := done * 100 / total
	bucket := pct / s.step * s.step

	for {
		last := s.lastPct.Load()
		if bucket <= last {
			return
		}
		if s.lastPct.CompareAndSwap(last, bucket) {
			break
		}
	}

	s.logger.Info("progress",
		zap.String("task", s.desc.Load().(string)),
		zap.Int64("done", done),
		zap.Int64("total", total),
		zap.Int64("percent", bucket))
}
