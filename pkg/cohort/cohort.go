// Package cohort runs the subject pipeline over every subject of a cohort
// on a bounded pool of workers.
package cohort

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"cortexmind/internal/models"
	"cortexmind/pkg/metrics"
	"cortexmind/pkg/pipeline"
)

// Processor handles one subject. Implementations must not share mutable
// state between calls.
type Processor interface {
	Process(ctx context.Context, id models.SubjectID) pipeline.Result
}

// Orchestrator discovers subjects and processes them in parallel
type Orchestrator struct {
	Discoverer Discoverer
	Processor  Processor

	// OutputDir is created before any subject runs
	OutputDir string

	// Workers bounds concurrency; 0 or less means runtime.NumCPU()
	Workers int

	// Recorder is optional
	Recorder *metrics.Recorder

	Logger *slog.Logger
}

// Summary is the outcome of a run
type Summary struct {
	// Results holds one entry per started subject, in discovery order
	Results []pipeline.Result

	// NotStarted lists subjects never scheduled because the run was cancelled
	NotStarted []models.SubjectID

	Duration time.Duration
}

// Written returns the number of subjects that produced an output file
func (s *Summary) Written() int {
	n := 0
	for _, r := range s.Results {
		if r.Written() {
			n++
		}
	}
	return n
}

// Skipped groups the skipped subjects by terminal state
func (s *Summary) Skipped() map[pipeline.State][]models.SubjectID {
	out := make(map[pipeline.State][]models.SubjectID)
	for _, r := range s.Results {
		if !r.Written() {
			out[r.State] = append(out[r.State], r.Subject)
		}
	}
	return out
}

// Run processes the whole cohort. It returns an error only when the cohort
// cannot be discovered or the output directory cannot be created; subject
// failures are reported in the Summary.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	logger := o.logger()

	ids, err := o.Discoverer.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering subjects: %w", err)
	}

	if err := os.MkdirAll(o.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	workers := o.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger.Info("processing cohort",
		slog.Int("subjects", len(ids)), slog.Int("workers", workers))

	results := make([]pipeline.Result, len(ids))
	started := make([]bool, len(ids))

	var g errgroup.Group
	g.SetLimit(workers)

	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		started[i] = true
		i, id := i, id
		g.Go(func() error {
			results[i] = o.processOne(ctx, id)
			return nil // Subject failures never stop the group
		})
	}
	_ = g.Wait()

	summary := &Summary{Duration: time.Since(start)}
	for i, id := range ids {
		if started[i] {
			summary.Results = append(summary.Results, results[i])
		} else {
			summary.NotStarted = append(summary.NotStarted, id)
		}
	}

	logger.Info("cohort finished",
		slog.Int("written", summary.Written()),
		slog.Int("skipped", len(summary.Results)-summary.Written()),
		slog.Int("not_started", len(summary.NotStarted)),
		slog.Duration("elapsed", summary.Duration))
	return summary, nil
}

// processOne isolates a subject: a panic escaping the processor is turned
// into a compute failure for that subject alone.
func (o *Orchestrator) processOne(ctx context.Context, id models.SubjectID) (res pipeline.Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = pipeline.Result{
				Subject: id,
				State:   pipeline.ComputeFailed,
				Err:     fmt.Errorf("worker panic: %v", r),
			}
			o.logger().Error("worker panicked",
				slog.String("subject", id.String()), slog.Any("panic", r))
		}
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		o.Recorder.Observe(res.State.String(), res.Written(), res.Regions, res.Duration)
	}()

	return o.Processor.Process(ctx, id)
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}
