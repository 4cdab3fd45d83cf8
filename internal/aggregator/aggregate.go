// Package aggregator implements the result aggregator (spec §4.10): batch
// aggregation of a swarm's completed/failed workers into a single
// SwarmResult, and a streaming variant that buffers per-worker results as
// they arrive and combines them on demand.
package aggregator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/swarmcore/internal/registry"
	"github.com/haasonsaas/swarmcore/internal/swarmerr"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

// Format selects how a batch aggregation's result is rendered when no
// Synthesizer is configured (spec §4.10 "Formatting").
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// WorkerResultEntry is a completed worker's contribution, shared by batch
// and streaming aggregation.
type WorkerResultEntry struct {
	WorkerID    string
	TaskID      string
	Instruction string
	Result      any
	DurationMs  int64
	// Confidence weights this entry in vote-mode combination. Zero means
	// "unset", which combine treats as 1.
	Confidence float64
}

// Synthesizer optionally produces the final result from a task and its
// worker entries, in place of the built-in formatter (spec's
// "Synthesizer { synthesize(task, results, format) → value }" capability).
type Synthesizer interface {
	Synthesize(ctx context.Context, task string, entries []WorkerResultEntry, format Format) (any, error)
}

// Metrics summarizes a batch aggregation (spec §4.10).
type Metrics struct {
	TotalDurationMs       int64
	WorkerCount           int
	SuccessfulWorkers     int
	FailedWorkers         int
	TotalActionsPerformed int
}

// Result is the outcome of a batch aggregation.
type Result struct {
	Partial  bool
	Warnings []string
	Result   any
	Metrics  Metrics
}

// Aggregator performs batch aggregation over a Registry's workers.
type Aggregator struct {
	registry    *registry.Registry
	synthesizer Synthesizer
}

// New creates an Aggregator. synthesizer may be nil, in which case the
// built-in formatter is used.
func New(reg *registry.Registry, synthesizer Synthesizer) *Aggregator {
	return &Aggregator{registry: reg, synthesizer: synthesizer}
}

// Aggregate collects swarmID's completed and failed workers, computes
// metrics and warnings, and synthesizes or formats the final result (spec
// §4.10 "aggregate(swarmId, format)").
func (a *Aggregator) Aggregate(ctx context.Context, swarmID string, format Format) (*Result, error) {
	swarm, ok := a.registry.Get(swarmID)
	if !ok {
		return nil, swarmerr.New(swarmerr.KindNotFound, "swarm not found: "+swarmID)
	}

	workers, err := a.registry.Workers(swarmID)
	if err != nil {
		return nil, err
	}

	var completed, failed []*swarmtypes.Worker
	for _, w := range workers {
		switch w.State {
		case swarmtypes.WorkerCompleted:
			completed = append(completed, w)
		case swarmtypes.WorkerFailed:
			failed = append(failed, w)
		}
	}

	if len(completed) == 0 {
		return nil, swarmerr.New(swarmerr.KindAllWorkersFailed, concatenateErrors(failed))
	}

	entries := make([]WorkerResultEntry, 0, len(completed))
	totalActions := 0
	for _, w := range completed {
		var durationMs int64
		if w.Metrics != nil {
			durationMs = w.Metrics.DurationMs
			totalActions += w.Metrics.ActionsPerformed
		}
		entries = append(entries, WorkerResultEntry{
			WorkerID:    w.ID,
			TaskID:      w.Task.ID,
			Instruction: w.Task.Instruction,
			Result:      w.Result,
			DurationMs:  durationMs,
		})
	}

	var totalDurationMs int64
	if swarm.StartedAt != nil {
		totalDurationMs = time.Since(*swarm.StartedAt).Milliseconds()
	}

	metrics := Metrics{
		TotalDurationMs:       totalDurationMs,
		WorkerCount:           len(workers),
		SuccessfulWorkers:     len(completed),
		FailedWorkers:         len(failed),
		TotalActionsPerformed: totalActions,
	}

	warnings := make([]string, 0, len(failed))
	for _, w := range failed {
		warnings = append(warnings, fmt.Sprintf("%s: %s", truncateInstruction(w.Task.Instruction), w.Error))
	}

	var rendered any
	if a.synthesizer != nil {
		rendered, err = a.synthesizer.Synthesize(ctx, swarm.Task, entries, format)
		if err != nil {
			return nil, err
		}
	} else {
		rendered, err = FormatEntries(entries, format)
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		Partial:  len(failed) > 0,
		Warnings: warnings,
		Result:   rendered,
		Metrics:  metrics,
	}, nil
}

func truncateInstruction(instruction string) string {
	const maxLen = 60
	if len(instruction) <= maxLen {
		return instruction
	}
	return instruction[:maxLen] + "..."
}

func concatenateErrors(failed []*swarmtypes.Worker) string {
	msgs := make([]string, 0, len(failed))
	for _, w := range failed {
		msgs = append(msgs, fmt.Sprintf("%s: %s", w.ID, w.Error))
	}
	return strings.Join(msgs, "; ")
}
