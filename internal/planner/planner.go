// Package planner implements the task planner (spec §4.7): it turns a
// natural-language task into a list of WorkerTasks, either via an LLM
// decomposition call or a caller-supplied manual list. Prompt construction
// follows the plain fmt.Sprintf templating style used throughout the
// teacher's agent package — no template-engine dependency appears anywhere
// in the pack for single-shot prompt construction.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/swarmcore/internal/llmprovider"
	"github.com/haasonsaas/swarmcore/internal/swarmerr"
	"github.com/haasonsaas/swarmcore/internal/swarmtypes"
)

// Options parameters a single decomposition call (spec §4.7).
type Options struct {
	MaxWorkers        int
	AllowDependencies bool
	OutputFormat      string
}

// Planner decomposes a task into WorkerTasks using an LLMProvider.
type Planner struct {
	provider llmprovider.Provider
}

// New creates a Planner backed by provider.
func New(provider llmprovider.Provider) *Planner {
	return &Planner{provider: provider}
}

type decompositionSubtask struct {
	Instruction              string   `json:"instruction"`
	StartURL                 string   `json:"startUrl,omitempty"`
	EstimatedDurationMinutes float64  `json:"estimatedDurationMinutes,omitempty"`
	Dependencies             []string `json:"dependencies,omitempty"`
}

type decompositionResponse struct {
	Subtasks             []decompositionSubtask `json:"subtasks"`
	Reasoning            string                 `json:"reasoning"`
	SuggestedWorkerCount int                    `json:"suggestedWorkerCount"`
}

// buildPrompt renders the deterministic decomposition prompt template
// (spec §6).
func buildPrompt(task string, opts Options) string {
	dependencyNote := "Subtasks must be independent; do not emit a \"dependencies\" field."
	if opts.AllowDependencies {
		dependencyNote = "If a subtask depends on another's output, list its index-derived id in \"dependencies\"."
	}

	return fmt.Sprintf(`You are decomposing a task into parallel worker subtasks.

Task: %s

Decompose this task into at most %d independent subtasks that can run in parallel.
%s
Respond with ONLY a JSON object of the form:
{
  "subtasks": [{"instruction": "...", "startUrl": "...", "estimatedDurationMinutes": 5, "dependencies": []}],
  "reasoning": "...",
  "suggestedWorkerCount": %d
}`, task, opts.MaxWorkers, dependencyNote, opts.MaxWorkers)
}

// stripCodeFence trims a leading/trailing markdown code fence, including an
// optional "json" language tag (spec §4.7 step 2).
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimPrefix(s, "JSON")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Decompose calls the LLM provider to plan task, validates its output
// against the decomposition schema, and maps it to WorkerTasks truncated to
// opts.MaxWorkers (spec §4.7).
func (p *Planner) Decompose(ctx context.Context, task string, opts Options) ([]swarmtypes.WorkerTask, error) {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 5
	}

	raw, err := p.provider.Generate(ctx, buildPrompt(task, opts))
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.KindDecompositionFailed, err)
	}

	cleaned := stripCodeFence(raw)

	var payload any
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, swarmerr.Wrap(swarmerr.KindDecompositionFailed, fmt.Errorf("parse decomposition JSON: %w", err))
	}
	if err := validateDecomposition(payload); err != nil {
		return nil, swarmerr.Wrap(swarmerr.KindDecompositionFailed, fmt.Errorf("validate decomposition: %w", err))
	}

	var resp decompositionResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, swarmerr.Wrap(swarmerr.KindDecompositionFailed, fmt.Errorf("decode decomposition: %w", err))
	}

	// The LLM references subtasks by their position in resp.Subtasks (the
	// prompt's "index-derived id"), not by the UUID each one gets below, so
	// those ids have to be allocated up front before Dependencies can be
	// resolved against them.
	ids := make([]string, len(resp.Subtasks))
	for i := range resp.Subtasks {
		ids[i] = uuid.NewString()
	}

	tasks := make([]swarmtypes.WorkerTask, 0, len(resp.Subtasks))
	for i, st := range resp.Subtasks {
		wt := swarmtypes.WorkerTask{
			ID:          ids[i],
			Instruction: st.Instruction,
			StartURL:    st.StartURL,
		}
		if st.EstimatedDurationMinutes > 0 {
			wt.TimeoutMs = int(st.EstimatedDurationMinutes * 60 * 1000)
		}
		if opts.AllowDependencies {
			wt.Dependencies = resolveDependencyIDs(st.Dependencies, ids)
		}
		tasks = append(tasks, wt)
	}

	if len(tasks) > opts.MaxWorkers {
		tasks = tasks[:opts.MaxWorkers]
	}
	if opts.AllowDependencies {
		dropDanglingDependencies(tasks)
	}
	return tasks, nil
}

// resolveDependencyIDs maps the LLM's index-derived dependency references
// (e.g. "0", "1") onto the generated task ids at those positions. A
// reference that isn't a valid index is dropped rather than carried through
// as a dependency id the queue could never resolve.
func resolveDependencyIDs(deps []string, ids []string) []string {
	if len(deps) == 0 {
		return nil
	}
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		idx, err := strconv.Atoi(strings.TrimSpace(d))
		if err != nil || idx < 0 || idx >= len(ids) {
			continue
		}
		out = append(out, ids[idx])
	}
	return out
}

// dropDanglingDependencies strips any dependency id that doesn't name a task
// still present in tasks, which happens when MaxWorkers truncation drops the
// task a dependency pointed at.
func dropDanglingDependencies(tasks []swarmtypes.WorkerTask) {
	present := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		present[t.ID] = true
	}
	for i := range tasks {
		if len(tasks[i].Dependencies) == 0 {
			continue
		}
		var kept []string
		for _, dep := range tasks[i].Dependencies {
			if present[dep] {
				kept = append(kept, dep)
			}
		}
		tasks[i].Dependencies = kept
	}
}

// ManualTask is a caller-supplied subtask bypassing the LLM (spec §4.7:
// "manual-fallback path").
type ManualTask struct {
	Instruction string
	StartURL    string
	TimeoutMs   int
}

// FromManualList maps caller-supplied tasks to WorkerTasks with fresh ids,
// making no LLM call.
func FromManualList(tasks []ManualTask) []swarmtypes.WorkerTask {
	out := make([]swarmtypes.WorkerTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, swarmtypes.WorkerTask{
			ID:          uuid.NewString(),
			Instruction: t.Instruction,
			StartURL:    t.StartURL,
			TimeoutMs:   t.TimeoutMs,
		})
	}
	return out
}
