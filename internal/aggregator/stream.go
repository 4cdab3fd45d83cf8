package aggregator

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ChunkType discriminates a StreamChunk's payload shape.
type ChunkType string

const (
	ChunkProgress   ChunkType = "progress"
	ChunkPartial    ChunkType = "partial"
	ChunkAggregated ChunkType = "aggregated"
)

// StreamChunk is one element of a swarm's result stream (spec §4.10
// "processResult").
type StreamChunk struct {
	Type             ChunkType
	SwarmID          string
	WorkerID         string
	TaskID           string
	Data             any
	Timestamp        time.Time
	Progress         int
	TotalWorkers     int
	CompletedWorkers int
}

// StreamStats tracks arrival timing for a swarm's stream (spec §4.10).
type StreamStats struct {
	FirstResultAt time.Time
	LastResultAt  time.Time
	TotalChunks   int
	AvgLatencyMs  float64
}

// Mode selects how a streaming aggregation combines buffered entries (spec
// §4.10 "aggregate(swarmId, format)" mode-specific combination; named Mode
// here to avoid colliding with the batch aggregator's rendering Format).
type Mode string

const (
	ModeMerge  Mode = "merge"
	ModeConcat Mode = "concat"
	ModeVote   Mode = "vote"
	ModeCustom Mode = "custom"
)

// ConflictInfo records a key that two workers wrote different values for
// during merge combination (spec's Conflict glossary entry).
type ConflictInfo struct {
	Key        string
	Values     map[string]any // workerId -> value, "previous" sentinel for the pre-conflict value
	Resolution string
	Resolved   any
}

// ConcatEntry is one element of concat-mode output.
type ConcatEntry struct {
	Task       string
	Result     any
	WorkerID   string
	DurationMs int64
}

// CombineOptions parameterizes mode-specific combination.
type CombineOptions struct {
	// ConflictResolution selects merge's tie-break strategy: one of
	// "first", "last", "majority", "highest-confidence". Defaults to "last".
	ConflictResolution string
	// MinVoteConfidence is the threshold below which vote mode still
	// returns the winner but adds a warning. Defaults to 0.5.
	MinVoteConfidence float64
	// Merger implements ModeCustom.
	Merger func(entries []WorkerResultEntry) (any, error)
}

// AggregatedStreamResult is the outcome of combining a swarm's buffered
// stream entries.
type AggregatedStreamResult struct {
	Result     any
	Conflicts  []ConflictInfo
	Votes      map[string]float64
	Confidence float64
	Warnings   []string
}

type swarmBuffer struct {
	mu        sync.Mutex
	results   []WorkerResultEntry
	stats     StreamStats
	history   []StreamChunk
	subs      []chan StreamChunk
	done      bool
}

// StreamAggregator buffers per-worker results as they arrive and serves
// them as a replayable chunk stream until the swarm's aggregation completes
// (spec §4.10 "Streaming aggregation").
//
// Grounded on the teacher's multiagent.Swarm.Process: a goroutine writes
// into a buffered channel that is closed on completion; this generalizes
// that to one channel-of-chunks per swarm, with a replay history so a new
// subscriber joining mid-stream still sees everything emitted so far.
type StreamAggregator struct {
	mu           sync.Mutex
	buffers      map[string]*swarmBuffer
	emitPartials bool
}

// NewStreamAggregator creates a StreamAggregator. emitPartials selects whether
// ProcessResult chunks carry the worker's raw Data (type "partial") or omit
// it (type "progress").
func NewStreamAggregator(emitPartials bool) *StreamAggregator {
	return &StreamAggregator{buffers: make(map[string]*swarmBuffer), emitPartials: emitPartials}
}

func (a *StreamAggregator) bufferFor(swarmID string) *swarmBuffer {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[swarmID]
	if !ok {
		buf = &swarmBuffer{}
		a.buffers[swarmID] = buf
	}
	return buf
}

// ProcessResult appends wr to swarmID's buffer, updates stream stats, and
// emits a chunk to every active subscriber (spec §4.10 "processResult").
func (a *StreamAggregator) ProcessResult(swarmID string, wr WorkerResultEntry, totalWorkers, completedWorkers int) {
	buf := a.bufferFor(swarmID)

	buf.mu.Lock()
	buf.results = append(buf.results, wr)
	now := time.Now()
	if buf.stats.FirstResultAt.IsZero() {
		buf.stats.FirstResultAt = now
	}
	buf.stats.LastResultAt = now
	buf.stats.TotalChunks++
	if span := buf.stats.LastResultAt.Sub(buf.stats.FirstResultAt); span > 0 {
		buf.stats.AvgLatencyMs = float64(span.Milliseconds()) / float64(buf.stats.TotalChunks)
	}

	chunkType := ChunkProgress
	var data any
	if a.emitPartials {
		chunkType = ChunkPartial
		data = wr.Result
	}

	progress := 0
	if totalWorkers > 0 {
		progress = completedWorkers * 100 / totalWorkers
	}

	chunk := StreamChunk{
		Type:             chunkType,
		SwarmID:          swarmID,
		WorkerID:         wr.WorkerID,
		TaskID:           wr.TaskID,
		Data:             data,
		Timestamp:        now,
		Progress:         progress,
		TotalWorkers:     totalWorkers,
		CompletedWorkers: completedWorkers,
	}
	subs := buf.publishLocked(chunk)
	buf.mu.Unlock()

	deliver(subs, chunk)
}

func (buf *swarmBuffer) publishLocked(chunk StreamChunk) []chan StreamChunk {
	buf.history = append(buf.history, chunk)
	return append([]chan StreamChunk(nil), buf.subs...)
}

func deliver(subs []chan StreamChunk, chunk StreamChunk) {
	for _, ch := range subs {
		ch <- chunk
	}
}

// CreateStream returns a channel replaying every chunk emitted so far for
// swarmID followed by future chunks, closed once the swarm's final
// "aggregated" chunk has been delivered. The caller cancels by discarding
// the channel and calling the returned function, which stops further
// delivery (spec §4.10 "createStream").
func (a *StreamAggregator) CreateStream(swarmID string) (<-chan StreamChunk, func()) {
	buf := a.bufferFor(swarmID)

	buf.mu.Lock()
	ch := make(chan StreamChunk, len(buf.history)+64)
	for _, c := range buf.history {
		ch <- c
	}
	done := buf.done
	if !done {
		buf.subs = append(buf.subs, ch)
	} else {
		close(ch)
	}
	buf.mu.Unlock()

	cancel := func() {
		buf.mu.Lock()
		defer buf.mu.Unlock()
		for i, s := range buf.subs {
			if s == ch {
				buf.subs = append(buf.subs[:i], buf.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// Aggregate combines swarmID's buffered entries per mode and emits the
// final "aggregated" chunk, closing every active CreateStream subscriber
// (spec §4.10 "aggregate(swarmId, format)").
func (a *StreamAggregator) Aggregate(swarmID string, mode Mode, opts CombineOptions) (*AggregatedStreamResult, error) {
	buf := a.bufferFor(swarmID)

	buf.mu.Lock()
	entries := append([]WorkerResultEntry(nil), buf.results...)
	buf.mu.Unlock()

	result, err := combine(entries, mode, opts)
	if err != nil {
		return nil, err
	}

	finalChunk := StreamChunk{
		Type:             ChunkAggregated,
		SwarmID:          swarmID,
		Data:             result.Result,
		Timestamp:        time.Now(),
		TotalWorkers:     len(entries),
		CompletedWorkers: len(entries),
	}

	buf.mu.Lock()
	subs := buf.publishLocked(finalChunk)
	buf.done = true
	buf.subs = nil
	buf.mu.Unlock()

	deliver(subs, finalChunk)
	for _, ch := range subs {
		close(ch)
	}

	return result, nil
}

func combine(entries []WorkerResultEntry, mode Mode, opts CombineOptions) (*AggregatedStreamResult, error) {
	switch mode {
	case ModeMerge:
		return combineMerge(entries, opts)
	case ModeConcat:
		return combineConcat(entries), nil
	case ModeVote:
		return combineVote(entries, opts), nil
	case ModeCustom:
		if opts.Merger == nil {
			return nil, fmt.Errorf("aggregator: custom mode requires a Merger")
		}
		out, err := opts.Merger(entries)
		if err != nil {
			return nil, err
		}
		return &AggregatedStreamResult{Result: out}, nil
	default:
		return nil, fmt.Errorf("aggregator: unknown mode %q", mode)
	}
}

func combineConcat(entries []WorkerResultEntry) *AggregatedStreamResult {
	out := make([]ConcatEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ConcatEntry{Task: e.Instruction, Result: e.Result, WorkerID: e.WorkerID, DurationMs: e.DurationMs})
	}
	return &AggregatedStreamResult{Result: out}
}

func combineMerge(entries []WorkerResultEntry, opts CombineOptions) (*AggregatedStreamResult, error) {
	resolution := opts.ConflictResolution
	if resolution == "" {
		resolution = "last"
	}

	merged := make(map[string]any)
	owner := make(map[string]string) // key -> workerId that currently owns merged[key]
	var conflicts []ConflictInfo

	for _, e := range entries {
		obj, ok := e.Result.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range obj {
			existing, had := merged[k]
			if !had {
				merged[k] = v
				owner[k] = e.WorkerID
				continue
			}
			if deepEqual(existing, v) {
				continue
			}

			values := map[string]any{"previous": existing, e.WorkerID: v}
			var resolved any
			switch resolution {
			case "first":
				resolved = existing
			case "last":
				resolved = v
			case "majority":
				resolved = majorityValue(values)
			case "highest-confidence":
				if e.Confidence > confidenceOf(entries, owner[k]) {
					resolved = v
					owner[k] = e.WorkerID
				} else {
					resolved = existing
				}
			default:
				resolved = v
			}

			merged[k] = resolved
			if resolution == "last" {
				owner[k] = e.WorkerID
			}
			conflicts = append(conflicts, ConflictInfo{Key: k, Values: values, Resolution: resolution, Resolved: resolved})
		}
	}

	return &AggregatedStreamResult{Result: merged, Conflicts: conflicts}, nil
}

func confidenceOf(entries []WorkerResultEntry, workerID string) float64 {
	for _, e := range entries {
		if e.WorkerID == workerID {
			return weightOf(e)
		}
	}
	return 0
}

func majorityValue(values map[string]any) any {
	counts := make(map[string]int)
	canon := make(map[string]any)
	for _, v := range values {
		key, _ := json.Marshal(v)
		counts[string(key)]++
		canon[string(key)] = v
	}
	var best string
	bestCount := -1
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if counts[k] > bestCount {
			bestCount = counts[k]
			best = k
		}
	}
	return canon[best]
}

func deepEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

func weightOf(e WorkerResultEntry) float64 {
	if e.Confidence > 0 {
		return e.Confidence
	}
	return 1
}

func combineVote(entries []WorkerResultEntry, opts CombineOptions) *AggregatedStreamResult {
	minConfidence := opts.MinVoteConfidence
	if minConfidence <= 0 {
		minConfidence = 0.5
	}

	weights := make(map[string]float64)
	canon := make(map[string]any)
	var total float64
	for _, e := range entries {
		key, err := json.Marshal(e.Result)
		k := string(key)
		if err != nil {
			k = fmt.Sprintf("%v", e.Result)
		}
		w := weightOf(e)
		weights[k] += w
		canon[k] = e.Result
		total += w
	}

	var winner string
	var winnerWeight float64 = -1
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if weights[k] > winnerWeight {
			winnerWeight = weights[k]
			winner = k
		}
	}

	confidence := 0.0
	if total > 0 {
		confidence = winnerWeight / total
	}

	var warnings []string
	if confidence < minConfidence {
		warnings = append(warnings, fmt.Sprintf("vote confidence %.2f below threshold %.2f", confidence, minConfidence))
	}

	return &AggregatedStreamResult{
		Result:     canon[winner],
		Votes:      weights,
		Confidence: confidence,
		Warnings:   warnings,
	}
}

// Cleanup releases swarmID's buffer, closing any subscriber channels still
// open (spec §5 "the aggregator releases per-swarm buffers via
// cleanup(swarmId)"). Safe to call whether or not Aggregate already ran for
// swarmID; a swarm that failed or was cancelled before aggregating would
// otherwise leak its buffer and strand any CreateStream callers.
func (a *StreamAggregator) Cleanup(swarmID string) {
	a.mu.Lock()
	buf, ok := a.buffers[swarmID]
	if ok {
		delete(a.buffers, swarmID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	buf.mu.Lock()
	subs := buf.subs
	buf.subs = nil
	buf.done = true
	buf.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// Stats returns a snapshot of swarmID's stream stats.
func (a *StreamAggregator) Stats(swarmID string) StreamStats {
	buf := a.bufferFor(swarmID)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.stats
}
