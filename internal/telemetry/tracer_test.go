package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartTraceRecordsRootSpan(t *testing.T) {
	tr := NewTracer(TraceConfig{ServiceName: "test"})
	ctx, traceID, span := tr.StartTrace(context.Background(), "swarm.execute", map[string]any{"task": "scrape"})
	tr.EndSpan(span, nil)

	spans := tr.Trace(traceID)
	require.Len(t, spans, 1)
	assert.Equal(t, "swarm.execute", spans[0].Name)
	assert.Equal(t, "ok", spans[0].Status)
	assert.Empty(t, spans[0].ParentID)
	assert.NotNil(t, ctx)
}

func TestStartSpanNestsUnderParent(t *testing.T) {
	tr := NewTracer(TraceConfig{ServiceName: "test"})
	ctx, traceID, root := tr.StartTrace(context.Background(), "swarm.execute", nil)
	defer tr.EndSpan(root, nil)

	_, child := tr.StartSpan(ctx, "worker.spawn", map[string]any{"workerId": "w1"})
	tr.EndSpan(child, nil)

	spans := tr.Trace(traceID)
	require.Len(t, spans, 2)
	assert.Equal(t, "worker.spawn", spans[1].Name)
	assert.NotEmpty(t, spans[1].ParentID)
}

func TestEndSpanWithErrorRecordsExceptionEvent(t *testing.T) {
	tr := NewTracer(TraceConfig{ServiceName: "test"})
	_, traceID, span := tr.StartTrace(context.Background(), "worker.run", nil)
	tr.EndSpan(span, errors.New("navigation timeout"))

	spans := tr.Trace(traceID)
	require.Len(t, spans, 1)
	assert.Equal(t, "error", spans[0].Status)
	require.Len(t, spans[0].Events, 1)
	assert.Contains(t, spans[0].Events[0], "navigation timeout")
}

func TestTraceReturnsNilForUnknownID(t *testing.T) {
	tr := NewTracer(TraceConfig{ServiceName: "test"})
	assert.Nil(t, tr.Trace("nonexistent"))
}
