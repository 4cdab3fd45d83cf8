package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerAllPassingIsHealthy(t *testing.T) {
	hc := NewHealthChecker(
		Check{Name: "registry", Critical: true, Run: func(context.Context) (bool, string) { return true, "" }},
		Check{Name: "bus", Critical: false, Run: func(context.Context) (bool, string) { return true, "" }},
	)
	report := hc.Run(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestHealthCheckerNonCriticalFailureIsDegraded(t *testing.T) {
	hc := NewHealthChecker(
		Check{Name: "registry", Critical: true, Run: func(context.Context) (bool, string) { return true, "" }},
		Check{Name: "pool", Critical: false, Run: func(context.Context) (bool, string) { return false, "idle pool empty" }},
	)
	report := hc.Run(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestHealthCheckerCriticalFailureIsUnhealthyEvenWithLaterPass(t *testing.T) {
	hc := NewHealthChecker(
		Check{Name: "registry", Critical: true, Run: func(context.Context) (bool, string) { return false, "unreachable" }},
		Check{Name: "bus", Critical: false, Run: func(context.Context) (bool, string) { return true, "" }},
	)
	report := hc.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	require.Len(t, report.Checks, 2)
}
