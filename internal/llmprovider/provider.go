// Package llmprovider defines the LLM capability interface consumed by the
// task planner and streaming synthesizer (spec §6), plus concrete adapters
// grounded on the teacher's internal/agent/providers package.
package llmprovider

import "context"

// Provider generates a single text completion for prompt. Implementations
// must be safe for concurrent use (spec §6, grounded on
// internal/agent/provider_types.go's LLMProvider thread-safety contract).
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}
