package llmprovider

import (
	"context"
	"errors"
)

// FakeProvider is an in-memory Provider for tests: it returns a fixed
// response (or cycles through Responses) without any network call.
type FakeProvider struct {
	Responses []string
	Err       error
	calls     int
	Prompts   []string
}

// Generate returns the next configured response, cycling if Responses is
// shorter than the number of calls.
func (p *FakeProvider) Generate(ctx context.Context, prompt string) (string, error) {
	p.Prompts = append(p.Prompts, prompt)
	if p.Err != nil {
		return "", p.Err
	}
	if len(p.Responses) == 0 {
		return "", errors.New("fake provider: no responses configured")
	}
	resp := p.Responses[p.calls%len(p.Responses)]
	p.calls++
	return resp, nil
}
