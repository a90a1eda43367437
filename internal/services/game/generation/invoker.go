// Package generation calls the narrative model: one hard timeout per
// attempt, bounded retries with exponential backoff on transient failures,
// and a single corrective repair round-trip for malformed output.
package generation

import "context"

// InvokeInput carries one generation request to a provider.
type InvokeInput struct {
	Model  string
	Prompt string
}

// InvokeResult carries the provider's raw output text.
type InvokeResult struct {
	OutputText string
}

// Invoker performs a single provider round-trip. Implementations do not
// retry; the client owns retry and timeout policy.
type Invoker interface {
	Invoke(ctx context.Context, input InvokeInput) (InvokeResult, error)
}
