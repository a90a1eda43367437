package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/Daakon/stone-caster-2-sub003/internal/platform/errors"
	"github.com/Daakon/stone-caster-2-sub003/internal/platform/timeouts"
)

var (
	// ErrTimeout indicates an attempt exceeded the per-call deadline.
	// Timeouts are terminal for the request, never retried internally.
	ErrTimeout = apperrors.New(apperrors.CodeUpstreamTimeout, "generation timed out")
	// ErrUpstream indicates the provider kept failing after bounded retries.
	ErrUpstream = apperrors.New(apperrors.CodeUpstreamFailure, "generation failed after retries")
)

// defaultMaxAttempts bounds transient-failure retries per request.
const defaultMaxAttempts = 3

// Output is one generation result plus the attempt count that produced it.
type Output struct {
	Text     string
	Model    string
	Attempts int
}

// Client wraps an Invoker with the pipeline's timeout and retry policy.
type Client struct {
	invoker     Invoker
	model       string
	timeout     time.Duration
	backoffBase time.Duration
	maxAttempts int
}

// NewClient creates a client with the shared platform timeouts.
func NewClient(invoker Invoker, model string) *Client {
	return &Client{
		invoker:     invoker,
		model:       model,
		timeout:     timeouts.Generation,
		backoffBase: timeouts.GenerationBackoffBase,
		maxAttempts: defaultMaxAttempts,
	}
}

// Generate runs the prompt with retry and timeout policy applied. Transient
// provider failures retry with exponential backoff (base, base*2, ...); a
// deadline overrun fails immediately with ErrTimeout.
func (c *Client) Generate(ctx context.Context, prompt string) (Output, error) {
	if c == nil || c.invoker == nil {
		return Output{}, fmt.Errorf("generation invoker is not configured")
	}
	if strings.TrimSpace(prompt) == "" {
		return Output{}, fmt.Errorf("prompt is required")
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.backoffBase
	exp.Multiplier = 2
	exp.RandomizationFactor = 0

	attempts := 0
	text, err := backoff.Retry(ctx, func() (string, error) {
		attempts++
		output, err := c.attempt(ctx, prompt)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		return output, nil
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(uint(c.maxAttempts)))
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return Output{Attempts: attempts}, err
		}
		return Output{Attempts: attempts}, apperrors.Wrap(apperrors.CodeUpstreamFailure, ErrUpstream.Message, err)
	}
	return Output{Text: text, Model: c.model, Attempts: attempts}, nil
}

// Repair performs exactly one corrective round-trip for output that parsed
// or validated badly. It never retries; a second bad result is terminal for
// the request.
func (c *Client) Repair(ctx context.Context, prompt, badOutput string) (Output, error) {
	if c == nil || c.invoker == nil {
		return Output{}, fmt.Errorf("generation invoker is not configured")
	}

	corrective := repairPrompt(prompt, badOutput)
	text, err := c.attempt(ctx, corrective)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return Output{Attempts: 1}, err
		}
		return Output{Attempts: 1}, apperrors.Wrap(apperrors.CodeUpstreamFailure, "repair generation failed", err)
	}
	return Output{Text: text, Model: c.model, Attempts: 1}, nil
}

// attempt runs a single invocation under the per-call deadline.
func (c *Client) attempt(ctx context.Context, prompt string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.invoker.Invoke(attemptCtx, InvokeInput{Model: c.model, Prompt: prompt})
	if err != nil {
		if attemptCtx.Err() != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return "", apperrors.Wrap(apperrors.CodeUpstreamTimeout, ErrTimeout.Message, err)
		}
		return "", err
	}
	return result.OutputText, nil
}

func repairPrompt(prompt, badOutput string) string {
	return prompt + "\n\nYour previous response could not be used:\n" + badOutput +
		"\n\nRespond again with only a valid JSON object in the requested shape."
}
