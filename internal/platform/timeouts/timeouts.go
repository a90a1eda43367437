// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between pipeline stages and makes
// the durations discoverable.
package timeouts

import "time"

// Generation caps a single generation call, including connection setup.
const Generation = 30 * time.Second

// GenerationBackoffBase is the first retry delay for transient generation
// failures; subsequent delays double per attempt.
const GenerationBackoffBase = 1 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the server waits for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second
