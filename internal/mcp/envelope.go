// Package mcp implements the transport-agnostic MCP request/response engine:
// a named-tool registry, a dispatching core with validation and bounded
// concurrency, and the HTTP/SSE transport in front of it.
package mcp

import (
	"time"

	"github.com/trustmycode/moex-agent/internal/domain"
)

// Metadata describes one tool invocation.
type Metadata struct {
	AsOf       time.Time `json:"as_of"`
	Tool       string    `json:"tool"`
	DurationMS int64     `json:"duration_ms"`
}

// EnvelopeError is the wire form of a failed invocation. Internal details
// (stack traces, wrapped causes) never leak here.
type EnvelopeError struct {
	Type    domain.ErrorCategory `json:"type"`
	Field   string               `json:"field,omitempty"`
	Message string               `json:"message"`
}

// Envelope is the uniform result shape every tool call produces.
type Envelope struct {
	Metadata Metadata       `json:"metadata"`
	Data     any            `json:"data,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	Error    *EnvelopeError `json:"error,omitempty"`
}

// errorEnvelope builds an error envelope from a categorised error.
func errorEnvelope(tool string, started time.Time, err error) *Envelope {
	env := &Envelope{
		Metadata: Metadata{
			AsOf:       started.UTC(),
			Tool:       tool,
			DurationMS: time.Since(started).Milliseconds(),
		},
	}

	var de *domain.Error
	if ok := asDomainError(err, &de); ok {
		env.Error = &EnvelopeError{Type: de.Category, Field: de.Field, Message: de.Message}
	} else {
		env.Error = &EnvelopeError{Type: domain.CategoryUnknown, Message: "internal error"}
	}
	return env
}
