// Package llm is the transport core for strict-JSON model calls: provider
// selection, per-call and total deadlines, bounded retries, a per-provider
// circuit breaker, reply schema validation and stage emission.
package llm

import "fmt"

// Failure taxonomy kinds, stable across retries and surfaced on the final
// unavailable error.
const (
	KindTimeout        = "NARRATIVE_TIMEOUT"
	KindNetwork        = "NARRATIVE_NETWORK"
	KindHTTPStatus     = "NARRATIVE_HTTP_STATUS"
	KindJSONParse      = "NARRATIVE_JSON_PARSE"
	KindSchemaValidate = "NARRATIVE_SCHEMA_VALIDATE"
)

// ParseError is a single-attempt failure to obtain a schema-valid JSON
// reply. Raw is already redacted and truncated.
type ParseError struct {
	Kind string
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("llm reply rejected (%s): %v | raw=%s", e.Kind, e.Err, e.Raw)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnavailableError is returned after all attempts are exhausted (or the
// breaker is open). The step pipeline maps it to HTTP 503 LLM_UNAVAILABLE.
type UnavailableError struct {
	Kind string
	Raw  string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("llm unavailable (kind=%s): %v | raw=%s", e.Kind, e.Err, e.Raw)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-2xx provider response.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d", e.StatusCode)
}

// BreakerOpenError is returned when the circuit breaker rejects a call
// without touching the network.
type BreakerOpenError struct {
	Provider string
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for provider %q", e.Provider)
}
