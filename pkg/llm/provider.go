package llm

import "context"

// RequestKind labels the two model call shapes of a step.
type RequestKind string

const (
	KindSelection RequestKind = "selection"
	KindNarrative RequestKind = "narrative"
)

// Request is one model call. System and User are fully rendered prompts;
// the transport never edits them.
type Request struct {
	Kind   RequestKind
	System string
	User   string
	Locale string
}

// Provider issues a single completion attempt. Implementations honour ctx
// cancellation and return the raw reply text without post-processing;
// classification, parsing and validation live in the transport.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (string, error)
}
