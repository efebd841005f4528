package llm

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/fableforge/storyrun/pkg/config"
	"github.com/fableforge/storyrun/pkg/events"
)

// backoffSchedule is the wait before the second and third attempts. Waits
// are clamped to the remaining total deadline.
var backoffSchedule = []time.Duration{500 * time.Millisecond, time.Second}

// Transport runs model calls with bounded retries, per-call and total
// deadlines, the circuit breaker, reply validation and stage emission.
// It is shared by every session worker and safe for concurrent use.
type Transport struct {
	provider       Provider
	breaker        *Breaker
	locales        *LocaleTable
	perCallTimeout time.Duration
	totalDeadline  time.Duration
	maxAttempts    int

	// maxNetAttempts caps attempts lost to network or timeout failures,
	// separately from maxAttempts which also covers bad replies. Zero means
	// no separate cap.
	maxNetAttempts int

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTransport builds the transport for the configured environment. ENV=test
// selects the deterministic stub provider.
func NewTransport(cfg *config.Settings) (*Transport, error) {
	locales, err := LoadLocales(cfg.StoryDefaultLocale)
	if err != nil {
		return nil, err
	}
	var provider Provider
	if cfg.IsTest() {
		provider = NewStubProvider()
	} else {
		provider = NewHTTPProvider(cfg)
	}
	return &Transport{
		provider: provider,
		breaker: NewBreaker(provider.Name(), cfg.LLMBreakerWindow,
			cfg.LLMBreakerFailThreshold, cfg.LLMBreakerOpenFor),
		locales:        locales,
		perCallTimeout: cfg.LLMTimeout,
		totalDeadline:  cfg.LLMTotalDeadline,
		maxAttempts:    cfg.LLMMaxRetries,
		maxNetAttempts: cfg.LLMRetryAttemptsNetwork,
		sleep:          sleepCtx,
	}, nil
}

// NewTransportWithProvider is the test seam: it wires an explicit provider
// behind the same retry and breaker machinery.
func NewTransportWithProvider(cfg *config.Settings, provider Provider) (*Transport, error) {
	t, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	t.provider = provider
	t.breaker = NewBreaker(provider.Name(), cfg.LLMBreakerWindow,
		cfg.LLMBreakerFailThreshold, cfg.LLMBreakerOpenFor)
	return t, nil
}

// TotalDeadline reports the configured total model budget for one step.
func (t *Transport) TotalDeadline() time.Duration { return t.totalDeadline }

// SelectChoice runs the selector call and returns the validated selection.
func (t *Transport) SelectChoice(ctx context.Context, system, user, locale string, emit events.Emitter) (*Selection, error) {
	req := &Request{Kind: KindSelection, System: system, User: user, Locale: locale}
	t.emitStage(emit, events.StageSelectionStart, locale, req.Kind, 0)
	var sel *Selection
	_, err := t.run(ctx, req, emit, func(reply string) error {
		decoded, derr := DecodeSelection(reply)
		sel = decoded
		return derr
	})
	if err != nil {
		return nil, err
	}
	return sel, nil
}

// Narrate runs the narrator call and returns the validated narrative.
func (t *Transport) Narrate(ctx context.Context, system, user, locale string, emit events.Emitter) (*Narrative, error) {
	req := &Request{Kind: KindNarrative, System: system, User: user, Locale: locale}
	t.emitStage(emit, events.StageNarrationStart, locale, req.Kind, 0)
	var n *Narrative
	_, err := t.run(ctx, req, emit, func(reply string) error {
		decoded, derr := DecodeNarrative(reply)
		n = decoded
		return derr
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// run executes up to maxAttempts provider calls until check accepts a
// reply. Every failure mode retries, though network and timeout failures
// stop at their own attempt budget; attempts also stop early when the
// total deadline is spent or the parent context is cancelled.
func (t *Transport) run(ctx context.Context, req *Request, emit events.Emitter, check func(string) error) (string, error) {
	if err := t.breaker.Allow(); err != nil {
		return "", &UnavailableError{Kind: KindNetwork, Err: err}
	}

	var lastKind, lastRaw string
	var lastErr error
	var netFailures int
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			t.emitStage(emit, events.StageLLMRetry, req.Locale, req.Kind, attempt)
			wait := backoffSchedule[min(attempt-2, len(backoffSchedule)-1)]
			if deadline, ok := ctx.Deadline(); ok {
				if remaining := time.Until(deadline); wait > remaining {
					wait = remaining
				}
			}
			if wait > 0 {
				if err := t.sleep(ctx, wait); err != nil {
					break
				}
			}
		}
		if err := ctx.Err(); err != nil {
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, t.perCallTimeout)
		reply, err := t.provider.Complete(attemptCtx, req)
		cancel()
		if err == nil {
			err = check(reply)
			if err == nil {
				t.breaker.RecordSuccess()
				return reply, nil
			}
		}

		lastErr = err
		lastKind = classifyKind(err)
		lastRaw = redactedRawOf(err)
		if lastKind == KindNetwork || lastKind == KindTimeout {
			t.breaker.RecordFailure()
			netFailures++
		}
		slog.Warn("LLM attempt failed",
			"provider", t.provider.Name(),
			"request_kind", string(req.Kind),
			"attempt", attempt,
			"kind", lastKind,
			"error", err)
		if ctx.Err() != nil {
			break
		}
		if t.maxNetAttempts > 0 && netFailures >= t.maxNetAttempts {
			break
		}
	}

	if lastErr == nil {
		lastErr = ctx.Err()
		lastKind = KindTimeout
		if errors.Is(lastErr, context.Canceled) {
			return "", lastErr
		}
	}
	return "", &UnavailableError{Kind: lastKind, Raw: lastRaw, Err: lastErr}
}

// emitStage forwards one stage event. A panicking or misbehaving emitter
// must never break the model workflow.
func (t *Transport) emitStage(emit events.Emitter, stageCode, locale string, kind RequestKind, attempt int) {
	if emit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stage emitter panicked", "stage_code", stageCode, "panic", r)
		}
	}()
	emit.Emit(events.StageEvent{
		StageCode:   stageCode,
		Label:       t.locales.Label(locale, stageCode),
		Locale:      locale,
		RequestKind: string(kind),
		Attempt:     attempt,
	})
}

func classifyKind(err error) string {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return KindHTTPStatus
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

func redactedRawOf(err error) string {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Raw
	}
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return he.Body
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
