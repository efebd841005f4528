// Package events defines the stage-progress events emitted while a step
// runs, and the emitter implementations used by the LLM transport and the
// SSE step transport.
package events

import "log/slog"

// Stage codes emitted during a step, in pipeline order.
const (
	StageSelectionStart = "play.selection.start"
	StageNarrationStart = "play.narration.start"
	StageLLMRetry       = "llm.retry"
)

// StageEvent is one intermediate, human-facing progress marker.
type StageEvent struct {
	StageCode   string `json:"stage_code"`
	Label       string `json:"label"`
	Locale      string `json:"locale"`
	Task        string `json:"task,omitempty"`
	RequestKind string `json:"request_kind,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
}

// Emitter receives stage events. Implementations must be safe to call from
// the step worker goroutine and must never block the pipeline for long.
type Emitter interface {
	Emit(ev StageEvent)
}

// NopEmitter discards all stage events. Used by the non-streaming step
// endpoint.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(StageEvent) {}

// ChannelEmitter forwards stage events into a bounded channel read by the
// SSE transport. When the buffer is full the event is dropped: stage events
// are best-effort and must never stall the pipeline.
type ChannelEmitter struct {
	ch chan StageEvent
}

// NewChannelEmitter creates a ChannelEmitter with the given buffer size.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelEmitter{ch: make(chan StageEvent, buffer)}
}

// Emit implements Emitter.
func (e *ChannelEmitter) Emit(ev StageEvent) {
	select {
	case e.ch <- ev:
	default:
		slog.Debug("Stage event dropped, emitter buffer full",
			"stage_code", ev.StageCode)
	}
}

// Events returns the receive side of the emitter channel.
func (e *ChannelEmitter) Events() <-chan StageEvent {
	return e.ch
}

// Close closes the channel. Call only after the pipeline goroutine has
// returned; the SSE transport drains remaining events before the terminal
// event.
func (e *ChannelEmitter) Close() {
	close(e.ch)
}
