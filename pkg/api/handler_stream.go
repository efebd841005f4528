package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fableforge/storyrun/pkg/events"
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/pipeline"
)

// SSE event names on the step stream. Exactly one terminal event (result or
// error) ends every stream.
const (
	sseEventStage  = "stage"
	sseEventResult = "result"
	sseEventError  = "error"
)

type stepOutcome struct {
	resp *models.StepResponse
	serr *pipeline.StepError
}

// streamErrorEnvelope is the terminal error frame. The stream itself always
// answers 200, so the frame carries the status the plain step endpoint would
// have returned alongside the usual detail.
type streamErrorEnvelope struct {
	Status int         `json:"status"`
	Detail errorDetail `json:"detail"`
}

// stepStreamHandler runs one player turn while streaming stage events over
// SSE. The pipeline runs detached from the request context: once a step has
// started it commits or fails atomically regardless of client disconnects,
// and the terminal event is simply lost on a dead connection.
// POST /api/v1/sessions/:id/step/stream
func (s *Server) stepStreamHandler(c *echo.Context) error {
	req, serr := decodeStepRequest(c)
	if serr != nil {
		return respondStepError(c, serr)
	}

	emitter := events.NewChannelEmitter(32)
	done := make(chan stepOutcome, 1)
	go func() {
		resp, stepErr := s.engine.Step(context.WithoutCancel(c.Request().Context()), req, emitter)
		done <- stepOutcome{resp: resp, serr: stepErr}
		emitter.Close()
	}()

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	// Stage events until the pipeline goroutine closes the channel. Write
	// errors mean the client went away; keep draining so the step finishes.
	for ev := range emitter.Events() {
		writeSSE(w, rc, sseEventStage, ev)
	}

	outcome := <-done
	if outcome.serr != nil {
		writeSSE(w, rc, sseEventError, streamErrorEnvelope{
			Status: outcome.serr.Status,
			Detail: errorDetail{
				Code:    outcome.serr.Code,
				Message: outcome.serr.Message,
			},
		})
		return nil
	}
	writeSSE(w, rc, sseEventResult, outcome.resp)
	return nil
}

func writeSSE(w http.ResponseWriter, rc *http.ResponseController, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return
	}
	_ = rc.Flush()
}
