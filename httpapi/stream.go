package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/isdmx/flowbox/sandbox"
)

// Event types of the streaming endpoint, in emission order
const (
	EventStart    = "start"
	EventProgress = "progress"
	EventSuccess  = "success"
	EventError    = "error"
	EventComplete = "complete"
)

// streamSink forwards log_progress lines to the event stream
type streamSink struct {
	ctx    context.Context
	events chan<- StreamEvent
}

func (s streamSink) Append(line string) error {
	select {
	case s.events <- StreamEvent{Type: EventProgress, Content: &line}:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *Server) handleExecuteStream(c *fiber.Ctx) error {
	req, err := s.parseExecute(c)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events := make(chan StreamEvent, 16)
		go s.streamExecution(ctx, req, events)

		broken := false
		for ev := range events {
			if broken {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				// client went away, stop the run and drain
				s.logger.Debug("stream client disconnected", zap.Error(err))
				broken = true
				cancel()
			}
		}
	}))
	return nil
}

func (s *Server) streamExecution(ctx context.Context, req sandbox.ExecuteRequest, events chan<- StreamEvent) {
	defer close(events)

	started := "Starting execution..."
	events <- StreamEvent{Type: EventStart, Content: &started}

	result, err := s.executor.Execute(ctx, req, streamSink{ctx: ctx, events: events})
	if err != nil {
		msg := err.Error()
		events <- StreamEvent{Type: EventError, Content: &msg, ErrorType: string(sandbox.ErrorKindRuntime)}
		return
	}

	if result.Success {
		events <- StreamEvent{Type: EventSuccess, Content: result.Output}
	} else {
		events <- StreamEvent{Type: EventError, Content: result.Error, ErrorType: string(result.ErrorKind)}
	}
	elapsed := result.ExecutionTime.Seconds()
	events <- StreamEvent{Type: EventComplete, ExecutionTime: &elapsed}
}

func writeEvent(w *bufio.Writer, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}
