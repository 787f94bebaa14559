package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/scoopge/scoop/pkg/agent"
	"github.com/scoopge/scoop/pkg/assembly"
	"github.com/scoopge/scoop/pkg/llm"
)

// Event is one server-sent event. Type becomes the SSE event name, Data
// the JSON payload.
type Event struct {
	Type string
	Data map[string]any
}

// newEvent stamps the event type into the data map; the SSE contract
// repeats the type inside the JSON payload.
func newEvent(typ string, data map[string]any) Event {
	data["type"] = typ
	return Event{Type: typ, Data: data}
}

func thinkingEvent(e *ThinkingEvent) Event {
	return Event{Type: "thinking", Data: e.SSEData()}
}

func errorEvent(resp ErrorResponse) Event {
	return newEvent("error", map[string]any{
		"code":      string(resp.Code),
		"message":   resp.Message,
		"can_retry": resp.CanRetry,
	})
}

// ProcessStream runs one turn and emits SSE events as it goes: thinking
// steps first for immediate feedback, then the assembled text, products,
// tip and quick replies, closed by a done event. Failures produce a single
// error event. The channel closes when the turn is over.
func (e *Engine) ProcessStream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		e.streamTurn(ctx, req, events)
	}()
	return events
}

func (e *Engine) streamTurn(ctx context.Context, req Request, events chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	tc, err := e.loadContext(ctx, req)
	if err != nil {
		slog.Error("Context load failed in stream", "user_id", req.UserID, "error", err)
		emit(errorEvent(ErrorResponseFor(ErrCodeInternal)))
		return
	}

	thinking := NewThinkingManager(e.config.ThinkingStrategy, nil)
	for _, step := range thinking.InitialEvents(req.Message) {
		step := step
		if !emit(thinkingEvent(&step)) {
			return
		}
		if e.config.ThinkingDelay > 0 {
			select {
			case <-time.After(e.config.ThinkingDelay):
			case <-ctx.Done():
				return
			}
		}
	}

	executor := agent.NewExecutor(req.UserID, e.config.MaxUniqueQueries)
	e.registerTools(executor, req.UserID, tc)
	e.preflightSearch(ctx, req, tc, executor)

	callbacks := agent.Callbacks{
		OnThought: func(text string) {
			if thinking.Strategy() != ThinkingNative || text == "" {
				return
			}
			step := thinking.stepEvent(text)
			emit(thinkingEvent(&step))
		},
		OnFunctionCall: func(call llm.FunctionCall) {
			if ev := thinking.FunctionCallEvent(call.Name); ev != nil {
				emit(thinkingEvent(ev))
			}
		},
	}

	// History is saved on every exit path so a mid-stream failure cannot
	// lose the tool results already produced.
	var finalHistory []llm.Message
	saved := false
	defer func() {
		if !saved && len(finalHistory) > 0 {
			slog.Info("Backup save after stream exit", "session_id", tc.sessionID)
			e.persist(context.WithoutCancel(ctx), req.UserID, tc, finalHistory)
		}
	}()

	state, history, model, fallbackUsed, err := e.runLoop(ctx, tc, req, executor, callbacks, true)
	finalHistory = history
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		resp := ClassifyError(err)
		slog.Error("Stream turn failed", "session_id", tc.sessionID, "code", resp.Code, "error", err)
		emit(errorEvent(resp))
		return
	}

	if fallbackUsed {
		if ev := thinking.FallbackEvent(); ev != nil {
			if !emit(thinkingEvent(ev)) {
				return
			}
		}
	}
	if state.RetryAttempted {
		if ev := thinking.RetryEvent(len(state.Products)); ev != nil {
			if !emit(thinkingEvent(ev)) {
				return
			}
		}
	}
	if ev := thinking.CompletionEvent(); ev != nil {
		if !emit(thinkingEvent(ev)) {
			return
		}
	}

	buffer := assembly.NewBuffer()
	buffer.SetText(state.Text)
	buffer.AddProducts(state.Products)
	snapshot := buffer.Finalize()

	if !emit(newEvent("text", map[string]any{"content": snapshot.Text})) {
		return
	}
	if len(snapshot.Products) > 0 {
		// When the model already rendered the products inside the text,
		// sending cards again would duplicate them for the client.
		content := ""
		if !assembly.HasValidProductMarkdown(snapshot.Text) {
			content = assembly.FormatProductsMarkdown(snapshot.Products)
		}
		if !emit(newEvent("products", map[string]any{
			"content":  content,
			"products": snapshot.Products,
		})) {
			return
		}
	}
	if snapshot.Tip != "" {
		if !emit(newEvent("tip", map[string]any{"content": snapshot.Tip})) {
			return
		}
	}
	if len(snapshot.QuickReplies) > 0 {
		if !emit(newEvent("quick_replies", map[string]any{"replies": snapshot.QuickReplies})) {
			return
		}
	}

	e.persist(ctx, req.UserID, tc, finalHistory)
	saved = true
	e.recordUsage(ctx, req.UserID, tc, finalHistory)

	emit(newEvent("done", map[string]any{
		"success":         true,
		"session_id":      tc.sessionID,
		"elapsed_seconds": time.Since(tc.started).Seconds(),
		"thinking_steps":  thinking.StepCount(),
		"model_used":      model,
		"fallback_used":   fallbackUsed,
	}))
}

// stepEvent wraps a native thought chunk as a numbered step.
func (m *ThinkingManager) stepEvent(text string) ThinkingEvent {
	m.step++
	return ThinkingEvent{Content: text, Step: m.step}
}
