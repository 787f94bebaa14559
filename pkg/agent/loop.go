package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scoopge/scoop/pkg/llm"
)

// LoopConfig tunes the function-calling loop.
type LoopConfig struct {
	MaxRounds    int
	RoundTimeout time.Duration
	EnableRetry  bool
}

// DefaultLoopConfig returns the production defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxRounds:    3,
		RoundTimeout: 30 * time.Second,
		EnableRetry:  true,
	}
}

// summaryPromptTemplate demands a written recommendation when the model
// went quiet after finding products.
const summaryPromptTemplate = `ნაპოვნია %d პროდუქტი. გთხოვთ დაწეროთ მოკლე რეკომენდაცია ქართულად:

1. რატომ შეესაბამება ეს პროდუქტები მომხმარებლის მოთხოვნას
2. როგორ გამოიყენოს (დოზირება, დრო)
3. რა უნდა გაითვალისწინოს

აუცილებლად დაწერეთ ტექსტი, არა მხოლოდ პროდუქტების სია!`

// LoopState is the loop's final outcome.
type LoopState struct {
	Text              string
	Products          []map[string]any
	Rounds            int
	FunctionCallsMade int
	RetryAttempted    bool
	LastFinishReason  llm.FinishReason
}

// Callbacks receive streaming progress. All are optional.
type Callbacks struct {
	OnThought      func(text string)
	OnTextChunk    func(text string)
	OnFunctionCall func(call llm.FunctionCall)
}

// Loop runs the multi-round function-calling conversation: send message,
// execute any requested tools, feed results back, repeat until the model
// answers in text or the round budget runs out.
//
// When a round emits both prelude text and function calls, the calls win
// and the prelude is discarded: the text is an interrupted thought, not
// the answer.
type Loop struct {
	client    llm.Client
	executor  *Executor
	config    LoopConfig
	callbacks Callbacks

	model  string
	system string
	tools  []llm.ToolDefinition

	history []llm.Message
	state   LoopState
}

// NewLoop creates a loop for one conversation turn.
func NewLoop(client llm.Client, executor *Executor, model, system string, tools []llm.ToolDefinition, cfg LoopConfig, cb Callbacks) *Loop {
	return &Loop{
		client:    client,
		executor:  executor,
		config:    cfg,
		callbacks: cb,
		model:     model,
		system:    system,
		tools:     tools,
	}
}

// FinalHistory returns the working history after the loop, ready for
// session persistence.
func (l *Loop) FinalHistory() []llm.Message { return l.history }

type roundOutput struct {
	result       RoundResult
	text         string
	calls        []llm.FunctionCall
	finishReason llm.FinishReason
}

// Run executes the loop starting from history plus the user message.
// The streaming flag selects the streaming transport and drives callbacks;
// round semantics are identical on both paths.
func (l *Loop) Run(ctx context.Context, history []llm.Message, userMessage string, streaming bool) (*LoopState, error) {
	l.history = append(append([]llm.Message{}, history...), llm.TextMessage(llm.RoleUser, userMessage))

	for round := 1; round <= l.config.MaxRounds; round++ {
		slog.Info("Loop round", "round", round, "max_rounds", l.config.MaxRounds)

		output, err := l.runRound(ctx, round, streaming)
		if err != nil {
			return nil, err
		}
		l.state.Rounds = round
		l.state.LastFinishReason = output.finishReason

		slog.Info("Round result",
			"round", round, "result", output.result,
			"text_len", len(output.text), "function_calls", len(output.calls))

		switch output.result {
		case RoundComplete:
			l.state.Text += output.text
			l.history = append(l.history, llm.TextMessage(llm.RoleModel, output.text))
			l.emitText(output.text)
			l.state.Products = l.executor.Products()
			return &l.state, nil

		case RoundContinue:
			l.continueWithCalls(ctx, output.calls)

		case RoundEmpty:
			if l.shouldRetry() {
				slog.Info("Retrying with summary demand", "products", len(l.executor.Products()))
				l.state.RetryAttempted = true
				l.history = append(l.history, llm.TextMessage(llm.RoleUser, l.summaryPrompt()))
				continue
			}
			l.state.Products = l.executor.Products()
			return nil, &EmptyResponseError{
				Rounds:         round,
				ProductsFound:  len(l.state.Products),
				RetryAttempted: l.state.RetryAttempted,
			}
		}
	}

	// Round budget exhausted without a text answer. One last summary-demand
	// attempt when products exist and retry is still available.
	if strings.TrimSpace(l.state.Text) == "" && l.shouldRetry() {
		slog.Info("Final retry attempt after max rounds")
		l.state.RetryAttempted = true
		l.history = append(l.history, llm.TextMessage(llm.RoleUser, l.summaryPrompt()))
		output, err := l.runRound(ctx, l.config.MaxRounds+1, streaming)
		if err != nil {
			return nil, err
		}
		if output.result == RoundComplete {
			l.state.Text += output.text
			l.history = append(l.history, llm.TextMessage(llm.RoleModel, output.text))
			l.emitText(output.text)
		}
	}

	l.state.Products = l.executor.Products()
	if strings.TrimSpace(l.state.Text) == "" {
		return nil, &EmptyResponseError{
			Rounds:         l.config.MaxRounds,
			ProductsFound:  len(l.state.Products),
			RetryAttempted: l.state.RetryAttempted,
		}
	}
	return &l.state, nil
}

func (l *Loop) continueWithCalls(ctx context.Context, calls []llm.FunctionCall) {
	l.state.FunctionCallsMade += len(calls)

	modelMsg := llm.Message{Role: llm.RoleModel}
	for i := range calls {
		call := calls[i]
		modelMsg.Parts = append(modelMsg.Parts, llm.Part{FunctionCall: &call})
		if l.callbacks.OnFunctionCall != nil {
			l.callbacks.OnFunctionCall(call)
		}
	}
	l.history = append(l.history, modelMsg)

	results := l.executor.ExecuteBatch(ctx, calls)

	respMsg := llm.Message{Role: llm.RoleUser}
	for i, result := range results {
		respMsg.Parts = append(respMsg.Parts, llm.Part{FunctionResponse: &llm.FunctionResponse{
			Name:     calls[i].Name,
			Response: result.Response,
		}})
	}
	l.history = append(l.history, respMsg)
}

func (l *Loop) runRound(ctx context.Context, round int, streaming bool) (*roundOutput, error) {
	roundCtx, cancel := context.WithTimeout(ctx, l.config.RoundTimeout)
	defer cancel()

	var (
		output *roundOutput
		err    error
	)
	if streaming {
		output, err = l.streamRound(roundCtx)
	} else {
		output, err = l.blockingRound(roundCtx)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			slog.Error("Round timed out", "round", round, "timeout", l.config.RoundTimeout)
			return nil, &RoundTimeoutError{Round: round, Timeout: l.config.RoundTimeout.String()}
		}
		return nil, fmt.Errorf("round %d: %w", round, err)
	}
	return output, nil
}

func (l *Loop) blockingRound(ctx context.Context) (*roundOutput, error) {
	resp, err := l.client.Generate(ctx, l.request())
	if err != nil {
		return nil, err
	}

	output := &roundOutput{}
	if c := resp.First(); c != nil {
		output.finishReason = c.FinishReason
	}
	output.text = resp.Text()
	output.calls = resp.FunctionCalls()
	l.classify(output)
	return output, nil
}

func (l *Loop) streamRound(ctx context.Context) (*roundOutput, error) {
	chunks, errs := l.client.GenerateStream(ctx, l.request())

	output := &roundOutput{}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Thought {
			if l.callbacks.OnThought != nil {
				l.callbacks.OnThought(chunk.Text)
			}
			continue
		}
		// Text is buffered per round rather than forwarded immediately: if
		// a function call follows, the buffered prelude must be dropped.
		text.WriteString(chunk.Text)
		output.calls = append(output.calls, chunk.FunctionCalls...)
		if chunk.FinishReason != llm.FinishUnknown {
			output.finishReason = chunk.FinishReason
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}

	output.text = text.String()
	l.classify(output)
	return output, nil
}

func (l *Loop) classify(output *roundOutput) {
	switch {
	case len(output.calls) > 0:
		output.result = RoundContinue
		if strings.TrimSpace(output.text) != "" {
			slog.Info("Discarding prelude text in favor of function calls",
				"chars", len(output.text), "calls", len(output.calls))
			output.text = ""
		}
	case strings.TrimSpace(output.text) != "":
		output.result = RoundComplete
	default:
		output.result = RoundEmpty
	}
}

func (l *Loop) request() llm.GenerateRequest {
	return llm.GenerateRequest{
		Model:   l.model,
		System:  l.system,
		History: l.history,
		Tools:   l.tools,
	}
}

func (l *Loop) emitText(text string) {
	if l.callbacks.OnTextChunk != nil && text != "" {
		l.callbacks.OnTextChunk(text)
	}
}

func (l *Loop) shouldRetry() bool {
	return l.config.EnableRetry &&
		len(l.executor.Products()) > 0 &&
		!l.state.RetryAttempted
}

func (l *Loop) summaryPrompt() string {
	return fmt.Sprintf(summaryPromptTemplate, len(l.executor.Products()))
}
