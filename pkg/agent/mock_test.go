package agent

import (
	"context"
	"errors"

	"github.com/scoopge/scoop/pkg/llm"
)

// mockLLMClient replays scripted responses. Each call consumes the next
// response (or error) in order.
type mockLLMClient struct {
	responses []*llm.Response
	errs      []error
	callCount int
	requests  []llm.GenerateRequest
}

func (m *mockLLMClient) next() (*llm.Response, error) {
	i := m.callCount
	m.callCount++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return nil, errors.New("mock: no more scripted responses")
}

func (m *mockLLMClient) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.Response, error) {
	m.requests = append(m.requests, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next()
}

func (m *mockLLMClient) GenerateStream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.Chunk, <-chan error) {
	m.requests = append(m.requests, req)
	chunks := make(chan llm.Chunk, 8)
	errs := make(chan error, 1)

	resp, err := m.next()
	go func() {
		defer close(chunks)
		defer close(errs)
		if err != nil {
			errs <- err
			return
		}
		if c := resp.First(); c != nil {
			for _, p := range c.Parts {
				switch {
				case p.FunctionCall != nil:
					chunks <- llm.Chunk{FunctionCalls: []llm.FunctionCall{*p.FunctionCall}}
				case p.Text != "":
					chunks <- llm.Chunk{Text: p.Text}
				}
			}
			chunks <- llm.Chunk{FinishReason: c.FinishReason, Final: true}
		}
	}()
	return chunks, errs
}

func (m *mockLLMClient) Embed(ctx context.Context, text string, dim int) ([]float32, error) {
	return make([]float32, dim), nil
}

func textResponse(text string) *llm.Response {
	return &llm.Response{Candidates: []llm.Candidate{{
		Parts:        []llm.Part{{Text: text}},
		FinishReason: llm.FinishStop,
	}}}
}

func callResponse(calls ...llm.FunctionCall) *llm.Response {
	c := llm.Candidate{FinishReason: llm.FinishStop}
	for i := range calls {
		call := calls[i]
		c.Parts = append(c.Parts, llm.Part{FunctionCall: &call})
	}
	return &llm.Response{Candidates: []llm.Candidate{c}}
}

func emptyResponse() *llm.Response {
	return &llm.Response{Candidates: []llm.Candidate{{FinishReason: llm.FinishStop}}}
}

func searchCall(query string) llm.FunctionCall {
	return llm.FunctionCall{Name: SearchProductsTool, Args: map[string]any{"query": query}}
}

// searchHandler returns the given products for every query.
func searchHandler(products ...map[string]any) ToolHandler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"products": products, "count": len(products)}, nil
	}
}
