package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig tunes the Gemini client.
type GeminiConfig struct {
	APIKey          string
	Temperature     float32
	TopP            float32
	MaxOutputTokens int32
	EnableSafety    bool
	MaxRetries      int
	BaseRetryDelay  time.Duration
	EmbeddingModel  string
}

// DefaultGeminiConfig returns the production defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		Temperature:     1.0,
		TopP:            0.95,
		MaxOutputTokens: 8192,
		EnableSafety:    true,
		MaxRetries:      3,
		BaseRetryDelay:  2 * time.Second,
		EmbeddingModel:  "gemini-embedding-001",
	}
}

// GeminiClient implements Client on top of the genai SDK. Function calls are
// never auto-executed: the loop owns all tool dispatch, so sync and streaming
// paths share one function-calling implementation.
type GeminiClient struct {
	client *genai.Client
	config GeminiConfig
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GeminiClient{client: client, config: cfg}, nil
}

var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
}

func (c *GeminiClient) generateConfig(req GenerateRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(c.config.Temperature),
		TopP:            genai.Ptr(c.config.TopP),
		MaxOutputTokens: c.config.MaxOutputTokens,
	}
	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if c.config.EnableSafety {
		cfg.SafetySettings = safetySettings
	}
	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, t := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{tool}
	}
	return cfg
}

func toContents(history []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		content := &genai.Content{Role: m.Role}
		for _, p := range m.Parts {
			switch {
			case p.FunctionCall != nil:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args},
				})
			case p.FunctionResponse != nil:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{Name: p.FunctionResponse.Name, Response: p.FunctionResponse.Response},
				})
			default:
				content.Parts = append(content.Parts, &genai.Part{Text: p.Text})
			}
		}
		contents = append(contents, content)
	}
	return contents
}

func toFinishReason(fr genai.FinishReason) FinishReason {
	switch fr {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishMaxTokens
	case genai.FinishReasonSafety:
		return FinishSafety
	case genai.FinishReasonRecitation:
		return FinishRecitation
	case genai.FinishReasonUnspecified:
		return FinishUnknown
	default:
		return FinishOther
	}
}

func toResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{}
	if resp == nil {
		return out
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		out.PromptFeedback = &PromptFeedback{BlockReason: string(resp.PromptFeedback.BlockReason)}
	}
	for _, cand := range resp.Candidates {
		c := Candidate{FinishReason: toFinishReason(cand.FinishReason)}
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				if p == nil || p.Thought {
					continue
				}
				switch {
				case p.FunctionCall != nil:
					c.Parts = append(c.Parts, Part{FunctionCall: &FunctionCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args}})
				case p.Text != "":
					c.Parts = append(c.Parts, Part{Text: p.Text})
				}
			}
		}
		out.Candidates = append(out.Candidates, c)
	}
	return out
}

// Generate performs one completion with bounded retry on transient errors.
func (c *GeminiClient) Generate(ctx context.Context, req GenerateRequest) (*Response, error) {
	cfg := c.generateConfig(req)
	contents := toContents(req.History)

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.BaseRetryDelay * time.Duration(1<<(attempt-1))
			slog.Warn("Gemini call retrying", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
		if err == nil {
			return toResponse(resp), nil
		}
		lastErr = err
		if !IsRateLimit(err) && !IsServerError(err) {
			break
		}
	}
	return nil, fmt.Errorf("gemini generate (model=%s): %w", req.Model, lastErr)
}

// GenerateStream performs one streaming completion. Thought parts are
// forwarded as thought chunks so the engine can drive native thinking mode.
func (c *GeminiClient) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	cfg := c.generateConfig(req)
	contents := toContents(req.History)

	go func() {
		defer close(chunks)
		defer close(errs)

		for resp, err := range c.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			if err != nil {
				errs <- fmt.Errorf("gemini stream (model=%s): %w", req.Model, err)
				return
			}
			for _, out := range toChunks(resp) {
				select {
				case chunks <- out:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
		select {
		case chunks <- Chunk{Final: true}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

func toChunks(resp *genai.GenerateContentResponse) []Chunk {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	cand := resp.Candidates[0]

	var out []Chunk
	chunk := Chunk{FinishReason: toFinishReason(cand.FinishReason)}
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if p == nil {
				continue
			}
			switch {
			case p.Thought && p.Text != "":
				out = append(out, Chunk{Text: p.Text, Thought: true})
			case p.FunctionCall != nil:
				chunk.FunctionCalls = append(chunk.FunctionCalls, FunctionCall{Name: p.FunctionCall.Name, Args: p.FunctionCall.Args})
			case p.Text != "":
				chunk.Text += p.Text
			}
		}
	}
	if chunk.Text != "" || len(chunk.FunctionCalls) > 0 || chunk.FinishReason != FinishUnknown {
		out = append(out, chunk)
	}
	return out
}

// Embed returns an embedding for text. Supported dims are 768 and 3072.
func (c *GeminiClient) Embed(ctx context.Context, text string, dim int) ([]float32, error) {
	result, err := c.client.Models.EmbedContent(ctx, c.config.EmbeddingModel,
		genai.Text(text),
		&genai.EmbedContentConfig{OutputDimensionality: genai.Ptr(int32(dim))})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini embed: empty result")
	}
	return result.Embeddings[0].Values, nil
}
