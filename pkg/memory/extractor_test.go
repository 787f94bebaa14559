package memory

import (
	"context"
	"testing"

	"github.com/scoopge/scoop/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFactResponse_PlainArray(t *testing.T) {
	facts := parseFactResponse(`[{"fact": "ალერგია აქვს თხილზე", "importance": 0.9, "category": "allergy"}]`)
	require.Len(t, facts, 1)
	assert.Equal(t, "ალერგია აქვს თხილზე", facts[0].Fact)
	assert.Equal(t, 0.9, facts[0].Importance)
	assert.Equal(t, "allergy", facts[0].Category)
}

func TestParseFactResponse_FencedJSON(t *testing.T) {
	text := "აი შედეგი:\n```json\n[{\"fact\": \"ვეგანია\", \"importance\": 0.7, \"category\": \"preference\"}]\n```"
	facts := parseFactResponse(text)
	require.Len(t, facts, 1)
	assert.Equal(t, "ვეგანია", facts[0].Fact)
}

func TestParseFactResponse_TrailingCommaTolerated(t *testing.T) {
	facts := parseFactResponse(`ფაქტები: [{"fact": "წონა 80კგ", "importance": 0.8, "category": "physical"},]`)
	require.Len(t, facts, 1)
	assert.Equal(t, "წონა 80კგ", facts[0].Fact)
}

func TestParseFactResponse_DefaultsApplied(t *testing.T) {
	facts := parseFactResponse(`[{"fact": "სახელი გიორგი"}]`)
	require.Len(t, facts, 1)
	assert.Equal(t, 0.6, facts[0].Importance)
	assert.Equal(t, "preference", facts[0].Category)
}

func TestParseFactResponse_GarbageYieldsNothing(t *testing.T) {
	assert.Empty(t, parseFactResponse("ვერაფერი ვიპოვე"))
	assert.Empty(t, parseFactResponse("[]"))
	assert.Empty(t, parseFactResponse(`[{"fact": "  "}]`))
}

type scriptedClient struct {
	text string
	err  error
}

func (c *scriptedClient) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Candidates: []llm.Candidate{{
		Parts:        []llm.Part{{Text: c.text}},
		FinishReason: llm.FinishStop,
	}}}, nil
}

func (c *scriptedClient) GenerateStream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.Chunk, <-chan error) {
	chunks := make(chan llm.Chunk)
	errs := make(chan error, 1)
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *scriptedClient) Embed(ctx context.Context, text string, dim int) ([]float32, error) {
	return make([]float32, dim), nil
}

func TestFactExtractor_EmptyConversation(t *testing.T) {
	ex := NewFactExtractor(&scriptedClient{text: "[]"}, "gemini-2.5-flash")
	facts, err := ex.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestFactExtractor_ExtractsFromConversation(t *testing.T) {
	ex := NewFactExtractor(&scriptedClient{
		text: `[{"fact": "ლაქტოზის აუტანლობა აქვს", "importance": 0.9, "category": "health"}]`,
	}, "gemini-2.5-flash")

	facts, err := ex.Extract(context.Background(), []llm.Message{
		llm.TextMessage(llm.RoleUser, "რძის პროტეინი არ შემიძლია, ლაქტოზა მაწუხებს"),
	})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "health", facts[0].Category)
}
