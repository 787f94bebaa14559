package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scoopge/scoop/pkg/llm"
)

// Compaction tuning.
const (
	// CompactionThreshold triggers compaction at this share of the
	// context window.
	CompactionThreshold = 0.75

	// PruneRatio is the share of oldest messages folded into the summary.
	PruneRatio = 0.50

	// SummaryMaxTokens bounds the LLM summary.
	SummaryMaxTokens = 500

	// MinMessagesForCompaction avoids compacting short conversations
	// regardless of token pressure.
	MinMessagesForCompaction = 20

	// summaryPrefix marks the compaction summary inside history.
	summaryPrefix = "[წინა საუბრის შეჯამება]"
)

const summarizationPrompt = `შეაჯამე ეს საუბარი მოკლედ, 2-3 წინადადებით.

**რა უნდა შეინარჩუნო:**
- მთავარი თემები (რა პროდუქტები განიხილეს)
- მომხმარებლის გადაწყვეტილებები (რა აირჩია, რა უარყო)
- მნიშვნელოვანი კონტექსტი მომდევნო საუბრისთვის

**ფორმატი:** მხოლოდ ჯამი, არანაირი დამატებითი ტექსტი.

**საუბარი:**
%s`

// TokenCounter estimates history size; satisfied by
// inference.TokenEstimator.
type TokenCounter interface {
	EstimateHistory(history []llm.Message) int
}

// FactSaver persists pre-flushed facts; satisfied by the memory Store
// paired with an embedder.
type FactSaver interface {
	SaveFact(ctx context.Context, userID string, fact Fact) (bool, error)
}

// Embedder produces fact embeddings; satisfied by llm.Client.
type Embedder interface {
	Embed(ctx context.Context, text string, dim int) ([]float32, error)
}

// CompactionResult reports what one compaction did.
type CompactionResult struct {
	Compacted      bool
	OriginalCount  int
	NewCount       int
	FactsExtracted int
	Summary        string
}

// Compactor folds the oldest half of a long conversation into an LLM
// summary, pre-flushing durable facts before they are discarded. When the
// summarization call fails, compaction aborts and the history is kept
// whole: losing context is worse than carrying it.
type Compactor struct {
	client    llm.Client
	counter   TokenCounter
	extractor *FactExtractor
	store     FactSaver

	model             string
	maxContextTokens  int
	systemPromptDebit int
	embeddingDim      int
}

// NewCompactor wires a compactor.
func NewCompactor(client llm.Client, counter TokenCounter, extractor *FactExtractor, store FactSaver, model string, maxContextTokens, embeddingDim int) *Compactor {
	return &Compactor{
		client:            client,
		counter:           counter,
		extractor:         extractor,
		store:             store,
		model:             model,
		maxContextTokens:  maxContextTokens,
		systemPromptDebit: 5000,
		embeddingDim:      embeddingDim,
	}
}

// Utilization returns the context window share history occupies.
func (c *Compactor) Utilization(history []llm.Message) float64 {
	total := c.counter.EstimateHistory(history) + c.systemPromptDebit
	return float64(total) / float64(c.maxContextTokens)
}

// ShouldCompact requires both token pressure and enough messages.
func (c *Compactor) ShouldCompact(history []llm.Message) bool {
	if len(history) < MinMessagesForCompaction {
		return false
	}
	return c.Utilization(history) >= CompactionThreshold
}

// Compact folds the oldest PruneRatio share of history into a summary
// message. Returns the (possibly unchanged) history and a result report.
func (c *Compactor) Compact(ctx context.Context, userID string, history []llm.Message) ([]llm.Message, CompactionResult) {
	result := CompactionResult{OriginalCount: len(history), NewCount: len(history)}
	if len(history) < MinMessagesForCompaction {
		return history, result
	}

	split := int(float64(len(history)) * PruneRatio)
	old := history[:split]
	recent := history[split:]

	slog.Info("Compacting conversation",
		"user_id", userID, "total", len(history), "folding", len(old))

	result.FactsExtracted = c.preFlushFacts(ctx, userID, old)

	summary, err := c.summarize(ctx, old)
	if err != nil || summary == "" {
		slog.Warn("Summarization failed, aborting compaction", "error", err)
		return history, result
	}
	result.Summary = summary

	summaryMsg := llm.TextMessage(llm.RoleModel, summaryPrefix+"\n"+summary)
	compacted := append([]llm.Message{summaryMsg}, recent...)

	result.Compacted = true
	result.NewCount = len(compacted)
	slog.Info("Compaction complete",
		"user_id", userID, "from", result.OriginalCount, "to", result.NewCount,
		"facts", result.FactsExtracted)
	return compacted, result
}

// preFlushFacts extracts and stores durable facts from messages about to
// be discarded. Failures are logged and skipped; compaction proceeds.
func (c *Compactor) preFlushFacts(ctx context.Context, userID string, old []llm.Message) int {
	facts, err := c.extractor.Extract(ctx, old)
	if err != nil {
		slog.Warn("Pre-flush fact extraction failed", "error", err)
		return 0
	}

	saved := 0
	for _, ef := range facts {
		text := ef.Fact
		if runes := []rune(text); len(runes) > 200 {
			text = string(runes[:200])
		}
		embedding, err := c.client.Embed(ctx, text, c.embeddingDim)
		if err != nil {
			slog.Warn("Skipping fact, embedding failed", "error", err)
			continue
		}
		ok, err := c.store.SaveFact(ctx, userID, Fact{
			Text:       text,
			Category:   ef.Category,
			Importance: ef.Importance,
			Embedding:  embedding,
		})
		if err != nil {
			slog.Warn("Pre-flush fact save failed", "error", err)
			continue
		}
		if ok {
			saved++
		}
	}
	return saved
}

func (c *Compactor) summarize(ctx context.Context, messages []llm.Message) (string, error) {
	conversation := messagesToText(messages)
	if strings.TrimSpace(conversation) == "" {
		return "", nil
	}

	temp := float32(0.3)
	resp, err := c.client.Generate(ctx, llm.GenerateRequest{
		Model:           c.model,
		History:         []llm.Message{llm.TextMessage(llm.RoleUser, fmt.Sprintf(summarizationPrompt, conversation))},
		Temperature:     &temp,
		MaxOutputTokens: SummaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text()), nil
}
