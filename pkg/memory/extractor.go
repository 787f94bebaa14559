package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/scoopge/scoop/pkg/llm"
)

// factExtractionPrompt asks the model for durable user facts only, as a
// bare JSON array.
const factExtractionPrompt = `შეაანალიზე ეს საუბარი და ამოიღე მხოლოდ მუდმივი, გრძელვადიანი ფაქტები მომხმარებლის შესახებ.

**რა უნდა ამოიღო:**
- ალერგიები (მაგ: "თხილზე ალერგიული", "ლაქტოზის აუტანლობა")
- ჯანმრთელობის მდგომარეობა (მაგ: "დიაბეტი", "ორსული")
- ფიზიკური მონაცემები (მაგ: "80კგ წონა", "180სმ სიმაღლე", "35 წლის")
- მიზნები (მაგ: "კუნთის მასის ზრდა", "წონის დაკლება")
- პრეფერენციები (მაგ: "ვეგანი", "ბიუჯეტი 100₾-მდე")
- პირადი ინფორმაცია (მაგ: "სახელი გიორგი", "სქესი")

**რა არ უნდა ამოიღო:**
- ერთჯერადი კითხვები ("რამდენი ღირს პროტეინი?")
- მისალმებები და ზოგადი საუბარი
- პროდუქტის რეკომენდაციები

**ფორმატი:** დააბრუნე მხოლოდ JSON მასივი, სხვა ტექსტი არ დასჭირდება:
[
  {
    "fact": "ფაქტის ტექსტი ქართულად",
    "importance": 0.1-1.0,
    "category": "health|allergy|preference|goal|physical"
  }
]

თუ ვერ ამოიღე რაიმე მნიშვნელოვანი, დააბრუნე ცარიელი მასივი: []

**საუბარი:**
%s`

// ExtractedFact is one fact the model pulled from conversation.
type ExtractedFact struct {
	Fact       string  `json:"fact"`
	Importance float64 `json:"importance"`
	Category   string  `json:"category"`
}

// FactExtractor pulls durable user facts out of conversation spans.
type FactExtractor struct {
	client llm.Client
	model  string
}

// NewFactExtractor creates an extractor using the given model.
func NewFactExtractor(client llm.Client, model string) *FactExtractor {
	return &FactExtractor{client: client, model: model}
}

// Extract returns the facts found in messages. An unusable model response
// yields an empty list, not an error: fact extraction is best-effort.
func (e *FactExtractor) Extract(ctx context.Context, messages []llm.Message) ([]ExtractedFact, error) {
	conversation := messagesToText(messages)
	if strings.TrimSpace(conversation) == "" {
		return nil, nil
	}

	temp := float32(0.2)
	resp, err := e.client.Generate(ctx, llm.GenerateRequest{
		Model:       e.model,
		History:     []llm.Message{llm.TextMessage(llm.RoleUser, fmt.Sprintf(factExtractionPrompt, conversation))},
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("fact extraction call: %w", err)
	}

	facts := parseFactResponse(resp.Text())
	slog.Info("Extracted facts", "count", len(facts))
	return facts, nil
}

func messagesToText(messages []llm.Message) string {
	var b strings.Builder
	for _, m := range messages {
		for _, p := range m.Parts {
			text := strings.TrimSpace(p.Text)
			if text == "" {
				continue
			}
			b.WriteString(m.Role)
			b.WriteString(": ")
			b.WriteString(text)
			b.WriteString("\n")
		}
	}
	return b.String()
}

var (
	jsonFencePattern    = regexp.MustCompile("(?s)```(?:json)?(.*?)```")
	jsonArrayPattern    = regexp.MustCompile(`(?s)\[.*\]`)
	trailingCommaFixup  = regexp.MustCompile(`,\s*([\]\}])`)
	defaultFactCategory = "preference"
)

// parseFactResponse tolerates fenced, prefixed and slightly malformed JSON.
func parseFactResponse(text string) []ExtractedFact {
	if m := jsonFencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = strings.TrimSpace(text)

	var raw []ExtractedFact
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		m := jsonArrayPattern.FindString(text)
		if m == "" {
			return nil
		}
		m = trailingCommaFixup.ReplaceAllString(m, "$1")
		if err := json.Unmarshal([]byte(m), &raw); err != nil {
			slog.Warn("Could not parse fact extraction response")
			return nil
		}
	}

	var facts []ExtractedFact
	for _, f := range raw {
		if strings.TrimSpace(f.Fact) == "" {
			continue
		}
		if f.Importance == 0 {
			f.Importance = 0.6
		}
		if f.Category == "" {
			f.Category = defaultFactCategory
		}
		facts = append(facts, f)
	}
	return facts
}
