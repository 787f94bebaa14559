// Package assembly accumulates model output and assembles the final
// response: main text, an optional tip, and quick-reply suggestions.
//
// Tip and quick-reply extraction happen exactly once, in Finalize. The
// parser is tolerant of truncated streams: an unclosed [TIP] at the end of
// output still yields a tip.
package assembly

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	tipPattern          = regexp.MustCompile(`(?is)\[TIP\](.*?)\[/TIP\]`)
	tipOpenPattern      = regexp.MustCompile(`(?is)\[TIP\](.*)$`)
	quickRepliesPattern     = regexp.MustCompile(`(?is)\[QUICK_REPLIES\](.*?)\[/QUICK_REPLIES\]`)
	quickRepliesOpenPattern = regexp.MustCompile(`(?is)\[QUICK_REPLIES\](.*)$`)

	// Fallback for models that emit a Georgian "next step" heading instead
	// of the tagged block.
	quickRepliesFallbackPattern = regexp.MustCompile(`(?is)შემდეგი ნაბიჯი[:\s]*(.+?)(\n\n|\[|$)`)

	bulletPrefixPattern = regexp.MustCompile(`^[\s\-\*•\d.]+`)
	replySplitPattern   = regexp.MustCompile(`[\n;]`)
)

const maxQuickReplies = 4

// QuickReply is one suggested follow-up.
type QuickReply struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// TipSource records where the tip came from.
type TipSource string

const (
	TipSourceNative    TipSource = "native"
	TipSourceGenerated TipSource = "generated"
)

// Assembled is the finalized response.
type Assembled struct {
	Text         string
	Tip          string
	TipSource    TipSource
	QuickReplies []QuickReply
	Products     []map[string]any
}

// Buffer accumulates streamed text and found products. Safe for concurrent
// use; the streaming path appends from the consumer goroutine while the
// persist path snapshots.
type Buffer struct {
	mu sync.Mutex

	text       strings.Builder
	products   []map[string]any
	productIDs map[string]struct{}

	tip       string
	tipSource TipSource
	finalized bool
	final     Assembled
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{productIDs: make(map[string]struct{})}
}

// AppendText appends a streamed text fragment.
func (b *Buffer) AppendText(text string) {
	b.mu.Lock()
	b.text.WriteString(text)
	b.mu.Unlock()
}

// SetText replaces the accumulated text.
func (b *Buffer) SetText(text string) {
	b.mu.Lock()
	b.text.Reset()
	b.text.WriteString(text)
	b.mu.Unlock()
}

// Text returns the raw accumulated text.
func (b *Buffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.String()
}

// HasText reports whether any non-whitespace text has accumulated.
func (b *Buffer) HasText() bool {
	return strings.TrimSpace(b.Text()) != ""
}

// AddProducts adds products, deduplicating by id/_id/product_id. Products
// without any ID field are always added. Returns the number added.
func (b *Buffer) AddProducts(products []map[string]any) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, p := range products {
		if id := productID(p); id != "" {
			if _, seen := b.productIDs[id]; seen {
				continue
			}
			b.productIDs[id] = struct{}{}
		}
		b.products = append(b.products, p)
		added++
	}
	return added
}

func productID(p map[string]any) string {
	for _, key := range []string{"id", "_id", "product_id"} {
		if v, ok := p[key]; ok && v != nil {
			if s := strings.TrimSpace(toString(v)); s != "" {
				return s
			}
		}
	}
	return ""
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if st, ok := v.(interface{ String() string }); ok {
		return st.String()
	}
	return ""
}

// Products returns a copy of the accumulated products.
func (b *Buffer) Products() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.products))
	copy(out, b.products)
	return out
}

// ProductCount returns the number of accumulated products.
func (b *Buffer) ProductCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.products)
}

// SetGeneratedTip sets a synthesized tip unless a native one already exists.
// Returns whether the tip was accepted.
func (b *Buffer) SetGeneratedTip(tip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tip != "" || strings.TrimSpace(tip) == "" {
		return false
	}
	b.tip = strings.TrimSpace(tip)
	b.tipSource = TipSourceGenerated
	return true
}

// Finalize extracts the tip and quick replies and returns the assembled
// response. Idempotent: later calls return the first result.
func (b *Buffer) Finalize() Assembled {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.finalized {
		return b.final
	}

	text := b.text.String()
	text = b.extractTip(text)
	text, replies := extractQuickReplies(text)

	products := make([]map[string]any, len(b.products))
	copy(products, b.products)

	b.final = Assembled{
		Text:         strings.TrimSpace(text),
		Tip:          b.tip,
		TipSource:    b.tipSource,
		QuickReplies: replies,
		Products:     products,
	}
	b.finalized = true
	return b.final
}

func (b *Buffer) extractTip(text string) string {
	if m := tipPattern.FindStringSubmatch(text); m != nil {
		if tip := strings.TrimSpace(m[1]); tip != "" && b.tip == "" {
			b.tip = tip
			b.tipSource = TipSourceNative
		}
		return strings.TrimSpace(tipPattern.ReplaceAllString(text, ""))
	}
	// Truncated stream: an opening tag with no close still yields a tip.
	if m := tipOpenPattern.FindStringSubmatch(text); m != nil {
		if tip := strings.TrimSpace(m[1]); tip != "" && b.tip == "" {
			b.tip = tip
			b.tipSource = TipSourceNative
		}
		return strings.TrimSpace(tipOpenPattern.ReplaceAllString(text, ""))
	}
	return text
}

func extractQuickReplies(text string) (string, []QuickReply) {
	if m := quickRepliesPattern.FindStringSubmatch(text); m != nil {
		replies := parseReplyContent(m[1])
		return strings.TrimSpace(quickRepliesPattern.ReplaceAllString(text, "")), replies
	}
	// Truncated stream: an opening tag with no close still yields the
	// complete bullets before the cut. The final line may be sliced
	// mid-word, so only newline-terminated lines count.
	if m := quickRepliesOpenPattern.FindStringSubmatch(text); m != nil {
		content := m[1]
		if idx := strings.LastIndex(content, "\n"); idx >= 0 {
			content = content[:idx+1]
		} else {
			content = ""
		}
		replies := parseReplyContent(content)
		return strings.TrimSpace(quickRepliesOpenPattern.ReplaceAllString(text, "")), replies
	}
	if m := quickRepliesFallbackPattern.FindStringSubmatch(text); m != nil {
		replies := parseReplyContent(m[1])
		if len(replies) > 0 {
			return strings.TrimSpace(quickRepliesFallbackPattern.ReplaceAllString(text, "")), replies
		}
	}
	return text, nil
}

// parseReplyContent splits a replies block into options. Bullets, numbered
// lists and semicolon separation are all accepted; very short lines are
// noise and dropped.
func parseReplyContent(content string) []QuickReply {
	var replies []QuickReply
	for _, line := range replySplitPattern.Split(content, -1) {
		line = strings.TrimSpace(bulletPrefixPattern.ReplaceAllString(line, ""))
		if len([]rune(line)) <= 2 {
			continue
		}
		if runes := []rune(line); len(runes) > 100 {
			line = string(runes[:100])
		}
		replies = append(replies, QuickReply{Title: line, Payload: line})
		if len(replies) == maxQuickReplies {
			break
		}
	}
	return replies
}

var (
	numberedBoldPattern = regexp.MustCompile(`\*\*\d+\.`)
	boldSegmentPattern  = regexp.MustCompile(`\*\*[^*]+\*\*`)
)

// maxMarkdownProducts caps the rendered card list.
const maxMarkdownProducts = 10

// FormatProductsMarkdown renders products as numbered markdown lines in the
// form "**1. Name** - Brand - ₾XX". Missing fields are skipped.
func FormatProductsMarkdown(products []map[string]any) string {
	var lines []string
	for _, p := range products {
		if len(lines) == maxMarkdownProducts {
			break
		}
		name, _ := p["name"].(string)
		if name == "" {
			name = "პროდუქტი"
		}
		line := fmt.Sprintf("**%d. %s**", len(lines)+1, name)
		if brand, _ := p["brand"].(string); brand != "" {
			line += " - " + brand
		}
		if price := formatPrice(p["price"]); price != "" {
			line += " - ₾" + price
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// HasValidProductMarkdown reports whether text already carries product
// formatting: a numbered bold entry, or at least two bold names.
func HasValidProductMarkdown(text string) bool {
	if text == "" {
		return false
	}
	if numberedBoldPattern.MatchString(text) {
		return true
	}
	return len(boldSegmentPattern.FindAllString(text, 2)) >= 2
}

func formatPrice(v any) string {
	switch n := v.(type) {
	case float64:
		if n <= 0 {
			return ""
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		if n <= 0 {
			return ""
		}
		return strconv.Itoa(n)
	case int64:
		if n <= 0 {
			return ""
		}
		return strconv.FormatInt(n, 10)
	default:
		return ""
	}
}

// IsIncomplete reports whether text looks cut off: a trailing colon
// (announcing a list that never arrived, e.g. "ვარიანტებია:") or a dangling
// Georgian conjunction.
func IsIncomplete(text string) bool {
	trimmed := strings.TrimRight(text, " \n\t")
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, ":") {
		return true
	}
	for _, conj := range []string{"და", "მაგრამ"} {
		if trimmed == conj || strings.HasSuffix(trimmed, " "+conj) {
			return true
		}
	}
	return false
}
