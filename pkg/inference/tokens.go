package inference

import "github.com/scoopge/scoop/pkg/llm"

// Per-message overhead for role and framing.
const messageOverheadTokens = 10

// TokenEstimator is a character-based token heuristic. ASCII text averages
// about 4 characters per token; Georgian (and other non-Latin scripts)
// tokenize denser, about 2 characters per token. No API call is made.
type TokenEstimator struct {
	charsPerToken     float64
	unicodeMultiplier float64
	safetyMultiplier  float64
	extendedThreshold int
}

// NewTokenEstimator creates an estimator with the given extended-context
// threshold.
func NewTokenEstimator(extendedThreshold int) *TokenEstimator {
	return &TokenEstimator{
		charsPerToken:     4.0,
		unicodeMultiplier: 2.0,
		safetyMultiplier:  1.0,
		extendedThreshold: extendedThreshold,
	}
}

// WithSafetyMultiplier sets the buffer applied by EstimateWithBuffer.
func (e *TokenEstimator) WithSafetyMultiplier(m float64) *TokenEstimator {
	e.safetyMultiplier = m
	return e
}

// ExtendedThreshold returns the routing threshold.
func (e *TokenEstimator) ExtendedThreshold() int { return e.extendedThreshold }

// Estimate returns the estimated token count for text.
func (e *TokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	var ascii, unicode int
	for _, r := range text {
		if r < 128 {
			ascii++
		} else {
			unicode++
		}
	}
	asciiTokens := float64(ascii) / e.charsPerToken
	unicodeTokens := float64(unicode) / (e.charsPerToken / e.unicodeMultiplier)
	return int(asciiTokens + unicodeTokens)
}

// EstimateWithBuffer applies the safety multiplier on top of Estimate.
func (e *TokenEstimator) EstimateWithBuffer(text string) int {
	return int(float64(e.Estimate(text)) * e.safetyMultiplier)
}

// EstimateHistory sums all text parts plus per-message overhead.
func (e *TokenEstimator) EstimateHistory(history []llm.Message) int {
	total := 0
	for _, m := range history {
		for _, p := range m.Parts {
			total += e.Estimate(p.Text)
		}
		total += messageOverheadTokens
	}
	return total
}

// NeedsExtended reports whether history exceeds the extended-context
// threshold.
func (e *TokenEstimator) NeedsExtended(history []llm.Message) bool {
	return e.EstimateHistory(history) >= e.extendedThreshold
}
