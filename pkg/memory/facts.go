// Package memory implements the tiered long-term memory store on MongoDB:
// per-user curated and daily fact tiers, legacy fact fallback, session
// history with sliding-window pruning, and context compaction.
package memory

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Fact tier routing and hygiene rules.
const (
	// CuratedThreshold routes facts at or above this importance to the
	// curated tier.
	CuratedThreshold = 0.8

	// CuratedCap and DailyCap bound the per-user fact arrays ($slice).
	CuratedCap = 100
	DailyCap   = 200

	// DailyTTL is how long daily-tier facts live.
	DailyTTL = 60 * 24 * time.Hour

	// DuplicateSimilarity is the cosine similarity above which a new fact
	// is considered a duplicate of an existing one.
	DuplicateSimilarity = 0.90

	// MinFactLength rejects fragments too short to be a durable fact.
	MinFactLength = 10

	// HealthImportanceFloor is the minimum importance for health and
	// allergy facts, which must never fall into the expiring tier.
	HealthImportanceFloor = 0.85
)

// Valid embedding dimensionalities (gemini-embedding-001).
var validEmbeddingDims = map[int]bool{768: true, 3072: true}

// Tier identifies where a fact is stored.
type Tier string

const (
	TierCurated Tier = "curated"
	TierDaily   Tier = "daily"
	TierLegacy  Tier = "legacy"
)

// Fact is one durable user fact.
type Fact struct {
	Text       string     `bson:"text" json:"text"`
	Category   string     `bson:"category,omitempty" json:"category,omitempty"`
	Importance float64    `bson:"importance_score" json:"importance_score"`
	Embedding  []float32  `bson:"embedding,omitempty" json:"-"`
	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	ExpiresAt  *time.Time `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
}

var healthCategories = map[string]bool{
	"health":  true,
	"allergy": true,
	"medical": true,
}

// ErrFactTooShort rejects fact fragments below MinFactLength characters.
var ErrFactTooShort = errors.New("fact text too short")

// NormalizeFact validates the fact and applies the importance floor for
// health-related categories.
func NormalizeFact(f Fact) (Fact, error) {
	if len([]rune(strings.TrimSpace(f.Text))) < MinFactLength {
		return f, fmt.Errorf("%w: %q", ErrFactTooShort, f.Text)
	}
	if len(f.Embedding) > 0 && !validEmbeddingDims[len(f.Embedding)] {
		return f, fmt.Errorf("unsupported embedding dimensionality %d", len(f.Embedding))
	}
	if healthCategories[strings.ToLower(f.Category)] && f.Importance < HealthImportanceFloor {
		f.Importance = HealthImportanceFloor
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return f, nil
}

// TierFor routes a fact by importance. Daily facts get an expiry.
func TierFor(importance float64) Tier {
	if importance >= CuratedThreshold {
		return TierCurated
	}
	return TierDaily
}

// CosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either is empty or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Retrieval blends vector and keyword relevance; importance breaks ties.
const (
	vectorWeight  = 0.7
	keywordWeight = 0.3
)

// ScoredFact is a retrieval result.
type ScoredFact struct {
	Fact  Fact
	Tier  Tier
	Score float64
}

// BlendedScore combines vector similarity with keyword overlap between the
// query and the fact text.
func BlendedScore(queryEmbedding []float32, query string, f Fact) float64 {
	vec := CosineSimilarity(queryEmbedding, f.Embedding)
	return vectorWeight*vec + keywordWeight*keywordOverlap(query, f.Text)
}

// keywordOverlap is the fraction of query terms present in the fact text,
// case-insensitive.
func keywordOverlap(query, text string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
