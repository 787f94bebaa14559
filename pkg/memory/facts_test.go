package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeFact_RejectsShortText(t *testing.T) {
	_, err := NormalizeFact(Fact{Text: "მოკლე", Importance: 0.9})
	require.ErrorIs(t, err, ErrFactTooShort)

	f, err := NormalizeFact(Fact{Text: "ალერგია მაქვს ლაქტოზაზე", Importance: 0.9})
	require.NoError(t, err)
	assert.False(t, f.CreatedAt.IsZero())
}

func TestNormalizeFact_HealthImportanceFloor(t *testing.T) {
	f, err := NormalizeFact(Fact{Text: "ალერგია მაქვს თხილზე", Category: "allergy", Importance: 0.5})
	require.NoError(t, err)
	assert.Equal(t, HealthImportanceFloor, f.Importance)

	// Non-health categories keep their importance.
	f, err = NormalizeFact(Fact{Text: "ურჩევნია შოკოლადის გემო", Category: "preference", Importance: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.5, f.Importance)

	// Already above the floor stays put.
	f, err = NormalizeFact(Fact{Text: "დიაბეტი აქვს მეორე ტიპის", Category: "health", Importance: 0.95})
	require.NoError(t, err)
	assert.Equal(t, 0.95, f.Importance)
}

func TestNormalizeFact_EmbeddingDims(t *testing.T) {
	_, err := NormalizeFact(Fact{Text: "ვეგანია და არ ჭამს ხორცს", Embedding: make([]float32, 512)})
	require.Error(t, err)

	_, err = NormalizeFact(Fact{Text: "ვეგანია და არ ჭამს ხორცს", Embedding: make([]float32, 768)})
	require.NoError(t, err)

	_, err = NormalizeFact(Fact{Text: "ვეგანია და არ ჭამს ხორცს", Embedding: make([]float32, 3072)})
	require.NoError(t, err)
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierCurated, TierFor(0.8))
	assert.Equal(t, TierCurated, TierFor(0.95))
	assert.Equal(t, TierDaily, TierFor(0.79))
	assert.Equal(t, TierDaily, TierFor(0.1))
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	assert.InDelta(t, 1.0, CosineSimilarity(a, []float32{1, 0, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(a, []float32{0, 1, 0}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(a, []float32{-1, 0, 0}), 1e-9)

	// Degenerate inputs score zero.
	assert.Equal(t, 0.0, CosineSimilarity(nil, a))
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{1, 0}))
	assert.Equal(t, 0.0, CosineSimilarity(a, []float32{0, 0, 0}))
}

func TestBlendedScore(t *testing.T) {
	emb := []float32{1, 0}
	fact := Fact{Text: "მიზანი კუნთის მასის ზრდა", Embedding: []float32{1, 0}}

	// Perfect vector match, no keyword overlap: 0.7.
	assert.InDelta(t, 0.7, BlendedScore(emb, "პროტეინი", fact), 1e-9)

	// Perfect vector match and full keyword overlap: 1.0.
	assert.InDelta(t, 1.0, BlendedScore(emb, "კუნთის მასის", fact), 1e-9)

	// No embedding: keyword only.
	plain := Fact{Text: "მიზანი კუნთის მასის ზრდა"}
	assert.InDelta(t, 0.3, BlendedScore(emb, "კუნთის", plain), 1e-9)
}

func TestRankFacts_SimilarityFloor(t *testing.T) {
	query := []float32{1, 0}
	all := []ScoredFact{
		{Fact: Fact{Text: "ლაქტოზის აუტანლობა აქვს", Embedding: []float32{1, 0}}},
		{Fact: Fact{Text: "ერთხელ იკითხა მიწოდების შესახებ", Embedding: []float32{0, 1}}},
	}

	// Orthogonal fact falls below the floor.
	ranked := rankFacts(all, query, "ალერგია", 5, MinRetrievalSimilarity)
	if assert.Len(t, ranked, 1) {
		assert.Equal(t, "ლაქტოზის აუტანლობა აქვს", ranked[0].Fact.Text)
	}
}

func TestRankFacts_KeywordOnlyNeedsOverlap(t *testing.T) {
	all := []ScoredFact{
		{Fact: Fact{Text: "მიზანი კუნთის მასის ზრდა"}},
		{Fact: Fact{Text: "ურჩევნია ვანილის გემო"}},
	}

	// No query embedding: only facts sharing a keyword survive.
	ranked := rankFacts(all, nil, "კუნთის მასა", 5, MinRetrievalSimilarity)
	if assert.Len(t, ranked, 1) {
		assert.Equal(t, "მიზანი კუნთის მასის ზრდა", ranked[0].Fact.Text)
	}
}

func TestRankFacts_LimitAndOrdering(t *testing.T) {
	query := []float32{1, 0}
	all := []ScoredFact{
		{Fact: Fact{Text: "ნაკლებად მსგავსი ფაქტია", Embedding: []float32{0.8, 0.6}}},
		{Fact: Fact{Text: "ზუსტად მსგავსი ფაქტია", Embedding: []float32{1, 0}}},
		{Fact: Fact{Text: "საშუალოდ მსგავსი ფაქტია", Embedding: []float32{0.9, 0.4358899}}},
	}

	ranked := rankFacts(all, query, "", 2, MinRetrievalSimilarity)
	if assert.Len(t, ranked, 2) {
		assert.Equal(t, "ზუსტად მსგავსი ფაქტია", ranked[0].Fact.Text)
		assert.Equal(t, "საშუალოდ მსგავსი ფაქტია", ranked[1].Fact.Text)
	}
}
