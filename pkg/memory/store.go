package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names.
const (
	collSessions    = "sessions"
	collProfiles    = "user_profiles"
	collLegacyFacts = "user_facts"
	collProducts    = "products"
)

// Store is the MongoDB-backed tiered memory store.
type Store struct {
	db *mongo.Database

	now func() time.Time
}

// NewStore wraps a connected database.
func NewStore(db *mongo.Database) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Connect dials MongoDB and returns a store over the named database.
func Connect(ctx context.Context, uri, database string) (*Store, *mongo.Client, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(5 * time.Second).
		SetSocketTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("pinging mongodb: %w", err)
	}
	return NewStore(client.Database(database)), client, nil
}

// EnsureIndexes creates the TTL and lookup indexes. Idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	ttl := int32(0)
	sessionIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(ttl)},
		{Keys: bson.D{{Key: "summary_expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(ttl)},
	}
	if _, err := s.db.Collection(collSessions).Indexes().CreateMany(ctx, sessionIndexes); err != nil {
		return fmt.Errorf("creating session indexes: %w", err)
	}

	profileIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := s.db.Collection(collProfiles).Indexes().CreateMany(ctx, profileIndexes); err != nil {
		return fmt.Errorf("creating profile indexes: %w", err)
	}
	return nil
}

// Profile returns the raw user profile document, or nil when absent.
func (s *Store) Profile(ctx context.Context, userID string) (map[string]any, error) {
	var doc map[string]any
	err := s.db.Collection(collProfiles).FindOne(ctx, bson.M{"user_id": userID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", userID, err)
	}
	return doc, nil
}

// UpdateProfile merges fields into the user profile, creating it if needed.
func (s *Store) UpdateProfile(ctx context.Context, userID string, updates map[string]any) error {
	set := bson.M{"updated_at": s.now()}
	for k, v := range updates {
		if k == "_id" || k == "user_id" {
			continue
		}
		set[k] = v
	}
	_, err := s.db.Collection(collProfiles).UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"user_id": userID, "created_at": s.now()},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("updating profile %s: %w", userID, err)
	}
	return nil
}

// profileFacts holds the two embedded fact tiers of a profile document.
type profileFacts struct {
	Curated []Fact `bson:"curated_facts"`
	Daily   []Fact `bson:"daily_facts"`
}

// SaveFact stores a fact in the tier its importance selects. Returns false
// without writing when the fact duplicates an existing one (cosine
// similarity above DuplicateSimilarity against any tier, legacy included).
func (s *Store) SaveFact(ctx context.Context, userID string, fact Fact) (bool, error) {
	fact, err := NormalizeFact(fact)
	if err != nil {
		return false, err
	}

	existing, err := s.allFacts(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, ex := range existing {
		if sim := CosineSimilarity(fact.Embedding, ex.Fact.Embedding); sim > DuplicateSimilarity {
			slog.Info("Skipping duplicate fact", "user_id", userID, "similarity", sim)
			return false, nil
		}
	}

	field, sliceCap := "curated_facts", CuratedCap
	if TierFor(fact.Importance) == TierDaily {
		field, sliceCap = "daily_facts", DailyCap
		expires := s.now().Add(DailyTTL)
		fact.ExpiresAt = &expires
	}

	_, err = s.db.Collection(collProfiles).UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$push":        bson.M{field: bson.M{"$each": []Fact{fact}, "$slice": -sliceCap}},
			"$set":         bson.M{"updated_at": s.now()},
			"$setOnInsert": bson.M{"user_id": userID, "created_at": s.now()},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("saving fact for %s: %w", userID, err)
	}
	slog.Info("Saved fact", "user_id", userID, "tier", field, "importance", fact.Importance)
	return true, nil
}

// allFacts merges the curated, daily and legacy tiers.
func (s *Store) allFacts(ctx context.Context, userID string) ([]ScoredFact, error) {
	var out []ScoredFact

	var pf profileFacts
	err := s.db.Collection(collProfiles).FindOne(ctx, bson.M{"user_id": userID}).Decode(&pf)
	if err != nil && err != mongo.ErrNoDocuments {
		return nil, fmt.Errorf("loading facts for %s: %w", userID, err)
	}
	for _, f := range pf.Curated {
		out = append(out, ScoredFact{Fact: f, Tier: TierCurated})
	}
	for _, f := range pf.Daily {
		out = append(out, ScoredFact{Fact: f, Tier: TierDaily})
	}

	// Legacy user_facts are read-only: consulted for dedup and retrieval,
	// never written.
	cursor, err := s.db.Collection(collLegacyFacts).Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("loading legacy facts for %s: %w", userID, err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var doc struct {
			Fact       string    `bson:"fact"`
			Embedding  []float32 `bson:"embedding"`
			Importance float64   `bson:"importance_score"`
			CreatedAt  time.Time `bson:"created_at"`
		}
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		out = append(out, ScoredFact{
			Tier: TierLegacy,
			Fact: Fact{
				Text:       doc.Fact,
				Importance: doc.Importance,
				Embedding:  doc.Embedding,
				CreatedAt:  doc.CreatedAt,
			},
		})
	}
	return out, cursor.Err()
}

// MinRetrievalSimilarity is the default cosine-similarity floor for fact
// retrieval: facts less similar than this never reach the prompt.
const MinRetrievalSimilarity = 0.5

// RelevantFacts retrieves the top facts for a query across all tiers,
// ranked by the blended vector+keyword score with importance as the
// tiebreaker. Facts below minSimilarity are dropped before ranking; when
// no query embedding is available, facts with no keyword overlap are
// dropped instead.
func (s *Store) RelevantFacts(ctx context.Context, userID string, queryEmbedding []float32, query string, limit int, minSimilarity float64) ([]ScoredFact, error) {
	all, err := s.allFacts(ctx, userID)
	if err != nil {
		return nil, err
	}
	return rankFacts(all, queryEmbedding, query, limit, minSimilarity), nil
}

// rankFacts applies the similarity floor, scores, sorts and truncates.
func rankFacts(all []ScoredFact, queryEmbedding []float32, query string, limit int, minSimilarity float64) []ScoredFact {
	facts := all[:0]
	for _, f := range all {
		if len(queryEmbedding) > 0 && len(f.Fact.Embedding) > 0 {
			if CosineSimilarity(queryEmbedding, f.Fact.Embedding) < minSimilarity {
				continue
			}
		}
		f.Score = BlendedScore(queryEmbedding, query, f.Fact)
		if len(queryEmbedding) == 0 && f.Score <= 0 {
			continue
		}
		facts = append(facts, f)
	}
	sort.SliceStable(facts, func(i, j int) bool {
		if facts[i].Score != facts[j].Score {
			return facts[i].Score > facts[j].Score
		}
		return facts[i].Fact.Importance > facts[j].Fact.Importance
	})
	if limit > 0 && len(facts) > limit {
		facts = facts[:limit]
	}
	return facts
}

// IncrementUsage bumps the profile's usage counters after a completed turn.
func (s *Store) IncrementUsage(ctx context.Context, userID string, messages int, newSession bool) error {
	inc := bson.M{"stats.total_messages": messages}
	if newSession {
		inc["stats.total_sessions"] = 1
	}
	_, err := s.db.Collection(collProfiles).UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$inc":         inc,
			"$set":         bson.M{"updated_at": s.now()},
			"$setOnInsert": bson.M{"user_id": userID, "created_at": s.now()},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("incrementing usage for %s: %w", userID, err)
	}
	return nil
}

// CleanupExpiredDailyFacts pulls expired entries from every profile's daily
// tier. Returns the number of profiles modified.
func (s *Store) CleanupExpiredDailyFacts(ctx context.Context) (int64, error) {
	result, err := s.db.Collection(collProfiles).UpdateMany(ctx,
		bson.M{"daily_facts": bson.M{"$exists": true, "$ne": []any{}}},
		bson.M{"$pull": bson.M{"daily_facts": bson.M{"expires_at": bson.M{"$lt": s.now()}}}})
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired daily facts: %w", err)
	}
	return result.ModifiedCount, nil
}
