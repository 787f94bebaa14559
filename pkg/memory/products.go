package memory

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Product search tuning.
const (
	vectorSearchIndex      = "vector_index"
	vectorSearchPath       = "description_embedding"
	vectorSearchCandidates = 100
)

// SearchProducts runs Atlas vector search over the catalog, falling back to
// a regex scan of the text fields when vector search is unavailable or
// returns nothing. maxPrice <= 0 means no price ceiling.
func (s *Store) SearchProducts(ctx context.Context, query string, queryEmbedding []float32, maxPrice float64, limit int) ([]map[string]any, error) {
	if limit <= 0 {
		limit = 5
	}

	if len(queryEmbedding) > 0 {
		products, err := s.vectorSearchProducts(ctx, queryEmbedding, maxPrice, limit)
		if err != nil {
			slog.Warn("Vector search failed, falling back to regex", "error", err)
		} else if len(products) > 0 {
			return products, nil
		}
	}
	return s.regexSearchProducts(ctx, query, maxPrice, limit)
}

func (s *Store) vectorSearchProducts(ctx context.Context, embedding []float32, maxPrice float64, limit int) ([]map[string]any, error) {
	pipeline := mongo.Pipeline{}
	pipeline = append(pipeline, bson.D{{Key: "$vectorSearch", Value: bson.M{
		"index":         vectorSearchIndex,
		"path":          vectorSearchPath,
		"queryVector":   embedding,
		"numCandidates": vectorSearchCandidates,
		"limit":         limit,
	}}})
	if maxPrice > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.M{
			"price": bson.M{"$lte": maxPrice},
		}}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$project", Value: bson.M{
		vectorSearchPath: 0,
	}}})
	pipeline = append(pipeline, bson.D{{Key: "$addFields", Value: bson.M{
		"score": bson.M{"$meta": "vectorSearchScore"},
	}}})

	cursor, err := s.db.Collection(collProducts).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer cursor.Close(ctx)

	var products []map[string]any
	if err := cursor.All(ctx, &products); err != nil {
		return nil, fmt.Errorf("decoding vector search results: %w", err)
	}
	return products, nil
}

// ProductByID fetches a single catalog entry by its identifier. Catalogs
// imported from different sources key products on either _id or id, so both
// are tried. The embedding vector is stripped from the result.
func (s *Store) ProductByID(ctx context.Context, id string) (map[string]any, error) {
	filter := bson.M{"$or": []bson.M{
		{"_id": id},
		{"id": id},
	}}
	opts := options.FindOne().SetProjection(bson.M{vectorSearchPath: 0})

	var product map[string]any
	err := s.db.Collection(collProducts).FindOne(ctx, filter, opts).Decode(&product)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading product %q: %w", id, err)
	}
	return product, nil
}

// regexSearchProducts scans the human-readable catalog fields.
func (s *Store) regexSearchProducts(ctx context.Context, query string, maxPrice float64, limit int) ([]map[string]any, error) {
	pattern := bson.M{"$regex": query, "$options": "i"}
	filter := bson.M{"$or": []bson.M{
		{"name": pattern},
		{"name_ka": pattern},
		{"brand": pattern},
		{"keywords": pattern},
		{"category": pattern},
	}}
	if maxPrice > 0 {
		filter = bson.M{"$and": []bson.M{filter, {"price": bson.M{"$lte": maxPrice}}}}
	}

	opts := options.Find().
		SetLimit(int64(limit)).
		SetProjection(bson.M{vectorSearchPath: 0})
	cursor, err := s.db.Collection(collProducts).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("regex product search: %w", err)
	}
	defer cursor.Close(ctx)

	var products []map[string]any
	if err := cursor.All(ctx, &products); err != nil {
		return nil, fmt.Errorf("decoding regex search results: %w", err)
	}
	slog.Info("Regex product search", "query", query, "found", len(products))
	return products, nil
}
