package engine

import (
	"context"
	"log/slog"

	"github.com/scoopge/scoop/pkg/agent"
	"github.com/scoopge/scoop/pkg/llm"
	"github.com/scoopge/scoop/pkg/memory"
)

// toolDefinitions declares the function-calling surface offered to the
// model. Schemas are plain JSON Schema maps passed through to the API.
func toolDefinitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name:        agent.SearchProductsTool,
			Description: "ეძებს სპორტული კვების პროდუქტებს კატალოგში დასახელებით, ბრენდით ან კატეგორიით.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "საძიებო ტექსტი, მაგ. 'whey პროტეინი' ან 'კრეატინი'",
					},
					"max_price": map[string]any{
						"type":        "number",
						"description": "მაქსიმალური ფასი ლარში, არასავალდებულო",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "შედეგების რაოდენობა, ნაგულისხმევი 5",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "get_user_profile",
			Description: "აბრუნებს მომხმარებლის პროფილს: მიზნები, ალერგიები, ფიზიკური მონაცემები.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        "update_user_profile",
			Description: "აახლებს მომხმარებლის პროფილის ველებს.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"updates": map[string]any{
						"type":        "object",
						"description": "განახლებული ველები, მაგ. {\"goals\": [\"muscle_gain\"]}",
					},
				},
				"required": []string{"updates"},
			},
		},
		{
			Name:        "get_product_details",
			Description: "აბრუნებს ერთი პროდუქტის სრულ დეტალებს იდენტიფიკატორით.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"product_id": map[string]any{
						"type":        "string",
						"description": "პროდუქტის იდენტიფიკატორი ძიების შედეგებიდან",
					},
				},
				"required": []string{"product_id"},
			},
		},
		{
			Name:        "save_user_fact",
			Description: "ინახავს გრძელვადიან ფაქტს მომხმარებლის შესახებ მეხსიერებაში.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"fact": map[string]any{
						"type":        "string",
						"description": "ფაქტი ქართულად, მაგ. 'ალერგია აქვს ლაქტოზაზე'",
					},
					"importance": map[string]any{
						"type":        "number",
						"description": "მნიშვნელობა 0.0-1.0",
					},
					"category": map[string]any{
						"type":        "string",
						"description": "allergy, health, goal, preference ან physical",
					},
				},
				"required": []string{"fact"},
			},
		},
	}
}

// registerTools wires the store-backed handlers into the executor for one
// turn.
func (e *Engine) registerTools(executor *agent.Executor, userID string, tc *turnContext) {
	executor.Register(agent.SearchProductsTool, e.searchProductsHandler())
	executor.Register("get_user_profile", e.profileHandler(tc))
	executor.Register("update_user_profile", e.updateProfileHandler(userID, tc))
	executor.Register("get_product_details", e.productDetailsHandler())
	executor.Register("save_user_fact", e.saveFactHandler(userID))
}

func (e *Engine) searchProductsHandler() agent.ToolHandler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		query, _ := args["query"].(string)
		maxPrice, _ := numberField(args, "max_price")
		limit := e.config.SearchLimit
		if n, ok := numberField(args, "limit"); ok && n > 0 {
			limit = int(n)
		}

		// Embedding is best effort: regex search still works without it.
		embedding, err := e.client.Embed(ctx, query, e.config.EmbeddingDim)
		if err != nil {
			slog.Warn("Query embedding failed, using keyword search", "error", err)
			embedding = nil
		}

		products, err := e.store.SearchProducts(ctx, query, embedding, maxPrice, limit)
		if err != nil {
			return nil, err
		}
		if len(products) == 0 {
			return map[string]any{
				"products": []map[string]any{},
				"count":    0,
				"message":  ErrorResponseFor(ErrCodeNoProducts).Message,
			}, nil
		}
		return map[string]any{"products": products, "count": len(products)}, nil
	}
}

// profileHandler answers from the profile loaded at turn start. No store
// read per call; the load already happened in loadContext.
func (e *Engine) profileHandler(tc *turnContext) agent.ToolHandler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		if len(tc.profile) == 0 {
			return map[string]any{"profile": nil, "message": "პროფილი ჯერ არ არის შევსებული"}, nil
		}
		return map[string]any{"profile": tc.profile}, nil
	}
}

func (e *Engine) updateProfileHandler(userID string, tc *turnContext) agent.ToolHandler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		updates, _ := args["updates"].(map[string]any)
		if len(updates) == 0 {
			return map[string]any{"success": false, "message": "განახლებელი ველები ცარიელია"}, nil
		}
		if err := e.store.UpdateProfile(ctx, userID, updates); err != nil {
			return nil, err
		}
		// Keep the cached copy current for later get_user_profile calls in
		// the same turn.
		if tc.profile == nil {
			tc.profile = map[string]any{}
		}
		for k, v := range updates {
			tc.profile[k] = v
		}
		return map[string]any{"success": true}, nil
	}
}

func (e *Engine) productDetailsHandler() agent.ToolHandler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		id, _ := args["product_id"].(string)
		if id == "" {
			return map[string]any{"product": nil, "message": "პროდუქტის იდენტიფიკატორი არ არის მითითებული"}, nil
		}
		product, err := e.store.ProductByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if product == nil {
			return map[string]any{"product": nil, "message": "პროდუქტი ვერ მოიძებნა"}, nil
		}
		return map[string]any{"product": product}, nil
	}
}

func (e *Engine) saveFactHandler(userID string) agent.ToolHandler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		text, _ := args["fact"].(string)
		importance, ok := numberField(args, "importance")
		if !ok {
			importance = 0.6
		}
		category, _ := args["category"].(string)

		embedding, err := e.client.Embed(ctx, text, e.config.EmbeddingDim)
		if err != nil {
			slog.Warn("Fact embedding failed, saving without vector", "error", err)
			embedding = nil
		}

		saved, err := e.store.SaveFact(ctx, userID, memory.Fact{
			Text:       text,
			Importance: importance,
			Category:   category,
			Embedding:  embedding,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"saved": saved}, nil
	}
}
