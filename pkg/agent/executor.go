package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/scoopge/scoop/pkg/llm"
)

// SearchProductsTool is the tool name the dedup rules key on.
const SearchProductsTool = "search_products"

// DefaultMaxUniqueQueries bounds distinct product searches per conversation
// turn. Past the limit the model gets a forceful directive to stop
// searching and write the recommendation.
const DefaultMaxUniqueQueries = 3

// Executor dispatches function calls to registered tool handlers and
// enforces the search dedup rules:
//
//   - within one batch only the first search_products executes;
//   - a query already executed this turn (case-insensitive) is skipped;
//   - past MaxUniqueQueries, searches return status SEARCH_COMPLETE with a
//     Georgian directive to write the recommendation now.
//
// Found products accumulate across the whole turn.
type Executor struct {
	userID           string
	handlers         map[string]ToolHandler
	maxUniqueQueries int

	mu              sync.Mutex
	executedQueries map[string]struct{}
	allProducts     []map[string]any
	seenProductIDs  map[string]struct{}
}

// NewExecutor creates an executor for one conversation turn.
func NewExecutor(userID string, maxUniqueQueries int) *Executor {
	if maxUniqueQueries <= 0 {
		maxUniqueQueries = DefaultMaxUniqueQueries
	}
	return &Executor{
		userID:           userID,
		handlers:         make(map[string]ToolHandler),
		maxUniqueQueries: maxUniqueQueries,
		executedQueries:  make(map[string]struct{}),
		seenProductIDs:   make(map[string]struct{}),
	}
}

// Register binds a tool name to its handler.
func (e *Executor) Register(name string, handler ToolHandler) {
	e.handlers[name] = handler
}

// Products returns all products accumulated this turn.
func (e *Executor) Products() []map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]map[string]any, len(e.allProducts))
	copy(out, e.allProducts)
	return out
}

// ExecuteBatch runs one round's function calls in order. Only the first
// search_products in the batch executes; duplicates are answered with a
// skip note so the model still receives a response for every call.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []llm.FunctionCall) []ToolResult {
	results := make([]ToolResult, 0, len(calls))
	searchSeen := false

	for _, call := range calls {
		if call.Name == SearchProductsTool {
			if searchSeen {
				slog.Warn("Skipping duplicate search_products in batch")
				results = append(results, ToolResult{
					Name:       call.Name,
					Response:   map[string]any{"note": "Skipped duplicate search in batch"},
					Skipped:    true,
					SkipReason: "batch_duplicate",
				})
				continue
			}
			searchSeen = true
		}
		results = append(results, e.Execute(ctx, call))
	}
	return results
}

// Execute runs a single function call.
func (e *Executor) Execute(ctx context.Context, call llm.FunctionCall) ToolResult {
	slog.Info("Executing tool", "name", call.Name, "user_id", e.userID)

	if call.Name == SearchProductsTool {
		return e.executeSearch(ctx, call.Args)
	}

	handler, ok := e.handlers[call.Name]
	if !ok {
		slog.Warn("Unknown function requested", "name", call.Name)
		return ToolResult{
			Name:     call.Name,
			Response: map[string]any{"error": fmt.Sprintf("Unknown function: %s", call.Name)},
		}
	}

	resp, err := handler(ctx, call.Args)
	if err != nil {
		slog.Error("Tool execution failed", "name", call.Name, "error", err)
		return ToolResult{
			Name:     call.Name,
			Response: map[string]any{"error": err.Error()},
		}
	}
	return ToolResult{Name: call.Name, Response: resp}
}

func (e *Executor) executeSearch(ctx context.Context, args map[string]any) ToolResult {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	queryKey := strings.ToLower(query)

	e.mu.Lock()
	if _, dup := e.executedQueries[queryKey]; dup {
		cached := e.cachedResultLocked("duplicate_query",
			fmt.Sprintf("Duplicate query %q, returning cached results", query))
		e.mu.Unlock()
		slog.Warn("Skipping duplicate search query", "query", query)
		return cached
	}
	if len(e.executedQueries) >= e.maxUniqueQueries {
		result := e.cachedResultLocked("query_limit", "")
		result.Response["status"] = "SEARCH_COMPLETE"
		result.Response["instruction"] = fmt.Sprintf(
			"⛔ საძიებო ლიმიტი ამოიწურა. ნაპოვნია %d პროდუქტი. "+
				"აღარ გამოიძახო search_products! "+
				"დაწერე რეკომენდაცია ახლავე ამ პროდუქტების საფუძველზე.",
			len(e.allProducts))
		e.mu.Unlock()
		slog.Warn("Search query limit reached", "limit", e.maxUniqueQueries)
		return result
	}
	// Marked before execution so a concurrent duplicate cannot slip through.
	e.executedQueries[queryKey] = struct{}{}
	e.mu.Unlock()

	handler, ok := e.handlers[SearchProductsTool]
	if !ok {
		return ToolResult{
			Name:     SearchProductsTool,
			Response: map[string]any{"error": "Search function not configured"},
		}
	}

	resp, err := handler(ctx, args)
	if err != nil {
		slog.Error("Product search failed", "query", query, "error", err)
		return ToolResult{
			Name:     SearchProductsTool,
			Response: map[string]any{"error": err.Error()},
		}
	}

	products := extractProducts(resp)
	if len(products) > 0 {
		e.mu.Lock()
		added := e.accumulateLocked(products)
		total := len(e.allProducts)
		e.mu.Unlock()
		slog.Info("Search found products",
			"query", query, "found", len(products), "new", added, "total", total)
	}

	return ToolResult{Name: SearchProductsTool, Response: resp, Products: products}
}

// accumulateLocked adds products not yet seen this turn, keyed by their id
// field. Products without any id are always added. Caller holds e.mu.
func (e *Executor) accumulateLocked(products []map[string]any) int {
	added := 0
	for _, p := range products {
		if id := searchProductID(p); id != "" {
			if _, seen := e.seenProductIDs[id]; seen {
				continue
			}
			e.seenProductIDs[id] = struct{}{}
		}
		e.allProducts = append(e.allProducts, p)
		added++
	}
	return added
}

func searchProductID(p map[string]any) string {
	for _, key := range []string{"id", "_id", "product_id"} {
		if s, ok := p[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// cachedResultLocked builds a skip result carrying all products found so
// far. Caller holds e.mu.
func (e *Executor) cachedResultLocked(reason, note string) ToolResult {
	products := make([]map[string]any, len(e.allProducts))
	copy(products, e.allProducts)
	resp := map[string]any{
		"products": products,
		"count":    len(products),
	}
	if note != "" {
		resp["note"] = note
	}
	return ToolResult{
		Name:       SearchProductsTool,
		Response:   resp,
		Products:   products,
		Skipped:    true,
		SkipReason: reason,
	}
}

func extractProducts(resp map[string]any) []map[string]any {
	raw, ok := resp["products"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []map[string]any:
		return v
	case []any:
		var out []map[string]any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
