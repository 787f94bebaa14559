package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scoopge/scoop/pkg/agent"
	"github.com/scoopge/scoop/pkg/assembly"
	"github.com/scoopge/scoop/pkg/inference"
	"github.com/scoopge/scoop/pkg/llm"
	"github.com/scoopge/scoop/pkg/memory"
)

// Store is the persistence surface the engine needs. Satisfied by
// *memory.Store; narrowed to an interface so tests can fake it.
type Store interface {
	LoadSession(ctx context.Context, sessionID string) (*memory.Session, error)
	LoadLatestSession(ctx context.Context, userID string) (*memory.Session, error)
	SaveSession(ctx context.Context, sess *memory.Session) error
	Profile(ctx context.Context, userID string) (map[string]any, error)
	UpdateProfile(ctx context.Context, userID string, updates map[string]any) error
	SaveFact(ctx context.Context, userID string, fact memory.Fact) (bool, error)
	RelevantFacts(ctx context.Context, userID string, queryEmbedding []float32, query string, limit int, minSimilarity float64) ([]memory.ScoredFact, error)
	SearchProducts(ctx context.Context, query string, queryEmbedding []float32, maxPrice float64, limit int) ([]map[string]any, error)
	ProductByID(ctx context.Context, id string) (map[string]any, error)
	IncrementUsage(ctx context.Context, userID string, messages int, newSession bool) error
}

// Config tunes one conversation engine.
type Config struct {
	SystemInstruction string

	ThinkingStrategy ThinkingStrategy
	ThinkingDelay    time.Duration

	Loop agent.LoopConfig

	// SearchFirst runs the product search before the first model call when
	// the message clearly asks for a product.
	SearchFirst bool

	SearchLimit         int
	MaxInjectedProducts int
	FactLimit           int
	MinFactSimilarity   float64
	EmbeddingDim        int
	MaxUniqueQueries    int
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() Config {
	return Config{
		ThinkingStrategy:    ThinkingSimpleLoader,
		ThinkingDelay:       300 * time.Millisecond,
		Loop:                agent.DefaultLoopConfig(),
		SearchFirst:         true,
		SearchLimit:         5,
		MaxInjectedProducts: 5,
		FactLimit:           5,
		MinFactSimilarity:   memory.MinRetrievalSimilarity,
		EmbeddingDim:        768,
		MaxUniqueQueries:    agent.DefaultMaxUniqueQueries,
	}
}

// Request is one conversation turn.
type Request struct {
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id,omitempty"`
	Message       string `json:"message"`
	ForceFallback bool   `json:"force_fallback,omitempty"`
}

// Result is the assembled answer for one turn. Error is set instead of
// Text when the pipeline failed in a user-visible way.
type Result struct {
	Text         string                 `json:"response_text_geo"`
	Products     []map[string]any       `json:"products"`
	Tip          string                 `json:"tip,omitempty"`
	QuickReplies []assembly.QuickReply  `json:"quick_replies,omitempty"`
	SessionID    string                 `json:"session_id"`
	Model        string                 `json:"model,omitempty"`
	Rounds       int                    `json:"rounds"`
	Success      bool                   `json:"success"`
	Error        *ErrorResponse         `json:"error,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
}

// Engine runs the conversation pipeline: load context, route to a model,
// drive the function-calling loop, assemble the response, persist.
type Engine struct {
	client    llm.Client
	inference *inference.Manager
	store     Store
	compactor *memory.Compactor

	config Config
}

// NewEngine wires an engine. The compactor is optional.
func NewEngine(client llm.Client, mgr *inference.Manager, store Store, compactor *memory.Compactor, cfg Config) *Engine {
	return &Engine{
		client:    client,
		inference: mgr,
		store:     store,
		compactor: compactor,
		config:    cfg,
	}
}

// NewSessionID mints a session identifier.
func NewSessionID() string {
	return "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// turnContext carries the loaded state for one turn.
type turnContext struct {
	sessionID  string
	newSession bool
	history    []llm.Message
	summary    string
	profile    map[string]any
	system     string
	started    time.Time
}

// Process runs one blocking turn. Pipeline failures come back as a Result
// with Error set; the returned error is reserved for context cancellation.
func (e *Engine) Process(ctx context.Context, req Request) (*Result, error) {
	tc, err := e.loadContext(ctx, req)
	if err != nil {
		slog.Error("Context load failed", "user_id", req.UserID, "error", err)
		return e.errorResult(req, NewSessionID(), ErrorResponseFor(ErrCodeInternal)), nil
	}

	executor := agent.NewExecutor(req.UserID, e.config.MaxUniqueQueries)
	e.registerTools(executor, req.UserID, tc)
	e.preflightSearch(ctx, req, tc, executor)

	state, finalHistory, model, fallbackUsed, err := e.runLoop(ctx, tc, req, executor, agent.Callbacks{}, false)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp := ClassifyError(err)
		slog.Error("Turn failed", "user_id", req.UserID, "session_id", tc.sessionID,
			"code", resp.Code, "error", err)
		// Tool calls may have run before the failure; persist what we have.
		e.persist(ctx, req.UserID, tc, finalHistory)
		return e.errorResult(req, tc.sessionID, resp), nil
	}

	buffer := assembly.NewBuffer()
	buffer.SetText(state.Text)
	buffer.AddProducts(state.Products)
	snapshot := buffer.Finalize()

	e.persist(ctx, req.UserID, tc, finalHistory)
	e.recordUsage(ctx, req.UserID, tc, finalHistory)

	return &Result{
		Text:         snapshot.Text,
		Products:     snapshot.Products,
		Tip:          snapshot.Tip,
		QuickReplies: snapshot.QuickReplies,
		SessionID:    tc.sessionID,
		Model:        model,
		Rounds:       state.Rounds,
		Success:      true,
		Metadata: map[string]any{
			"rounds":          state.Rounds,
			"products_count":  len(state.Products),
			"function_calls":  state.FunctionCallsMade,
			"retry_attempted": state.RetryAttempted,
			"fallback_used":   fallbackUsed,
			"elapsed_seconds": time.Since(tc.started).Seconds(),
		},
	}, nil
}

// loadContext loads (or creates) the session, applies compaction pressure,
// loads the profile, and builds the system instruction.
func (e *Engine) loadContext(ctx context.Context, req Request) (*turnContext, error) {
	tc := &turnContext{sessionID: req.SessionID, started: time.Now()}

	var sess *memory.Session
	var err error
	if tc.sessionID != "" {
		sess, err = e.store.LoadSession(ctx, tc.sessionID)
	} else {
		// No session id: resume the user's most recent conversation rather
		// than starting over.
		sess, err = e.store.LoadLatestSession(ctx, req.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess != nil {
		tc.sessionID = sess.SessionID
		tc.history = sess.History
		tc.summary = sess.Summary
	}
	tc.newSession = sess == nil
	if tc.sessionID == "" {
		tc.sessionID = NewSessionID()
	}

	if e.compactor != nil && e.compactor.ShouldCompact(tc.history) {
		tc.history, _ = e.compactor.Compact(ctx, req.UserID, tc.history)
	}

	profile, err := e.store.Profile(ctx, req.UserID)
	if err != nil {
		slog.Warn("Profile load failed, continuing without it", "user_id", req.UserID, "error", err)
	}
	tc.profile = profile

	tc.system = e.buildSystemInstruction(ctx, req, tc)

	slog.Info("Context loaded",
		"user_id", req.UserID, "session_id", tc.sessionID,
		"history_len", len(tc.history), "has_profile", profile != nil)
	return tc, nil
}

// buildSystemInstruction layers profile context and relevant memory facts
// on top of the base instruction.
func (e *Engine) buildSystemInstruction(ctx context.Context, req Request, tc *turnContext) string {
	parts := []string{e.config.SystemInstruction}

	if pc := formatProfileContext(tc.profile); pc != "" {
		parts = append(parts, pc)
	}

	if facts := e.relevantFactsContext(ctx, req); facts != "" {
		parts = append(parts, facts)
	}

	if tc.summary != "" {
		parts = append(parts, "წინა საუბრების კონტექსტი:\n"+tc.summary)
	}

	nonEmpty := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

func (e *Engine) relevantFactsContext(ctx context.Context, req Request) string {
	embedding, err := e.client.Embed(ctx, req.Message, e.config.EmbeddingDim)
	if err != nil {
		slog.Warn("Message embedding failed, keyword-only fact recall", "error", err)
		embedding = nil
	}
	facts, err := e.store.RelevantFacts(ctx, req.UserID, embedding, req.Message, e.config.FactLimit, e.config.MinFactSimilarity)
	if err != nil {
		slog.Warn("Fact recall failed", "user_id", req.UserID, "error", err)
		return ""
	}
	if len(facts) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("ცნობილი ფაქტები მომხმარებლის შესახებ:")
	for _, f := range facts {
		b.WriteString("\n- ")
		b.WriteString(f.Fact.Text)
	}
	return b.String()
}

// formatProfileContext renders the stored profile as Georgian context lines.
func formatProfileContext(profile map[string]any) string {
	if len(profile) == 0 {
		return ""
	}

	var lines []string
	addString := func(key, label string) {
		if v := stringField(profile, key); v != "" {
			lines = append(lines, label+": "+v)
		}
	}
	addList := func(key, label string) {
		items, _ := profile[key].([]any)
		var vals []string
		for _, item := range items {
			if s, ok := item.(string); ok && s != "" {
				vals = append(vals, s)
			}
		}
		if len(vals) > 0 {
			lines = append(lines, label+": "+strings.Join(vals, ", "))
		}
	}
	addNumber := func(key, label, unit string) {
		if v, ok := numberField(profile, key); ok && v > 0 {
			lines = append(lines, fmt.Sprintf("%s: %s %s", label, trimZeros(v), unit))
		}
	}

	addString("name", "მომხმარებლის სახელი")
	addList("allergies", "ალერგიები")
	addList("goals", "მიზნები")
	addString("fitness_level", "ფიტნეს დონე")
	if v, ok := numberField(profile, "age"); ok && v > 0 {
		lines = append(lines, fmt.Sprintf("ასაკი: %s", trimZeros(v)))
	}
	addString("gender", "სქესი")
	addNumber("height", "სიმაღლე", "სმ")
	addNumber("weight", "წონა", "კგ")

	if len(lines) == 0 {
		return ""
	}
	return "მომხმარებლის პროფილი:\n" + strings.Join(lines, "\n")
}

// preflightSearch runs the product search before the first model call when
// the message is clearly a product request, and injects the results into
// the system instruction. The search goes through the executor so the
// query counts against the dedup budget.
func (e *Engine) preflightSearch(ctx context.Context, req Request, tc *turnContext, executor *agent.Executor) {
	if !e.config.SearchFirst {
		return
	}
	ok, keyword := DetectProductQuery(req.Message, len(tc.history))
	if !ok {
		return
	}

	slog.Info("Preflight product search", "user_id", req.UserID, "keyword", keyword)
	result := executor.Execute(ctx, llm.FunctionCall{
		Name: agent.SearchProductsTool,
		Args: map[string]any{"query": keyword, "limit": e.config.SearchLimit},
	})
	products := result.Products
	if len(products) == 0 {
		return
	}
	if len(products) > e.config.MaxInjectedProducts {
		products = products[:e.config.MaxInjectedProducts]
	}

	tc.system += "\n\nხელმისაწვდომი პროდუქტები:\n" + FormatProductsForInjection(products)
}

// runLoop drives the function-calling loop, falling back down the model
// chain at most once per turn: either on a retryable failure or on a
// content-policy stop that left unusable text behind.
func (e *Engine) runLoop(ctx context.Context, tc *turnContext, req Request, executor *agent.Executor, cb agent.Callbacks, streaming bool) (*agent.LoopState, []llm.Message, string, bool, error) {
	message := req.Message
	decision := e.inference.Route(message, tc.history, req.ForceFallback)
	model := decision.Model

	loop := agent.NewLoop(e.client, executor, model, tc.system, toolDefinitions(), e.config.Loop, cb)
	state, err := loop.Run(ctx, tc.history, message, streaming)
	if err == nil && !policyBlocked(state) {
		e.inference.RecordSuccess(model)
		return state, loop.FinalHistory(), model, false, nil
	}
	if ctx.Err() != nil {
		return nil, loop.FinalHistory(), model, false, err
	}

	fallback := e.inference.FallbackModelFor(model)
	if err != nil {
		e.inference.RecordFailure(err, nil)
		if fallback == "" || !fallbackWorthTrying(err) {
			return nil, loop.FinalHistory(), model, false, err
		}
		slog.Warn("Retrying turn on fallback model",
			"from", model, "to", fallback, "error", err)
	} else {
		// Safety or recitation stop. The partial text is unusable; feed the
		// verdict to the trigger and rerun once down the chain.
		e.inference.RecordFailure(nil, &llm.Response{Candidates: []llm.Candidate{{
			FinishReason: state.LastFinishReason,
		}}})
		if fallback == "" {
			return nil, loop.FinalHistory(), model, false, errContentBlocked
		}
		slog.Warn("Content policy stop, rerunning on fallback model",
			"from", model, "to", fallback, "finish_reason", state.LastFinishReason)
	}
	policyRerun := err == nil

	retryLoop := agent.NewLoop(e.client, executor, fallback, tc.system, toolDefinitions(), e.config.Loop, cb)
	state, retryErr := retryLoop.Run(ctx, tc.history, message, streaming)
	if retryErr != nil {
		e.inference.RecordFailure(retryErr, nil)
		if policyRerun {
			// Report the block, not the rerun's own failure.
			return nil, retryLoop.FinalHistory(), fallback, true, errContentBlocked
		}
		return nil, retryLoop.FinalHistory(), fallback, true, retryErr
	}
	if policyBlocked(state) {
		e.inference.RecordFailure(nil, &llm.Response{Candidates: []llm.Candidate{{
			FinishReason: state.LastFinishReason,
		}}})
		return nil, retryLoop.FinalHistory(), fallback, true, errContentBlocked
	}
	e.inference.RecordSuccess(fallback)
	return state, retryLoop.FinalHistory(), fallback, true, nil
}

// maxUsableBlockedText is the cutoff under which a safety-stopped answer is
// considered a fragment. Longer answers that tripped the filter near the end
// are kept as-is.
const maxUsableBlockedText = 300

// policyBlocked reports a loop that finished without transport error but was
// stopped by the provider's content policy with nothing worth keeping.
func policyBlocked(state *agent.LoopState) bool {
	switch state.LastFinishReason {
	case llm.FinishRecitation:
		return true
	case llm.FinishSafety:
		return len([]rune(state.Text)) < maxUsableBlockedText
	}
	return false
}

// fallbackWorthTrying excludes timeouts: the user already waited a full
// round budget, a second model would double that.
func fallbackWorthTrying(err error) bool {
	var timeoutErr *agent.RoundTimeoutError
	if errors.As(err, &timeoutErr) {
		return false
	}
	var emptyErr *agent.EmptyResponseError
	if errors.As(err, &emptyErr) {
		return true
	}
	return llm.IsRateLimit(err) || llm.IsServerError(err) || llm.IsNetwork(err)
}

// persist saves the turn's history, logging rather than failing the turn
// on error: the user already has their answer.
func (e *Engine) persist(ctx context.Context, userID string, tc *turnContext, history []llm.Message) {
	if len(history) == 0 {
		return
	}
	err := e.store.SaveSession(ctx, &memory.Session{
		SessionID: tc.sessionID,
		UserID:    userID,
		History:   history,
		Summary:   tc.summary,
	})
	if err != nil {
		slog.Error("Session save failed", "session_id", tc.sessionID, "error", err)
		return
	}
	slog.Info("Session saved", "session_id", tc.sessionID, "messages", len(history))
}

// recordUsage bumps the profile usage counters after a successful turn.
// Best effort: a failed update never fails the turn.
func (e *Engine) recordUsage(ctx context.Context, userID string, tc *turnContext, history []llm.Message) {
	delta := len(history) - len(tc.history)
	if delta <= 0 {
		return
	}
	if err := e.store.IncrementUsage(ctx, userID, delta, tc.newSession); err != nil {
		slog.Warn("Usage stats update failed", "user_id", userID, "error", err)
	}
}

func (e *Engine) errorResult(req Request, sessionID string, resp ErrorResponse) *Result {
	return &Result{
		Text:      resp.Message,
		Products:  []map[string]any{},
		SessionID: sessionID,
		Error:     &resp,
	}
}
