package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoopge/scoop/pkg/inference"
	"github.com/scoopge/scoop/pkg/llm"
	"github.com/scoopge/scoop/pkg/memory"
)

// stubClient replays scripted responses and records every request.
type stubClient struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.GenerateRequest
}

func (c *stubClient) next(req llm.GenerateRequest) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.responses) == 0 {
		return emptyResponse(), nil
	}
	resp := c.responses[0]
	if len(c.responses) > 1 {
		c.responses = c.responses[1:]
	}
	return resp, nil
}

func (c *stubClient) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.Response, error) {
	return c.next(req)
}

func (c *stubClient) GenerateStream(ctx context.Context, req llm.GenerateRequest) (<-chan llm.Chunk, <-chan error) {
	chunks := make(chan llm.Chunk, 8)
	errs := make(chan error, 1)
	resp, err := c.next(req)
	if err != nil {
		errs <- err
	} else if first := resp.First(); first != nil {
		for _, part := range first.Parts {
			if part.Text != "" {
				chunks <- llm.Chunk{Text: part.Text}
			}
			if part.FunctionCall != nil {
				chunks <- llm.Chunk{FunctionCalls: []llm.FunctionCall{*part.FunctionCall}}
			}
		}
		chunks <- llm.Chunk{FinishReason: first.FinishReason, Final: true}
	}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *stubClient) Embed(ctx context.Context, text string, dim int) ([]float32, error) {
	return make([]float32, dim), nil
}

func (c *stubClient) lastRequest() llm.GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[len(c.requests)-1]
}

func textResp(text string) *llm.Response {
	return &llm.Response{Candidates: []llm.Candidate{{
		Parts:        []llm.Part{{Text: text}},
		FinishReason: llm.FinishStop,
	}}}
}

func callResp(name string, args map[string]any) *llm.Response {
	return &llm.Response{Candidates: []llm.Candidate{{
		Parts: []llm.Part{{FunctionCall: &llm.FunctionCall{Name: name, Args: args}}},
	}}}
}

func emptyResponse() *llm.Response {
	return &llm.Response{Candidates: []llm.Candidate{{FinishReason: llm.FinishStop}}}
}

// fakeStore keeps everything in memory.
type fakeStore struct {
	mu            sync.Mutex
	profile       map[string]any
	facts         []memory.ScoredFact
	products      []map[string]any
	sessions      map[string]*memory.Session
	saved         []*memory.Session
	profileReads  int
	usageMessages int
	usageSessions int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: map[string]*memory.Session{}}
}

func (s *fakeStore) LoadSession(ctx context.Context, sessionID string) (*memory.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID], nil
}

func (s *fakeStore) LoadLatestSession(ctx context.Context, userID string) (*memory.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *memory.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if latest == nil || sess.UpdatedAt.After(latest.UpdatedAt) {
			latest = sess
		}
	}
	return latest, nil
}

func (s *fakeStore) SaveSession(ctx context.Context, sess *memory.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.SessionID] = sess
	s.saved = append(s.saved, sess)
	return nil
}

func (s *fakeStore) Profile(ctx context.Context, userID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profileReads++
	return s.profile, nil
}

func (s *fakeStore) UpdateProfile(ctx context.Context, userID string, updates map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		s.profile = map[string]any{}
	}
	for k, v := range updates {
		s.profile[k] = v
	}
	return nil
}

func (s *fakeStore) SaveFact(ctx context.Context, userID string, fact memory.Fact) (bool, error) {
	return true, nil
}

func (s *fakeStore) RelevantFacts(ctx context.Context, userID string, queryEmbedding []float32, query string, limit int, minSimilarity float64) ([]memory.ScoredFact, error) {
	return s.facts, nil
}

func (s *fakeStore) SearchProducts(ctx context.Context, query string, queryEmbedding []float32, maxPrice float64, limit int) ([]map[string]any, error) {
	return s.products, nil
}

func (s *fakeStore) ProductByID(ctx context.Context, id string) (map[string]any, error) {
	for _, p := range s.products {
		if p["id"] == id {
			return p, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) IncrementUsage(ctx context.Context, userID string, messages int, newSession bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageMessages += messages
	if newSession {
		s.usageSessions++
	}
	return nil
}

func newTestEngine(client llm.Client, store Store) *Engine {
	cfg := DefaultEngineConfig()
	cfg.SystemInstruction = "შენ ხარ Scoop, სპორტული კვების კონსულტანტი."
	cfg.ThinkingDelay = 0
	return NewEngine(client, inference.NewManager(inference.DefaultConfig()), store, nil, cfg)
}

func TestProcess_SimpleTurn(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{textResp("გამარჯობა! რით დაგეხმაროთ?")}}
	store := newFakeStore()
	e := newTestEngine(client, store)

	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "გამარჯობა"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "გამარჯობა! რით დაგეხმაროთ?", result.Text)
	assert.True(t, strings.HasPrefix(result.SessionID, "session_"))
	assert.Equal(t, "gemini-3-flash-preview", result.Model)
	assert.Equal(t, 1, result.Rounds)

	// History persisted: user message plus model answer.
	require.Len(t, store.saved, 1)
	assert.Len(t, store.saved[0].History, 2)
}

func TestProcess_ProfileContextInjected(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{textResp("კარგი")}}
	store := newFakeStore()
	store.profile = map[string]any{
		"name":      "გიორგი",
		"allergies": []any{"თხილი", "ლაქტოზა"},
		"weight":    80.0,
	}
	e := newTestEngine(client, store)

	_, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "გამარჯობა"})
	require.NoError(t, err)

	system := client.lastRequest().System
	assert.Contains(t, system, "მომხმარებლის პროფილი:")
	assert.Contains(t, system, "მომხმარებლის სახელი: გიორგი")
	assert.Contains(t, system, "ალერგიები: თხილი, ლაქტოზა")
	assert.Contains(t, system, "წონა: 80 კგ")
}

func TestProcess_RelevantFactsInjected(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{textResp("გასაგებია")}}
	store := newFakeStore()
	store.facts = []memory.ScoredFact{
		{Fact: memory.Fact{Text: "ლაქტოზის აუტანლობა აქვს"}, Score: 0.9},
	}
	e := newTestEngine(client, store)

	_, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "რომელი პროტეინი?"})
	require.NoError(t, err)

	system := client.lastRequest().System
	assert.Contains(t, system, "ცნობილი ფაქტები მომხმარებლის შესახებ:")
	assert.Contains(t, system, "ლაქტოზის აუტანლობა აქვს")
}

func TestProcess_PreflightInjectsProducts(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{textResp("გირჩევთ Whey Protein-ს")}}
	store := newFakeStore()
	store.products = []map[string]any{
		{"id": "p1", "name": "Whey Protein", "price": 89.0, "brand": "ON"},
	}
	e := newTestEngine(client, store)

	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "მინდა პროტეინი"})
	require.NoError(t, err)
	require.True(t, result.Success)

	system := client.lastRequest().System
	assert.Contains(t, system, "ხელმისაწვდომი პროდუქტები:")
	assert.Contains(t, system, "1. Whey Protein - 89₾ (ON)")

	// Preflight results surface on the result too.
	require.Len(t, result.Products, 1)
	assert.Equal(t, "Whey Protein", result.Products[0]["name"])
}

func TestProcess_ToolRoundTrip(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{
		callResp("search_products", map[string]any{"query": "კრეატინი"}),
		textResp("აი რა ვიპოვე:\n[TIP]მიიღეთ 5გ დღეში[/TIP]"),
	}}
	store := newFakeStore()
	store.products = []map[string]any{{"id": "c1", "name": "Creatine Mono", "price": 45.0}}
	e := newTestEngine(client, store)

	// Past-purchase phrasing avoids the preflight so the model calls the
	// tool itself.
	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "კრეატინზე მაინტერესებს ინფორმაცია"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "აი რა ვიპოვე:", result.Text)
	assert.Equal(t, "მიიღეთ 5გ დღეში", result.Tip)
	require.Len(t, result.Products, 1)
	assert.Equal(t, 2, result.Rounds)
}

func TestProcess_EmptyResponseBecomesError(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{emptyResponse()}}
	e := newTestEngine(client, newFakeStore())

	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "გამარჯობა"})
	require.NoError(t, err)

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrCodeEmptyResponse, result.Error.Code)
	assert.Equal(t, "პასუხის გენერირება ვერ მოხერხდა. გთხოვთ სცადოთ სხვანაირად.", result.Text)
}

func TestProcess_ReusesExistingSession(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{textResp("გაგრძელება")}}
	store := newFakeStore()
	store.sessions["session_abc123def456"] = &memory.Session{
		SessionID: "session_abc123def456",
		UserID:    "user-1",
		History: []llm.Message{
			llm.TextMessage(llm.RoleUser, "წინა კითხვა"),
			llm.TextMessage(llm.RoleModel, "წინა პასუხი"),
		},
	}
	e := newTestEngine(client, store)

	result, err := e.Process(context.Background(), Request{
		UserID:    "user-1",
		SessionID: "session_abc123def456",
		Message:   "კიდევ ერთი კითხვა",
	})
	require.NoError(t, err)

	assert.Equal(t, "session_abc123def456", result.SessionID)
	// Two prior messages, the new user message, and the model answer.
	require.Len(t, store.saved, 1)
	assert.Len(t, store.saved[0].History, 4)
}

func TestProcessStream_EventOrder(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{textResp("სალამი! [QUICK_REPLIES]\n- პროტეინები\n- კრეატინი\n[/QUICK_REPLIES]")}}
	e := newTestEngine(client, newFakeStore())

	var events []Event
	for ev := range e.ProcessStream(context.Background(), Request{UserID: "user-1", Message: "გამარჯობა"}) {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, "thinking", events[0].Type)
	assert.Equal(t, "done", events[len(events)-1].Type)
	assert.NotEmpty(t, events[len(events)-1].Data["session_id"])

	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, "text")
	assert.Contains(t, types, "quick_replies")

	// Completion thinking step is final and precedes the text event.
	var finalThinking bool
	for _, ev := range events {
		if ev.Type == "text" {
			break
		}
		if ev.Type == "thinking" && ev.Data["is_final"] == true {
			finalThinking = true
		}
	}
	assert.True(t, finalThinking)
}

func safetyResp(text string) *llm.Response {
	return &llm.Response{Candidates: []llm.Candidate{{
		Parts:        []llm.Part{{Text: text}},
		FinishReason: llm.FinishSafety,
	}}}
}

func TestProcess_ContentPolicyRerunsOnFallback(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{
		safetyResp("ნაწილობრივი პასუხი"),
		textResp("უსაფრთხო სრული პასუხი."),
	}}
	e := newTestEngine(client, newFakeStore())

	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "გამარჯობა"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "უსაფრთხო სრული პასუხი.", result.Text)
	assert.Equal(t, "gemini-2.5-pro", result.Model)
	assert.Equal(t, true, result.Metadata["fallback_used"])
}

func TestProcess_ContentPolicyOnBothModels(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{
		safetyResp("პირველი ბლოკი"),
		safetyResp("მეორე ბლოკიც"),
	}}
	e := newTestEngine(client, newFakeStore())

	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "გამარჯობა"})
	require.NoError(t, err)

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, ErrCodeContentBlocked, result.Error.Code)
	assert.Equal(t, "ბოდიში, ეს კითხვა ვერ დამუშავდა. სცადეთ სხვანაირად.", result.Text)
}

func TestProcess_ProductDetailsTool(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{
		callResp("get_product_details", map[string]any{"product_id": "c1"}),
		textResp("Creatine Mono შეიცავს 5გ კრეატინს პორციაში."),
	}}
	store := newFakeStore()
	store.products = []map[string]any{{"id": "c1", "name": "Creatine Mono", "price": 45.0}}
	e := newTestEngine(client, store)

	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "ამ პროდუქტზე მეტი ინფორმაცია მაინტერესებს"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Rounds)
	assert.Equal(t, "Creatine Mono შეიცავს 5გ კრეატინს პორციაში.", result.Text)
}

func TestProcessStream_SafetyFallback(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{
		safetyResp("მოკლე ფრაგმენტი"),
		textResp("სრული უსაფრთხო პასუხი."),
	}}
	e := newTestEngine(client, newFakeStore())

	var events []Event
	for ev := range e.ProcessStream(context.Background(), Request{UserID: "user-1", Message: "გამარჯობა"}) {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	done := events[len(events)-1]
	require.Equal(t, "done", done.Type)
	assert.Equal(t, true, done.Data["fallback_used"])
	assert.Equal(t, "gemini-2.5-pro", done.Data["model_used"])

	// Only the rerun's text reaches the client.
	for _, ev := range events {
		if ev.Type == "text" {
			assert.Equal(t, "სრული უსაფრთხო პასუხი.", ev.Data["content"])
		}
	}
}

func TestProcess_ResumesLatestSessionWithoutID(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{textResp("ვაგრძელებთ")}}
	store := newFakeStore()
	store.sessions["session_old111111111"] = &memory.Session{
		SessionID: "session_old111111111",
		UserID:    "user-1",
		History:   []llm.Message{llm.TextMessage(llm.RoleUser, "ძველი კითხვა")},
		UpdatedAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	}
	store.sessions["session_new222222222"] = &memory.Session{
		SessionID: "session_new222222222",
		UserID:    "user-1",
		History: []llm.Message{
			llm.TextMessage(llm.RoleUser, "ბოლო კითხვა"),
			llm.TextMessage(llm.RoleModel, "ბოლო პასუხი"),
		},
		UpdatedAt: time.Date(2026, 8, 22, 10, 0, 0, 0, time.UTC),
	}
	e := newTestEngine(client, store)

	// No session id in the request: the turn continues the most recent
	// conversation instead of opening a fresh one.
	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "კიდევ"})
	require.NoError(t, err)

	assert.Equal(t, "session_new222222222", result.SessionID)
	require.Len(t, store.saved, 1)
	assert.Len(t, store.saved[0].History, 4)
}

func TestProcess_ProfileToolServesCachedProfile(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{
		callResp("get_user_profile", map[string]any{}),
		textResp("თქვენი მიზანი კუნთის მასის ზრდაა."),
	}}
	store := newFakeStore()
	store.profile = map[string]any{"name": "გიორგი", "goal": "muscle_gain"}
	e := newTestEngine(client, store)

	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "რა იცი ჩემზე?"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	// The profile is loaded once while building the turn context; the tool
	// answers from that copy without another round trip.
	store.mu.Lock()
	reads := store.profileReads
	store.mu.Unlock()
	assert.Equal(t, 1, reads)
}

func TestProcess_UpdateProfileRefreshesTurnCache(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{
		callResp("update_user_profile", map[string]any{"updates": map[string]any{"weight": 82.0}}),
		callResp("get_user_profile", map[string]any{}),
		textResp("ჩავინიშნე, 82 კგ."),
	}}
	store := newFakeStore()
	store.profile = map[string]any{"name": "გიორგი"}
	e := newTestEngine(client, store)

	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "წონა განმიახლე"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 82.0, store.profile["weight"])
	// Still a single read: the update fed the cached copy directly.
	assert.Equal(t, 1, store.profileReads)
}

func TestProcess_RecordsUsageStats(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{textResp("პირველი პასუხი")}}
	store := newFakeStore()
	e := newTestEngine(client, store)

	result, err := e.Process(context.Background(), Request{UserID: "user-1", Message: "გამარჯობა"})
	require.NoError(t, err)
	require.True(t, result.Success)

	store.mu.Lock()
	assert.Equal(t, 2, store.usageMessages)
	assert.Equal(t, 1, store.usageSessions)
	store.mu.Unlock()

	// A follow-up on the same session adds messages but not a session.
	client.responses = []*llm.Response{textResp("მეორე პასუხი")}
	_, err = e.Process(context.Background(), Request{
		UserID:    "user-1",
		SessionID: result.SessionID,
		Message:   "კიდევ ერთი",
	})
	require.NoError(t, err)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, 4, store.usageMessages)
	assert.Equal(t, 1, store.usageSessions)
}

func TestProcessStream_EventPayloadsCarryType(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{
		textResp("აი პასუხი. [TIP]დალიეთ წყალი[/TIP]\n[QUICK_REPLIES]\n- პროტეინი\n- კრეატინი\n[/QUICK_REPLIES]"),
	}}
	store := newFakeStore()
	store.products = []map[string]any{{"id": "p1", "name": "Whey Gold", "price": 89.0}}
	e := newTestEngine(client, store)

	var events []Event
	for ev := range e.ProcessStream(context.Background(), Request{UserID: "user-1", Message: "მინდა პროტეინი"}) {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	// Every payload names its own event type for clients that only read data.
	for _, ev := range events {
		assert.Equal(t, ev.Type, ev.Data["type"])
	}
}

func TestProcessStream_ProductsEventRendersCards(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{textResp("აი რეკომენდაციები.")}}
	store := newFakeStore()
	store.products = []map[string]any{
		{"id": "p1", "name": "Whey Gold", "price": 89.0, "brand": "ON"},
	}
	e := newTestEngine(client, store)

	var products *Event
	for ev := range e.ProcessStream(context.Background(), Request{UserID: "user-1", Message: "მინდა პროტეინი"}) {
		if ev.Type == "products" {
			ev := ev
			products = &ev
		}
	}

	require.NotNil(t, products)
	assert.Equal(t, "**1. Whey Gold** - ON - ₾89", products.Data["content"])
	assert.Len(t, products.Data["products"], 1)
}

func TestProcessStream_ProductsEventSkipsCardsWhenTextHasThem(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{
		textResp("**1. Whey Gold** - შესანიშნავი არჩევანია\n**2. Creatine Mono** - დამწყებებისთვის"),
	}}
	store := newFakeStore()
	store.products = []map[string]any{{"id": "p1", "name": "Whey Gold", "price": 89.0}}
	e := newTestEngine(client, store)

	var products *Event
	for ev := range e.ProcessStream(context.Background(), Request{UserID: "user-1", Message: "მინდა პროტეინი"}) {
		if ev.Type == "products" {
			ev := ev
			products = &ev
		}
	}

	require.NotNil(t, products)
	assert.Equal(t, "", products.Data["content"])
	assert.Len(t, products.Data["products"], 1)
}

func TestProcessStream_ErrorEvent(t *testing.T) {
	client := &stubClient{responses: []*llm.Response{emptyResponse()}}
	e := newTestEngine(client, newFakeStore())

	var events []Event
	for ev := range e.ProcessStream(context.Background(), Request{UserID: "user-1", Message: "გამარჯობა"}) {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.Type)
	assert.Equal(t, "empty_response", last.Data["code"])
	assert.Equal(t, true, last.Data["can_retry"])
}
