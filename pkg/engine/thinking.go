package engine

import (
	"fmt"
	"strings"
)

// ThinkingStrategy selects how progress feedback is produced during
// streaming. The simple loader emits canned Georgian steps for immediate
// feedback; native forwards the model's own thought tokens; none is silent.
type ThinkingStrategy string

const (
	ThinkingNone         ThinkingStrategy = "none"
	ThinkingSimpleLoader ThinkingStrategy = "simple_loader"
	ThinkingNative       ThinkingStrategy = "native"
)

// ParseThinkingStrategy maps a config string to a strategy, falling back to
// none for unknown values.
func ParseThinkingStrategy(s string) ThinkingStrategy {
	switch ThinkingStrategy(s) {
	case ThinkingSimpleLoader, ThinkingNative, ThinkingNone:
		return ThinkingStrategy(s)
	}
	return ThinkingNone
}

// ThinkingEvent is one progress step shown to the user.
type ThinkingEvent struct {
	Content string
	Step    int
	IsFinal bool
}

// SSEData renders the event as a stream payload.
func (e ThinkingEvent) SSEData() map[string]any {
	return map[string]any{
		"type":     "thinking",
		"content":  e.Content,
		"step":     e.Step,
		"is_final": e.IsFinal,
	}
}

// Canned step sequences by detected intent.
var (
	searchSteps = []string{
		"ვკითხულობ მოთხოვნას...",
		"ვეძებ შესაბამის პროდუქტებს...",
	}
	recommendSteps = []string{
		"ვაანალიზებ თქვენს კითხვას...",
		"ვეძებ საუკეთესო ვარიანტებს...",
	}
	generalSteps = []string{
		"ვფიქრობ...",
		"ვამზადებ პასუხს...",
	}
)

var functionCallMessages = map[string]string{
	"search_products":     "ვეძებ პროდუქტებს ბაზაში...",
	"get_user_profile":    "ვამოწმებ თქვენს პროფილს...",
	"update_user_profile": "ვაახლებ თქვენს პროფილს...",
	"get_product_details": "ვამოწმებ პროდუქტის დეტალებს...",
	"save_user_fact":      "ვიმახსოვრებ ამ დეტალს...",
}

// ThinkingManager produces the progress events for one streamed turn.
// Steps are numbered incrementally; the completion event is emitted once.
type ThinkingManager struct {
	strategy       ThinkingStrategy
	customMessages []string

	step     int
	complete bool
}

// NewThinkingManager builds a manager. Custom messages, when given,
// replace the canned loader steps.
func NewThinkingManager(strategy ThinkingStrategy, customMessages []string) *ThinkingManager {
	return &ThinkingManager{strategy: strategy, customMessages: customMessages}
}

// Strategy returns the configured strategy.
func (m *ThinkingManager) Strategy() ThinkingStrategy { return m.strategy }

// StepCount returns how many steps have been issued.
func (m *ThinkingManager) StepCount() int { return m.step }

// IsComplete reports whether the completion event has been emitted.
func (m *ThinkingManager) IsComplete() bool { return m.complete }

// InitialEvents returns the opening loader steps for the message. Only the
// simple loader produces them; native thinking comes from the model itself.
func (m *ThinkingManager) InitialEvents(message string) []ThinkingEvent {
	if m.strategy != ThinkingSimpleLoader {
		return nil
	}

	messages := m.customMessages
	if len(messages) == 0 {
		messages = stepsForMessage(message)
	}

	events := make([]ThinkingEvent, 0, len(messages))
	for _, content := range messages {
		m.step++
		events = append(events, ThinkingEvent{Content: content, Step: m.step})
	}
	return events
}

func stepsForMessage(message string) []string {
	lower := strings.ToLower(message)
	for _, marker := range []string{"მოძებნ", "მომიძებნ", "მინდა ვიყიდო", "ძებნა"} {
		if strings.Contains(lower, marker) {
			return searchSteps
		}
	}
	for _, marker := range []string{"რომელი", "ჯობია", "მირჩიე", "საუკეთესო"} {
		if strings.Contains(lower, marker) {
			return recommendSteps
		}
	}
	for _, stem := range productStems {
		if strings.Contains(lower, stem) {
			return searchSteps
		}
	}
	return generalSteps
}

// FunctionCallEvent announces a tool execution mid-stream.
func (m *ThinkingManager) FunctionCallEvent(name string) *ThinkingEvent {
	if m.strategy == ThinkingNone {
		return nil
	}
	content, ok := functionCallMessages[name]
	if !ok {
		content = fmt.Sprintf("ვამუშავებ: %s...", name)
	}
	m.step++
	return &ThinkingEvent{Content: content, Step: m.step}
}

// RetryEvent announces the summary-demand retry after a silent round.
func (m *ThinkingManager) RetryEvent(productCount int) *ThinkingEvent {
	if m.strategy == ThinkingNone {
		return nil
	}
	m.step++
	return &ThinkingEvent{
		Content: fmt.Sprintf("ნაპოვნია %d პროდუქტი, ვამზადებ რეკომენდაციას...", productCount),
		Step:    m.step,
	}
}

// FallbackEvent announces a rerun on the next model down the chain.
func (m *ThinkingManager) FallbackEvent() *ThinkingEvent {
	if m.strategy == ThinkingNone {
		return nil
	}
	m.step++
	return &ThinkingEvent{Content: "ვამუშავებ პასუხს სხვა მოდელით...", Step: m.step}
}

// CompletionEvent closes the thinking sequence. Returns nil on repeat calls.
func (m *ThinkingManager) CompletionEvent() *ThinkingEvent {
	if m.strategy == ThinkingNone || m.complete {
		return nil
	}
	m.complete = true
	m.step++
	return &ThinkingEvent{Content: "პასუხი მზადაა", Step: m.step, IsFinal: true}
}
