package inference

import (
	"strings"
	"sync"

	"github.com/scoopge/scoop/pkg/assembly"
	"github.com/scoopge/scoop/pkg/llm"
)

// FallbackReason classifies why a primary call failed.
type FallbackReason string

const (
	ReasonRateLimit       FallbackReason = "rate_limit"
	ReasonServerError     FallbackReason = "server_error"
	ReasonTimeout         FallbackReason = "timeout"
	ReasonNetworkError    FallbackReason = "network_error"
	ReasonSafetyBlock     FallbackReason = "safety_block"
	ReasonRecitationBlock FallbackReason = "recitation_block"
	ReasonEmptyResponse   FallbackReason = "empty_response"
	ReasonIncomplete      FallbackReason = "incomplete_response"
	ReasonPromptBlocked   FallbackReason = "prompt_blocked"
	ReasonUnknown         FallbackReason = "unknown_error"
)

// minIncompleteLength guards the incomplete-response heuristic: shorter
// texts ending in a colon are usually list headers, not truncation.
const minIncompleteLength = 50

// FallbackDecision is the trigger's verdict for one failure.
type FallbackDecision struct {
	ShouldFallback bool
	Reason         FallbackReason
	Retryable      bool
	Severity       int
}

// FallbackTrigger inspects failures and decides between retrying the same
// model and switching down the fallback chain. Transient transport errors
// are retryable; content-policy outcomes are not.
type FallbackTrigger struct {
	mu       sync.Mutex
	byReason map[FallbackReason]int
}

// NewFallbackTrigger creates a trigger with zeroed counters.
func NewFallbackTrigger() *FallbackTrigger {
	return &FallbackTrigger{byReason: make(map[FallbackReason]int)}
}

// AnalyzeError classifies a call error.
func (t *FallbackTrigger) AnalyzeError(err error) FallbackDecision {
	var d FallbackDecision
	switch {
	case llm.IsRateLimit(err):
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonRateLimit, Retryable: true, Severity: 2}
	case llm.IsTimeout(err):
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonTimeout, Retryable: true, Severity: 2}
	case llm.IsServerError(err):
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonServerError, Retryable: true, Severity: 3}
	case llm.IsNetwork(err):
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonNetworkError, Retryable: true, Severity: 3}
	default:
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonUnknown, Retryable: true, Severity: 1}
	}
	t.count(d.Reason)
	return d
}

// AnalyzeResponse classifies a response that completed without transport
// error but cannot be used.
func (t *FallbackTrigger) AnalyzeResponse(resp *llm.Response) FallbackDecision {
	var d FallbackDecision
	switch {
	case resp.Blocked():
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonPromptBlocked, Retryable: false, Severity: 3}
	case resp.First() == nil:
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonEmptyResponse, Retryable: true, Severity: 1}
	case resp.First().FinishReason == llm.FinishSafety:
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonSafetyBlock, Retryable: false, Severity: 3}
	case resp.First().FinishReason == llm.FinishRecitation:
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonRecitationBlock, Retryable: false, Severity: 2}
	case strings.TrimSpace(resp.Text()) == "" && len(resp.FunctionCalls()) == 0:
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonEmptyResponse, Retryable: true, Severity: 1}
	case isIncomplete(resp.Text()):
		d = FallbackDecision{ShouldFallback: true, Reason: ReasonIncomplete, Retryable: true, Severity: 1}
	default:
		d = FallbackDecision{ShouldFallback: false, Reason: ReasonUnknown, Retryable: false, Severity: 0}
	}
	if d.Reason != ReasonUnknown || d.ShouldFallback {
		t.count(d.Reason)
	}
	return d
}

func isIncomplete(text string) bool {
	return len([]rune(text)) >= minIncompleteLength && assembly.IsIncomplete(text)
}

func (t *FallbackTrigger) count(reason FallbackReason) {
	t.mu.Lock()
	t.byReason[reason]++
	t.mu.Unlock()
}

// Metrics returns a copy of the per-reason failure counters.
func (t *FallbackTrigger) Metrics() map[FallbackReason]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[FallbackReason]int, len(t.byReason))
	for k, v := range t.byReason {
		out[k] = v
	}
	return out
}

// Reset zeroes the counters.
func (t *FallbackTrigger) Reset() {
	t.mu.Lock()
	t.byReason = make(map[FallbackReason]int)
	t.mu.Unlock()
}
