// Package agent implements the function-calling loop and tool execution
// layer between the conversation engine and the model.
package agent

import (
	"context"
	"fmt"
)

// ToolHandler executes one tool call. The returned map becomes the
// function response sent back to the model; a "products" key holding
// []map[string]any is additionally tracked by the executor.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// ToolResult is the outcome of executing one function call.
type ToolResult struct {
	Name       string
	Response   map[string]any
	Products   []map[string]any
	Skipped    bool
	SkipReason string
}

// RoundResult classifies one loop round.
type RoundResult string

const (
	RoundComplete RoundResult = "COMPLETE" // text, no function calls
	RoundContinue RoundResult = "CONTINUE" // function calls to execute
	RoundEmpty    RoundResult = "EMPTY"    // neither text nor calls
	RoundError    RoundResult = "ERROR"
)

// RoundTimeoutError reports a round exceeding its time budget.
type RoundTimeoutError struct {
	Round   int
	Timeout string
}

func (e *RoundTimeoutError) Error() string {
	return fmt.Sprintf("round %d timed out after %s", e.Round, e.Timeout)
}

// EmptyResponseError reports a loop that produced no usable text.
type EmptyResponseError struct {
	Rounds         int
	ProductsFound  int
	RetryAttempted bool
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("no text generated after %d rounds (products=%d, retried=%v)",
		e.Rounds, e.ProductsFound, e.RetryAttempted)
}
