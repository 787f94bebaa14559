package engine

import (
	"context"
	"errors"

	"github.com/scoopge/scoop/pkg/agent"
	"github.com/scoopge/scoop/pkg/llm"
)

// ErrorCode identifies a user-facing failure category.
type ErrorCode string

const (
	ErrCodeEmptyResponse  ErrorCode = "empty_response"
	ErrCodeTimeout        ErrorCode = "timeout"
	ErrCodeNoProducts     ErrorCode = "no_products"
	ErrCodeInternal       ErrorCode = "internal_error"
	ErrCodeContentBlocked ErrorCode = "content_blocked"
)

// ErrorResponse carries the Georgian message shown to the user when a turn
// fails. Every code is retryable from the client's perspective.
type ErrorResponse struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	CanRetry bool      `json:"can_retry"`
}

var errorResponses = map[ErrorCode]ErrorResponse{
	ErrCodeEmptyResponse: {
		Code:     ErrCodeEmptyResponse,
		Message:  "პასუხის გენერირება ვერ მოხერხდა. გთხოვთ სცადოთ სხვანაირად.",
		CanRetry: true,
	},
	ErrCodeTimeout: {
		Code:     ErrCodeTimeout,
		Message:  "მოთხოვნას ძალიან დიდი დრო დასჭირდა.",
		CanRetry: true,
	},
	ErrCodeNoProducts: {
		Code:     ErrCodeNoProducts,
		Message:  "პროდუქტები ვერ მოიძებნა თქვენი კრიტერიუმებით.",
		CanRetry: true,
	},
	ErrCodeInternal: {
		Code:     ErrCodeInternal,
		Message:  "დროებითი შეცდომა. გთხოვთ სცადოთ ხელახლა.",
		CanRetry: true,
	},
	ErrCodeContentBlocked: {
		Code:     ErrCodeContentBlocked,
		Message:  "ბოდიში, ეს კითხვა ვერ დამუშავდა. სცადეთ სხვანაირად.",
		CanRetry: true,
	},
}

// errContentBlocked marks a turn where every tried model was stopped by the
// provider's content policy.
var errContentBlocked = errors.New("response blocked by content policy")

// ErrorResponseFor looks up the canned response for a code, defaulting to
// the internal error.
func ErrorResponseFor(code ErrorCode) ErrorResponse {
	if resp, ok := errorResponses[code]; ok {
		return resp
	}
	return errorResponses[ErrCodeInternal]
}

// ClassifyError maps a pipeline error to the user-facing response.
func ClassifyError(err error) ErrorResponse {
	var timeoutErr *agent.RoundTimeoutError
	var emptyErr *agent.EmptyResponseError

	switch {
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded), llm.IsTimeout(err):
		return ErrorResponseFor(ErrCodeTimeout)
	case errors.As(err, &emptyErr):
		return ErrorResponseFor(ErrCodeEmptyResponse)
	case errors.Is(err, errContentBlocked):
		return ErrorResponseFor(ErrCodeContentBlocked)
	default:
		return ErrorResponseFor(ErrCodeInternal)
	}
}
