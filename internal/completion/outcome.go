// Package completion wraps the upstream chat-completion API behind a closed
// Outcome taxonomy. Each call is a single attempt; there are no retries.
package completion

import (
	"context"
	"strings"
)

// EmptyResponseText replaces a blank model answer.
const EmptyResponseText = "The model returned an empty answer. Try rephrasing your question."

// Kind enumerates the possible outcomes of one completion call.
type Kind int

const (
	KindSuccess Kind = iota + 1
	KindAuthFailure
	KindRateLimited
	KindTransientError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindAuthFailure:
		return "auth_failure"
	case KindRateLimited:
		return "rate_limited"
	case KindTransientError:
		return "transient_error"
	default:
		return "unknown"
	}
}

// Outcome is the result of a completion call. Text is set only for success;
// Err carries the upstream error for logging.
type Outcome struct {
	Kind  Kind
	Text  string
	Empty bool
	Err   error
}

// Success builds a success outcome, normalizing blank answers.
func Success(text string) Outcome {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{Kind: KindSuccess, Text: EmptyResponseText, Empty: true}
	}
	return Outcome{Kind: KindSuccess, Text: text}
}

// Failure builds a non-success outcome.
func Failure(kind Kind, err error) Outcome {
	return Outcome{Kind: kind, Err: err}
}

// OK reports whether the call succeeded; only successful calls keep their
// quota reservation.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// Gateway performs one completion call per prompt.
type Gateway interface {
	Complete(ctx context.Context, prompt string) Outcome
}
