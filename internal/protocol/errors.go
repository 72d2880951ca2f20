package protocol

import (
	"errors"

	"github.com/manpreetbhatti/lattice-collab/internal/ot"
	"github.com/manpreetbhatti/lattice-collab/internal/session"
)

// ErrRateLimited is reported to clients sending faster than allowed.
var ErrRateLimited = errors.New("rate limit exceeded")

// Error codes sent in error envelopes and API error bodies.
const (
	CodeNotFound         = "not_found"
	CodeOutOfRange       = "out_of_range"
	CodeInvalidOperation = "invalid_operation"
	CodeRateLimited      = "rate_limited"
	CodeBadRequest       = "bad_request"
	CodeConflict         = "conflict"
)

// ErrorCode classifies err. Anything unknown is a bad request.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ot.ErrOutOfRange):
		return CodeOutOfRange
	case errors.Is(err, ot.ErrInvalidOperation), errors.Is(err, session.ErrInvalidArgument):
		return CodeInvalidOperation
	case errors.Is(err, session.ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeBadRequest
	}
}
