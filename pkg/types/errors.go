package types

import "errors"

// Error taxonomy shared by every hub component. Components wrap these with
// context using fmt.Errorf("%w: ...") and callers classify with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrMessageTooLarge  = errors.New("message too large")
	ErrRateLimited      = errors.New("rate limited")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Wire codes for the error taxonomy.
const (
	CodeNotFound         = "not_found"
	CodeForbidden        = "forbidden"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeMessageTooLarge  = "message_too_large"
	CodeRateLimited      = "rate_limited"
	CodeInvalidArgument  = "invalid_argument"
	CodeInternal         = "internal"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrMessageTooLarge):
		return CodeMessageTooLarge
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}
