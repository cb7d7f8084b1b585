// Stable error codes carried in every ErrorResponse. Clients branch on
// these, not on messages; once shipped a code never changes meaning. The
// generic set mirrors HTTP status semantics, the rest name behaviors a bare
// status cannot convey (a 409 from the idempotency layer is not a 409 from
// a duplicate watcher).

package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeDuplicateInProgress = "duplicate_in_progress"
	ErrCodeCreateFailed        = "create_failed"
	ErrCodeListFailed          = "list_failed"
	ErrCodeUpdateFailed        = "update_failed"
	ErrCodeMethodNotAllowed    = "method_not_allowed"
)
