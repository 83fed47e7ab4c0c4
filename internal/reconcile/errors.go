package reconcile

import "errors"

var (
	// Precondition failures, detected before a run starts
	ErrMissingClub    = errors.New("club id is required")
	ErrMissingActor   = errors.New("actor id is required")
	ErrAIUnavailable  = errors.New("no AI provider is configured")
	ErrInvalidLimit   = errors.New("limit must be positive")
	ErrNothingToMatch = errors.New("nothing to match")
	ErrRunInProgress  = errors.New("a reconciliation run is already in progress for this club")

	ErrNotFound = errors.New("not found")

	// Workflow violations; these indicate a caller bug or a race
	ErrMatchFinalized     = errors.New("match is already validated or rejected")
	ErrInvalidStatus      = errors.New("invalid match status")
	ErrPendingMatchExists = errors.New("transaction already has a pending match")

	ErrDuplicateDocument = errors.New("document was already uploaded")
	ErrInvalidExpense    = errors.New("invalid expense")
)
