package turn

import "errors"

var (
	// ErrTurnAlreadyActive is returned when ExecuteTurn is called on a
	// session that is not idle. Callers must wait or query status; turns
	// are never queued silently.
	ErrTurnAlreadyActive = errors.New("turn already active for session")

	// ErrClassificationFailed is the terminal error after classification
	// retries are exhausted.
	ErrClassificationFailed = errors.New("intent classification failed")

	// ErrSynthesisFailed wraps a mid-stream model failure. Partial
	// content is discarded, never persisted.
	ErrSynthesisFailed = errors.New("response synthesis failed")

	// ErrApprovalRejected marks a user's rejection of a paused turn.
	// It is a decision, not a system fault.
	ErrApprovalRejected = errors.New("turn rejected by user")

	// ErrTurnCancelled marks a turn aborted by an explicit CancelTurn.
	ErrTurnCancelled = errors.New("turn cancelled")

	// ErrNoPendingTurn is returned by ResumeTurn when the session has no
	// parked turn to resume.
	ErrNoPendingTurn = errors.New("no pending turn awaiting approval")
)
