package collab

import "errors"

var (
	// ErrJoinTimeout means no join acknowledgment arrived within the
	// timeout window. Retrying Join is safe: no partial state is left.
	ErrJoinTimeout = errors.New("collab: timed out waiting for join acknowledgment")

	// ErrSessionActive means Join was called while a session is live.
	// Callers must Leave first; nested sessions are not supported.
	ErrSessionActive = errors.New("collab: a session is already active")

	// ErrJoinInProgress means a second Join raced an unfinished one.
	ErrJoinInProgress = errors.New("collab: a join is already in progress")

	// ErrCoordinatorClosed means the coordinator was cleaned up and can no
	// longer join sessions.
	ErrCoordinatorClosed = errors.New("collab: coordinator is closed")
)
