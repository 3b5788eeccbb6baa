package planner

import "context"

// PauseStore is the optional persistence seam for pause/resume. A state
// store that doesn't satisfy it means pause/resume only works within the
// lifetime of the process holding the Loop.
type PauseStore interface {
	SavePause(ctx context.Context, key string, state PauseState) error
	LoadPause(ctx context.Context, key string) (PauseState, bool, error)
}

// PauseKey builds the (session_id, trace_id)-scoped key pause state is
// stored under.
func PauseKey(sessionID, traceID string) string {
	return sessionID + "/" + traceID
}
