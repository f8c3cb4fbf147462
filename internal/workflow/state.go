package workflow

import "github.com/JakeFAU/catalog-crawler/internal/crawler"

// State is a workflow lifecycle stage.
type State string

// Lifecycle: Idle → Seeding → Dispatched → Executing → Done | Failed. Seeding
// and Dispatched are driven by Run; the rest are derived from run history.
const (
	StateIdle       State = "idle"
	StateSeeding    State = "seeding"
	StateDispatched State = "dispatched"
	StateExecuting  State = "executing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// StateOf maps a run status onto the lifecycle.
func StateOf(status crawler.RunStatus) State {
	switch status {
	case crawler.RunQueued:
		return StateDispatched
	case crawler.RunRunning:
		return StateExecuting
	case crawler.RunCompleted:
		return StateDone
	case crawler.RunFailed:
		return StateFailed
	default:
		return StateIdle
	}
}
