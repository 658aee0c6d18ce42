package lifecycle

import (
	"tool-factory/internal/models"
)

// transitions is the single source of truth for pipeline topology: each
// status maps to the set of statuses it may legally move to next. A status
// absent from the table (or mapped to an empty set) is a dead end.
var transitions = map[models.Status][]models.Status{
	models.StatusSubmitted:         {models.StatusProcessing, models.StatusQAFailed},
	models.StatusProcessing:        {models.StatusReadyForReview, models.StatusQAFailed, models.StatusEscalated},
	models.StatusQAFailed:          {models.StatusDeploying, models.StatusProcessing, models.StatusRejected},
	models.StatusEscalated:         {models.StatusRejected},
	models.StatusReadyForReview:    {models.StatusDeploying, models.StatusRejected, models.StatusRevisionRequested, models.StatusProcessing},
	models.StatusRevisionRequested: {models.StatusProcessing},
	models.StatusDeploying:         {models.StatusDeployed, models.StatusDeployFailed},
	models.StatusDeployFailed:      {models.StatusDeploying},
	models.StatusDeployed:          {},
	models.StatusRejected:          {},
}

// Initial is the status a job enters when it is created; the bootstrap
// ledger entry records a nil from-status for it.
const Initial = models.StatusSubmitted

// CanTransition reports whether from may legally move to to.
func CanTransition(from, to models.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidNextStatuses returns a copy of the allowed-set for from. The result
// is empty for terminal and unknown statuses.
func ValidNextStatuses(from models.Status) []models.Status {
	next := transitions[from]
	out := make([]models.Status, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether status has no outgoing transitions. Statuses
// not in the table are dead ends, not terminals: reaching one is a defect.
func IsTerminal(status models.Status) bool {
	next, known := transitions[status]
	return known && len(next) == 0
}

// Known reports whether status is in the lifecycle table at all.
func Known(status models.Status) bool {
	_, ok := transitions[status]
	return ok
}

// All returns every status in the table.
func All() []models.Status {
	out := make([]models.Status, 0, len(transitions))
	for s := range transitions {
		out = append(out, s)
	}
	return out
}
