package store

import "qms/queue-engine/internal/models"

const (
	ActionCallNext = "call_next"
	ActionComplete = "complete"
	ActionSkip     = "skip"
	ActionRequeue  = "requeue"
	ActionCancel   = "cancel"
)

type transition struct {
	from []string
	to   string
}

var transitionMap = map[string]transition{
	ActionCallNext: {from: []string{models.StatusWaiting}, to: models.StatusCalled},
	ActionComplete: {from: []string{models.StatusCalled}, to: models.StatusCompleted},
	ActionSkip:     {from: []string{models.StatusWaiting, models.StatusCalled}, to: models.StatusSkipped},
	ActionRequeue:  {from: []string{models.StatusSkipped}, to: models.StatusWaiting},
	ActionCancel:   {from: []string{models.StatusWaiting, models.StatusCalled, models.StatusSkipped}, to: models.StatusCancelled},
}

// NextStatus returns the status an entry moves to when action is applied
// from fromStatus.
func NextStatus(action, fromStatus string) (string, bool) {
	t, ok := transitionMap[action]
	if !ok {
		return "", false
	}
	for _, status := range t.from {
		if status == fromStatus {
			return t.to, true
		}
	}
	return "", false
}
