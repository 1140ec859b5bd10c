package service

import "github.com/ignatij/gocadence/pkg/models"

// Action is a lifecycle request against an applied cadence.
type Action string

const (
	ApplyAction   Action = "apply"
	PauseAction   Action = "pause"
	ResumeAction  Action = "resume"
	ClearAction   Action = "clear"
	AdvanceAction Action = "advance"
)

// cadenceTransitions lists the permitted (status, action) pairs and the status each leads to.
// Advance may also end in completed; the lifecycle decides that from the step count.
var cadenceTransitions = map[models.CadenceStatus]map[Action]models.CadenceStatus{
	models.ActiveCadenceStatus: {
		PauseAction:   models.PausedCadenceStatus,
		ClearAction:   models.ClearedCadenceStatus,
		AdvanceAction: models.ActiveCadenceStatus,
	},
	models.PausedCadenceStatus: {
		ResumeAction: models.ActiveCadenceStatus,
		ClearAction:  models.ClearedCadenceStatus,
	},
}

// actionTargets is the status an action requests, for error messages.
var actionTargets = map[Action]models.CadenceStatus{
	PauseAction:   models.PausedCadenceStatus,
	ResumeAction:  models.ActiveCadenceStatus,
	ClearAction:   models.ClearedCadenceStatus,
	AdvanceAction: models.ActiveCadenceStatus,
}

// nextStatus validates action against the current status.
func nextStatus(cadenceID string, from models.CadenceStatus, action Action) (models.CadenceStatus, error) {
	if to, ok := cadenceTransitions[from][action]; ok {
		return to, nil
	}
	return "", &InvalidStateTransitionError{
		CadenceID: cadenceID,
		From:      from,
		To:        actionTargets[action],
		Action:    action,
	}
}

// requiredStatus names the status an action must start from.
func requiredStatus(action Action) string {
	switch action {
	case ResumeAction:
		return string(models.PausedCadenceStatus)
	case ClearAction:
		return "active or paused"
	default:
		return string(models.ActiveCadenceStatus)
	}
}
