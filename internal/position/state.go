package position

import (
	"fmt"

	"github.com/atmx/hedge-engine/internal/model"
)

// validTransitions lists the allowed moves out of each state. ENTERING
// falls back to IDLE and EXITING to ACTIVE when a submission fails.
var validTransitions = map[model.PositionState][]model.PositionState{
	model.StateIdle:        {model.StateEntering},
	model.StateEntering:    {model.StateActive, model.StateIdle, model.StateError},
	model.StateActive:      {model.StateRebalancing, model.StateExiting},
	model.StateRebalancing: {model.StateActive, model.StateExiting, model.StateError},
	model.StateExiting:     {model.StateClosed, model.StateActive, model.StateError},
	model.StateError:       {model.StateExiting}, // manual unwind only
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to model.PositionState) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(p *model.Position, to model.PositionState) error {
	if !CanTransition(p.State, to) {
		return fmt.Errorf("%w: %s/%s %s -> %s", model.ErrInvalidTransition, p.Tenant, p.Market, p.State, to)
	}
	p.State = to
	return nil
}
