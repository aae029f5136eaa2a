package signaling

import "carelink-realtime/pkg/models"

// allowedTransitions is the call phase graph. Idle is the absence of a
// session; terminal phases remove the session.
var allowedTransitions = map[models.CallPhase]map[models.CallPhase]struct{}{
	models.PhaseIdle: {
		models.PhaseRinging: {},
	},
	models.PhaseRinging: {
		models.PhaseAccepted:  {},
		models.PhaseRejected:  {},
		models.PhaseCancelled: {},
		models.PhaseEnded:     {},
	},
	models.PhaseAccepted: {
		models.PhaseNegotiating: {},
		models.PhaseCancelled:   {},
		models.PhaseEnded:       {},
	},
	models.PhaseNegotiating: {
		models.PhaseConnected: {},
		models.PhaseCancelled: {},
		models.PhaseEnded:     {},
	},
	models.PhaseConnected: {
		models.PhaseCancelled: {},
		models.PhaseEnded:     {},
	},
	models.PhaseEnded:     {},
	models.PhaseRejected:  {},
	models.PhaseCancelled: {},
}

func canTransition(from, to models.CallPhase) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}
