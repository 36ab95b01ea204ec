package pam

// Stage is a position in the authenticator lifecycle.
type Stage string

const (
	StageStart        Stage = "START"
	StageAuth         Stage = "AUTH"
	StageLogin        Stage = "LOGIN"
	StageOpenSession  Stage = "OPEN_SESSION"
	StageLogout       Stage = "LOGOUT"
	StageCloseSession Stage = "CLOSE_SESSION"
	StageFailed       Stage = "FAILED"
	StageEnded        Stage = "ENDED"
)

// Terminal reports whether no further operation is possible from s.
func (s Stage) Terminal() bool {
	return s == StageFailed || s == StageEnded
}

func (s Stage) String() string {
	return string(s)
}

// stageTransitions is the legal transition graph. OPEN_SESSION and
// CLOSE_SESSION are transitional: they are held while the native call runs.
var stageTransitions = map[Stage]map[Stage]struct{}{
	StageStart: {
		StageAuth:   {},
		StageFailed: {},
		StageEnded:  {},
	},
	StageAuth: {
		StageLogin:  {},
		StageFailed: {},
		StageEnded:  {},
	},
	StageLogin: {
		StageOpenSession: {},
		StageFailed:      {},
		StageEnded:       {},
	},
	StageOpenSession: {
		StageLogout: {},
		StageFailed: {},
		StageEnded:  {},
	},
	StageLogout: {
		StageCloseSession: {},
		StageEnded:        {},
	},
	StageCloseSession: {
		StageEnded: {},
	},
}

func canTransition(from, to Stage) bool {
	if allowed, ok := stageTransitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func checkStage(current, expected Stage) error {
	if current.Terminal() {
		return preconditionf("%s: authenticator is terminated", current)
	}
	if current != expected {
		return preconditionf("%s: unexpected authenticator run state. Expected: %s", current, expected)
	}
	return nil
}
