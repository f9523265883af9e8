package pipeline

// State is the lifecycle position of a run.
type State int32

const (
	StateIdle State = iota
	StateDeterminingMode
	StateExtracting
	StateLoadingFinalBatch
	StateCommitted
	StateRolledBack
)

var stateNames = [...]string{
	StateIdle:              "IDLE",
	StateDeterminingMode:   "DETERMINING_MODE",
	StateExtracting:        "EXTRACTING",
	StateLoadingFinalBatch: "LOADING_FINAL_BATCH",
	StateCommitted:         "COMMITTED",
	StateRolledBack:        "ROLLED_BACK",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether the run has finished.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}
