package ir

// Status is an operation lifecycle state.
type Status string

const (
	StatusInit        Status = "INIT"
	StatusBackup      Status = "BACKUP"
	StatusStore       Status = "STORE"
	StatusIndex       Status = "INDEX"
	StatusRun         Status = "RUN"
	StatusOK          Status = "OK"
	StatusFatal       Status = "FATAL"
	StatusRetryStore  Status = "RETRY_STORE"
	StatusRetryIndex  Status = "RETRY_INDEX"
	StatusErrorInit   Status = "ERROR_INIT"
	StatusErrorCommit Status = "ERROR_COMMIT"
)

// transitions is the complete edge table. FATAL is reachable from every
// non-terminal state and is added by CanTransition.
var transitions = map[Status][]Status{
	StatusInit:       {StatusBackup, StatusErrorInit},
	StatusBackup:     {StatusStore},
	StatusStore:      {StatusIndex, StatusRetryStore},
	StatusRetryStore: {StatusStore},
	StatusIndex:      {StatusOK, StatusRetryIndex},
	StatusRetryIndex: {StatusIndex},
	StatusRun:        {StatusOK, StatusErrorCommit},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusOK, StatusFatal, StatusErrorInit, StatusErrorCommit:
		return true
	}
	return false
}

// Failed reports whether s is a terminal failure state.
func (s Status) Failed() bool {
	return s.Terminal() && s != StatusOK
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFatal {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Next returns the happy-path successor of s, or "" when s has none.
func (s Status) Next() Status {
	switch s {
	case StatusInit:
		return StatusBackup
	case StatusBackup:
		return StatusStore
	case StatusStore:
		return StatusIndex
	case StatusIndex, StatusRun:
		return StatusOK
	case StatusRetryStore:
		return StatusStore
	case StatusRetryIndex:
		return StatusIndex
	}
	return ""
}

// RetryState returns the retry parking state for a stage, or "" when the
// stage does not support retry.
func (s Status) RetryState() Status {
	switch s {
	case StatusStore:
		return StatusRetryStore
	case StatusIndex:
		return StatusRetryIndex
	}
	return ""
}

// TimeoutState returns the error state an operation stuck in s is forced
// into by the timeout sweep, or "" when s has no timeout edge.
func (s Status) TimeoutState() Status {
	switch s {
	case StatusInit:
		return StatusErrorInit
	case StatusRun:
		return StatusErrorCommit
	}
	return ""
}
