package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_HappyPathEdges(t *testing.T) {
	path := []Status{StatusInit, StatusBackup, StatusStore, StatusIndex, StatusOK}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransition(path[i+1]), "%s -> %s", path[i], path[i+1])
		assert.Equal(t, path[i+1], path[i].Next())
	}
	assert.True(t, StatusRun.CanTransition(StatusOK))
}

func TestStatus_NoSkippingStates(t *testing.T) {
	assert.False(t, StatusInit.CanTransition(StatusStore))
	assert.False(t, StatusBackup.CanTransition(StatusIndex))
	assert.False(t, StatusStore.CanTransition(StatusOK))
	assert.False(t, StatusRun.CanTransition(StatusIndex))
}

func TestStatus_RetryAndTimeoutEdges(t *testing.T) {
	assert.Equal(t, StatusRetryStore, StatusStore.RetryState())
	assert.Equal(t, StatusRetryIndex, StatusIndex.RetryState())
	assert.Empty(t, StatusBackup.RetryState())

	assert.True(t, StatusRetryStore.CanTransition(StatusStore))
	assert.True(t, StatusRetryIndex.CanTransition(StatusIndex))

	assert.Equal(t, StatusErrorInit, StatusInit.TimeoutState())
	assert.Equal(t, StatusErrorCommit, StatusRun.TimeoutState())
	assert.Empty(t, StatusStore.TimeoutState())
}

func TestStatus_FatalFromAnyNonTerminal(t *testing.T) {
	for _, s := range []Status{StatusInit, StatusBackup, StatusStore, StatusIndex, StatusRun, StatusRetryStore, StatusRetryIndex} {
		assert.True(t, s.CanTransition(StatusFatal), "%s -> FATAL", s)
	}
}

func TestStatus_TerminalStatesAreFinal(t *testing.T) {
	for _, s := range []Status{StatusOK, StatusFatal, StatusErrorInit, StatusErrorCommit} {
		assert.True(t, s.Terminal())
		assert.False(t, s.CanTransition(StatusFatal))
		assert.False(t, s.CanTransition(StatusOK))
	}
	assert.False(t, StatusOK.Failed())
	assert.True(t, StatusFatal.Failed())
}
