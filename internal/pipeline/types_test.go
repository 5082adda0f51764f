package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgumentSourceRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		src  ArgumentSource
	}{
		{"constant", ArgumentSource{Kind: ArgumentConstant, ConstantValue: "hello"}},
		{"graph_input", ArgumentSource{Kind: ArgumentGraphInput, GraphInputName: "in1"}},
		{"task_output", ArgumentSource{Kind: ArgumentTaskOutput, TaskID: "t1", OutputName: "out1"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.src)
			require.NoError(t, err)

			var decoded ArgumentSource
			require.NoError(t, json.Unmarshal(raw, &decoded))
			assert.Equal(t, tc.src, decoded)
		})
	}
}

func TestArgumentSourceWireShape(t *testing.T) {
	raw, err := json.Marshal(ArgumentSource{Kind: ArgumentTaskOutput, TaskID: "t1", OutputName: "out1"})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))

	_, hasTaskOutput := generic["task_output"]
	assert.True(t, hasTaskOutput)
	_, hasConstant := generic["constant"]
	assert.False(t, hasConstant)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusWaitingForUpstream, StatusQueued))
	assert.True(t, CanTransition(StatusQueued, StatusPending))
	assert.True(t, CanTransition(StatusPending, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusSucceeded))

	assert.False(t, CanTransition(StatusSucceeded, StatusRunning), "terminal states have no outgoing edges")
	assert.False(t, CanTransition(StatusWaitingForUpstream, StatusRunning), "must pass through QUEUED/PENDING first")
	assert.False(t, CanTransition(StatusQueued, StatusQueued), "not a self-loop in the permitted edge table")
}

func TestContainerStatusTerminal(t *testing.T) {
	terminal := []ContainerStatus{StatusSucceeded, StatusFailed, StatusSkipped, StatusSystemError, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}

	nonTerminal := []ContainerStatus{StatusUninitialized, StatusWaitingForUpstream, StatusQueued, StatusPending, StatusRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestExecutionNodeIsContainer(t *testing.T) {
	status := StatusQueued
	container := &ExecutionNode{ContainerExecutionStatus: &status}
	assert.True(t, container.IsContainer())

	graph := &ExecutionNode{}
	assert.False(t, graph.IsContainer())
}
