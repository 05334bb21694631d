package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStatusTransitions(t *testing.T) {
	cases := []struct {
		from    TaskStatus
		to      TaskStatus
		allowed bool
	}{
		{TaskStatusQueued, TaskStatusProcessing, true},
		{TaskStatusQueued, TaskStatusFailed, true},
		{TaskStatusQueued, TaskStatusCompleted, false},
		{TaskStatusProcessing, TaskStatusCompleted, true},
		{TaskStatusProcessing, TaskStatusFailed, true},
		{TaskStatusProcessing, TaskStatusRetrying, true},
		{TaskStatusProcessing, TaskStatusQueued, true},
		{TaskStatusRetrying, TaskStatusQueued, true},
		{TaskStatusRetrying, TaskStatusFailed, false},
		{TaskStatusCompleted, TaskStatusFailed, false},
		{TaskStatusFailed, TaskStatusQueued, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestBuildTaskID(t *testing.T) {
	jobID := "a1b2c3d4" + strings.Repeat("00", 28)

	id, err := BuildTaskID(jobID, 2, "tile-x140-y-35")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4-s2-tile-x140-y-35", id)

	_, err = BuildTaskID("short", 1, "0")
	assert.Error(t, err)

	_, err = BuildTaskID(jobID, 1, "has space")
	assert.Error(t, err)

	_, err = BuildTaskID(jobID, 1, "has/slash")
	assert.Error(t, err)

	_, err = BuildTaskID(jobID, 1, "")
	assert.Error(t, err)
}

func TestNewTask(t *testing.T) {
	jobID := "deadbeef" + strings.Repeat("00", 28)

	task, err := NewTask(jobID, "greet_reply", "greet", 1, "greet-0", map[string]interface{}{"name": "Ada"})
	require.NoError(t, err)

	assert.Equal(t, "deadbeef-s1-greet-0", task.TaskID)
	assert.Equal(t, jobID, task.ParentJobID)
	assert.Equal(t, TaskStatusQueued, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Nil(t, task.Heartbeat)
	require.NoError(t, task.Validate())
}

func TestTaskValidateRejectsPrefixMismatch(t *testing.T) {
	jobID := "deadbeef" + strings.Repeat("00", 28)
	task, err := NewTask(jobID, "greet_reply", "greet", 1, "greet-0", nil)
	require.NoError(t, err)

	task.TaskID = "feedface-s1-greet-0"
	assert.Error(t, task.Validate())
}

func TestTaskStampHeartbeat(t *testing.T) {
	jobID := "deadbeef" + strings.Repeat("00", 28)
	task, err := NewTask(jobID, "greet_reply", "greet", 1, "greet-0", nil)
	require.NoError(t, err)

	task.StampHeartbeat()
	require.NotNil(t, task.Heartbeat)
	assert.False(t, task.Heartbeat.IsZero())
}
