// Copyright (C) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package tasks_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/autobids/pipeline/tasks"
)

func TestStageNames(t *testing.T) {
	for stage := tasks.StageUnknown + 1; stage < tasks.StageCount; stage++ {
		parsed, err := tasks.ParseStage(stage.String())
		require.NoError(t, err)
		require.Equal(t, stage, parsed)
	}

	_, err := tasks.ParseStage("unknown")
	require.Error(t, err)
	_, err = tasks.ParseStage("bogus")
	require.Error(t, err)

	require.Equal(t, "unknown", tasks.Stage(-1).String())
	require.False(t, tasks.StageCount.Valid())
}

func TestStageJSON(t *testing.T) {
	data, err := json.Marshal(map[string]tasks.Stage{"stage": tasks.StageWipeDataset})
	require.NoError(t, err)
	require.JSONEq(t, `{"stage":"wipe-dataset"}`, string(data))

	var decoded struct{ Stage tasks.Stage }
	require.NoError(t, json.Unmarshal([]byte(`{"Stage":"archival"}`), &decoded))
	require.Equal(t, tasks.StageArchival, decoded.Stage)

	_, err = json.Marshal(tasks.StageUnknown)
	require.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, tasks.StatusPending.Terminal())
	require.False(t, tasks.StatusRunning.Terminal())
	require.True(t, tasks.StatusSucceeded.Terminal())
	require.True(t, tasks.StatusFailed.Terminal())
}
