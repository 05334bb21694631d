package workflows

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/models"
	"github.com/ternarybob/strata/internal/registry"
)

func TestRegisterAllWiresEveryWorkflow(t *testing.T) {
	logger := arbor.NewLogger()
	tasks := registry.NewTaskRegistry(logger)
	workflows := registry.NewWorkflowRegistry(tasks, logger)

	require.NoError(t, RegisterAll(workflows, tasks))
	assert.Equal(t, []string{GreetReplyJobType, HelloWorldJobType, TilePipelineJobType}, workflows.JobTypes())

	// Every stage of every workflow resolves to a handler.
	for _, jobType := range workflows.JobTypes() {
		spec, ok := workflows.Get(jobType)
		require.True(t, ok)
		for _, stage := range spec.Stages() {
			_, ok := tasks.Handler(stage.TaskType)
			assert.True(t, ok, "%s stage %d task type %s", jobType, stage.Number, stage.TaskType)
		}
	}
}

func TestHelloWorldWorkflow(t *testing.T) {
	w := NewHelloWorldWorkflow()
	ctx := context.Background()

	_, err := w.ValidateParameters(map[string]interface{}{})
	assert.Error(t, err)

	params, err := w.ValidateParameters(map[string]interface{}{"message": "world", "extra": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"message": "world"}, params, "unknown keys are dropped")

	defs, err := w.CreateTasksForStage(ctx, 1, params, "", nil)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "0", defs[0].Index)

	outcome := HelloHandler(ctx, params, nil)
	require.True(t, outcome.Success)
	assert.Equal(t, "Hello, world", outcome.ResultData["greeting"])
}

func TestGreetReplyValidation(t *testing.T) {
	w := NewGreetReplyWorkflow()

	_, err := w.ValidateParameters(map[string]interface{}{})
	assert.Error(t, err)

	_, err = w.ValidateParameters(map[string]interface{}{"names": []interface{}{}})
	assert.Error(t, err)

	_, err = w.ValidateParameters(map[string]interface{}{"names": []interface{}{"a", 2}})
	assert.Error(t, err)

	params, err := w.ValidateParameters(map[string]interface{}{"names": []interface{}{"ada", "bob"}})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"ada", "bob"}, params["names"])
}

func TestGreetReplyStagePairing(t *testing.T) {
	w := NewGreetReplyWorkflow()
	ctx := context.Background()
	params := map[string]interface{}{"names": []interface{}{"ada", "bob", "cleo"}}

	stage1, err := w.CreateTasksForStage(ctx, 1, params, "", nil)
	require.NoError(t, err)
	require.Len(t, stage1, 3)
	assert.Equal(t, "greet-0", stage1[0].Index)
	assert.Equal(t, map[string]interface{}{"name": "ada"}, stage1[0].Parameters)

	// Stage 2 replies only to successful greetings, keeping index pairing.
	prev := &models.StageResult{
		StageNumber: 1, StageKey: "1",
		TaskResults: []models.TaskResultSnapshot{
			{TaskIndex: "greet-0", Status: models.TaskStatusCompleted,
				ResultData: map[string]interface{}{"greeting": "Hello, ada"}},
			{TaskIndex: "greet-1", Status: models.TaskStatusFailed},
			{TaskIndex: "greet-2", Status: models.TaskStatusCompleted,
				ResultData: map[string]interface{}{"greeting": "Hello, cleo"}},
		},
	}
	stage2, err := w.CreateTasksForStage(ctx, 2, params, "", prev)
	require.NoError(t, err)
	require.Len(t, stage2, 2)
	assert.Equal(t, "reply-0", stage2[0].Index)
	assert.Equal(t, "reply-2", stage2[1].Index)
	assert.Equal(t, "Hello, ada", stage2[0].Parameters["greeting"])

	// With nothing succeeded, stage 2 cannot be generated.
	allFailed := &models.StageResult{
		StageNumber: 1, StageKey: "1",
		TaskResults: []models.TaskResultSnapshot{
			{TaskIndex: "greet-0", Status: models.TaskStatusFailed},
		},
	}
	_, err = w.CreateTasksForStage(ctx, 2, params, "", allFailed)
	assert.Error(t, err)
}

func TestGreetReplyHandlersAndFinalize(t *testing.T) {
	ctx := context.Background()

	greet := GreetHandler(ctx, map[string]interface{}{"name": "ada"}, nil)
	require.True(t, greet.Success)
	assert.Equal(t, "Hello, ada", greet.ResultData["greeting"])

	reply := ReplyHandler(ctx, map[string]interface{}{"greeting": "Hello, ada"}, nil)
	require.True(t, reply.Success)
	assert.Equal(t, "Hello, ada to you too", reply.ResultData["reply"])

	w := NewGreetReplyWorkflow()
	result, err := w.FinalizeJob(ctx, nil, map[string]*models.StageResult{
		"2": {
			StageNumber: 2, StageKey: "2",
			TaskResults: []models.TaskResultSnapshot{
				{Status: models.TaskStatusCompleted, ResultData: map[string]interface{}{"reply": "r1"}},
				{Status: models.TaskStatusFailed},
				{Status: models.TaskStatusCompleted, ResultData: map[string]interface{}{"reply": "r2"}},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"r1", "r2"}, result["replies"])
}

func TestTilePipelineValidation(t *testing.T) {
	w := NewTilePipelineWorkflow()

	_, err := w.ValidateParameters(map[string]interface{}{"min_x": 1.0})
	assert.Error(t, err)

	// Degenerate box
	_, err = w.ValidateParameters(map[string]interface{}{
		"min_x": 2.0, "min_y": 0.0, "max_x": 1.0, "max_y": 1.0,
	})
	assert.Error(t, err)

	// Outside WGS84
	_, err = w.ValidateParameters(map[string]interface{}{
		"min_x": -200.0, "min_y": 0.0, "max_x": 1.0, "max_y": 1.0,
	})
	assert.Error(t, err)

	params, err := w.ValidateParameters(map[string]interface{}{
		"min_x": 140.0, "min_y": -35.0, "max_x": 142.0, "max_y": -33.0,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, params["tile_degrees"], "tile_degrees defaults to 1 degree")
}

func TestDiscoverTilesGrid(t *testing.T) {
	ctx := context.Background()

	outcome := DiscoverTilesHandler(ctx, map[string]interface{}{
		"min_x": 140.0, "min_y": -35.0, "max_x": 142.0, "max_y": -33.0, "tile_degrees": 1.0,
	}, nil)
	require.True(t, outcome.Success)

	assert.Equal(t, 4, outcome.ResultData["tile_count"])
	tiles := outcome.ResultData["tiles"].([]interface{})
	require.Len(t, tiles, 4)

	first := tiles[0].(map[string]interface{})
	assert.Equal(t, 140.0, first["min_x"])
	assert.Equal(t, 141.0, first["max_x"])
}

func TestDiscoverTilesRefusesRunawayFanOut(t *testing.T) {
	outcome := DiscoverTilesHandler(context.Background(), map[string]interface{}{
		"min_x": -180.0, "min_y": -90.0, "max_x": 180.0, "max_y": 90.0, "tile_degrees": 1.0,
	}, nil)
	require.False(t, outcome.Success)
	assert.Equal(t, models.ErrorCategoryBusiness, outcome.ErrorDetails.Category)
}

func TestTilePipelineStage2FanOut(t *testing.T) {
	w := NewTilePipelineWorkflow()
	ctx := context.Background()

	discover := DiscoverTilesHandler(ctx, map[string]interface{}{
		"min_x": 0.0, "min_y": 0.0, "max_x": 2.0, "max_y": 1.0, "tile_degrees": 1.0,
	}, nil)
	require.True(t, discover.Success)

	prev := &models.StageResult{
		StageNumber: 1, StageKey: "1",
		TaskResults: []models.TaskResultSnapshot{
			{TaskIndex: "discover", Status: models.TaskStatusCompleted, ResultData: discover.ResultData},
		},
	}

	defs, err := w.CreateTasksForStage(ctx, 2, nil, "", prev)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "tile-x0-y0", defs[0].Index)
	assert.Equal(t, "tile-x1-y0", defs[1].Index)
}

func TestAggregateExtentMergesEnvelope(t *testing.T) {
	outcome := AggregateExtentHandler(context.Background(), map[string]interface{}{
		"extents": []interface{}{
			map[string]interface{}{"min_x": 0.0, "min_y": 0.0, "max_x": 1.0, "max_y": 1.0},
			map[string]interface{}{"min_x": 3.0, "min_y": -2.0, "max_x": 4.0, "max_y": 1.0},
		},
	}, nil)
	require.True(t, outcome.Success)

	extent := outcome.ResultData["extent"].(map[string]interface{})
	assert.Equal(t, 0.0, extent["min_x"])
	assert.Equal(t, -2.0, extent["min_y"])
	assert.Equal(t, 4.0, extent["max_x"])
	assert.Equal(t, 1.0, extent["max_y"])
	assert.Equal(t, 2, outcome.ResultData["merged_tiles"])
}

func TestTilePipelineStage3SkipsFailedTiles(t *testing.T) {
	w := NewTilePipelineWorkflow()
	ctx := context.Background()

	prev := &models.StageResult{
		StageNumber: 2, StageKey: "2",
		TaskResults: []models.TaskResultSnapshot{
			{TaskIndex: "tile-x0-y0", Status: models.TaskStatusCompleted,
				ResultData: map[string]interface{}{"extent": map[string]interface{}{"min_x": 0.0}}},
			{TaskIndex: "tile-x1-y0", Status: models.TaskStatusFailed},
		},
	}

	defs, err := w.CreateTasksForStage(ctx, 3, nil, "", prev)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	extents := defs[0].Parameters["extents"].([]interface{})
	assert.Len(t, extents, 1)

	// All tiles failed: nothing to aggregate, the job fails.
	allFailed := &models.StageResult{
		StageNumber: 2, StageKey: "2",
		TaskResults: []models.TaskResultSnapshot{
			{TaskIndex: "tile-x0-y0", Status: models.TaskStatusFailed},
		},
	}
	_, err = w.CreateTasksForStage(ctx, 3, nil, "", allFailed)
	assert.Error(t, err)
}
