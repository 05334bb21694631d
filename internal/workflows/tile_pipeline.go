// -----------------------------------------------------------------------
// tile_pipeline - three-stage geospatial workflow: discover a tile grid
// from a bounding box, process each tile in parallel, aggregate the extent
// -----------------------------------------------------------------------

package workflows

import (
	"context"
	"fmt"
	"math"

	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

const (
	TilePipelineJobType   = "tile_pipeline"
	discoverTilesTaskType = "discover-tiles"
	processTileTaskType   = "process-tile"
	aggregateTaskType     = "aggregate-extent"

	// Guard against runaway fan-out from a huge bounding box.
	maxTilesPerJob = 4096
)

// TilePipelineWorkflow slices a WGS84 bounding box into a fixed-degree tile
// grid, processes every tile in parallel and merges the per-tile extents into
// one envelope. The tile computation is pure; real imagery or catalog access
// sits behind handler service adapters.
type TilePipelineWorkflow struct{}

func NewTilePipelineWorkflow() *TilePipelineWorkflow {
	return &TilePipelineWorkflow{}
}

func (w *TilePipelineWorkflow) JobType() string {
	return TilePipelineJobType
}

func (w *TilePipelineWorkflow) Stages() []interfaces.StageDescriptor {
	return []interfaces.StageDescriptor{
		{Number: 1, TaskType: discoverTilesTaskType, Parallelism: interfaces.ParallelismSingle},
		{Number: 2, TaskType: processTileTaskType, Parallelism: interfaces.ParallelismFanOut},
		{Number: 3, TaskType: aggregateTaskType, Parallelism: interfaces.ParallelismSingle},
	}
}

func (w *TilePipelineWorkflow) ValidateParameters(params map[string]interface{}) (map[string]interface{}, error) {
	minX, err := floatParam(params, "min_x")
	if err != nil {
		return nil, err
	}
	minY, err := floatParam(params, "min_y")
	if err != nil {
		return nil, err
	}
	maxX, err := floatParam(params, "max_x")
	if err != nil {
		return nil, err
	}
	maxY, err := floatParam(params, "max_y")
	if err != nil {
		return nil, err
	}
	if minX >= maxX || minY >= maxY {
		return nil, fmt.Errorf("bounding box is degenerate: [%v,%v,%v,%v]", minX, minY, maxX, maxY)
	}
	if minX < -180 || maxX > 180 || minY < -90 || maxY > 90 {
		return nil, fmt.Errorf("bounding box exceeds WGS84 range")
	}

	tileDeg, err := floatParam(params, "tile_degrees")
	if err != nil {
		tileDeg = 1.0
	}
	if tileDeg <= 0 {
		return nil, fmt.Errorf("parameter %q must be positive", "tile_degrees")
	}

	return map[string]interface{}{
		"min_x":        minX,
		"min_y":        minY,
		"max_x":        maxX,
		"max_y":        maxY,
		"tile_degrees": tileDeg,
	}, nil
}

func (w *TilePipelineWorkflow) CreateTasksForStage(ctx context.Context, stage int,
	jobParams map[string]interface{}, jobID string, prev *models.StageResult) ([]interfaces.TaskDefinition, error) {

	switch stage {
	case 1:
		return []interfaces.TaskDefinition{
			{Index: "discover", Parameters: jobParams},
		}, nil

	case 2:
		if prev == nil || len(prev.TaskResults) == 0 {
			return nil, fmt.Errorf("stage 2 requires the discovery result")
		}
		discover := prev.TaskResults[0]
		if discover.Status != models.TaskStatusCompleted {
			return nil, fmt.Errorf("tile discovery failed, nothing to process")
		}
		tiles, ok := discover.ResultData["tiles"].([]interface{})
		if !ok || len(tiles) == 0 {
			return nil, fmt.Errorf("discovery produced no tiles")
		}

		defs := make([]interfaces.TaskDefinition, 0, len(tiles))
		for i, raw := range tiles {
			tile, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("tiles[%d] has unexpected shape", i)
			}
			x, err := floatParam(tile, "x")
			if err != nil {
				return nil, err
			}
			y, err := floatParam(tile, "y")
			if err != nil {
				return nil, err
			}
			defs = append(defs, interfaces.TaskDefinition{
				Index:      fmt.Sprintf("tile-x%d-y%d", int(x), int(y)),
				Parameters: tile,
			})
		}
		return defs, nil

	case 3:
		if prev == nil {
			return nil, fmt.Errorf("stage 3 requires the tile results")
		}
		// The aggregate task receives every successful tile extent; failed
		// tiles simply leave holes in the coverage.
		extents := make([]interface{}, 0, len(prev.TaskResults))
		for _, tr := range prev.TaskResults {
			if tr.Status == models.TaskStatusCompleted {
				extents = append(extents, tr.ResultData["extent"])
			}
		}
		if len(extents) == 0 {
			return nil, fmt.Errorf("no tile succeeded, nothing to aggregate")
		}
		return []interfaces.TaskDefinition{
			{Index: "aggregate", Parameters: map[string]interface{}{"extents": extents}},
		}, nil

	default:
		return nil, fmt.Errorf("tile_pipeline has no stage %d", stage)
	}
}

func (w *TilePipelineWorkflow) FinalizeJob(ctx context.Context, jobParams map[string]interface{},
	stageResults map[string]*models.StageResult) (map[string]interface{}, error) {
	discovery := stageResults["1"]
	processing := stageResults["2"]
	aggregate := stageResults["3"]
	if aggregate == nil || len(aggregate.TaskResults) == 0 {
		return nil, fmt.Errorf("aggregate stage result missing")
	}

	result := map[string]interface{}{
		"extent": aggregate.TaskResults[0].ResultData["extent"],
	}
	if discovery != nil && len(discovery.TaskResults) > 0 {
		result["tile_count"] = discovery.TaskResults[0].ResultData["tile_count"]
	}
	if processing != nil {
		result["processed_tiles"] = processing.SuccessfulTasks
		result["failed_tiles"] = processing.FailedTasks
	}
	return result, nil
}

func (w *TilePipelineWorkflow) StrictFailurePolicy() bool {
	return false
}

// DiscoverTilesHandler computes the tile grid covering the bounding box.
func DiscoverTilesHandler(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
	minX, err1 := floatParam(params, "min_x")
	minY, err2 := floatParam(params, "min_y")
	maxX, err3 := floatParam(params, "max_x")
	maxY, err4 := floatParam(params, "max_y")
	tileDeg, err5 := floatParam(params, "tile_degrees")
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return &interfaces.TaskOutcome{
				Success:      false,
				ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract, err.Error()),
			}
		}
	}

	x0 := int(math.Floor(minX / tileDeg))
	x1 := int(math.Ceil(maxX / tileDeg))
	y0 := int(math.Floor(minY / tileDeg))
	y1 := int(math.Ceil(maxY / tileDeg))

	count := (x1 - x0) * (y1 - y0)
	if count > maxTilesPerJob {
		return &interfaces.TaskOutcome{
			Success: false,
			ErrorDetails: models.NewErrorDetails(models.ErrorCategoryBusiness,
				fmt.Sprintf("bounding box expands to %d tiles, limit is %d", count, maxTilesPerJob)),
		}
	}

	tiles := make([]interface{}, 0, count)
	for x := x0; x < x1; x++ {
		for y := y0; y < y1; y++ {
			tiles = append(tiles, map[string]interface{}{
				"x":     float64(x),
				"y":     float64(y),
				"min_x": float64(x) * tileDeg,
				"min_y": float64(y) * tileDeg,
				"max_x": float64(x+1) * tileDeg,
				"max_y": float64(y+1) * tileDeg,
			})
		}
	}

	return &interfaces.TaskOutcome{
		Success: true,
		ResultData: map[string]interface{}{
			"tiles":      tiles,
			"tile_count": len(tiles),
		},
	}
}

// ProcessTileHandler processes a single tile, reporting its extent.
func ProcessTileHandler(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
	minX, err1 := floatParam(params, "min_x")
	minY, err2 := floatParam(params, "min_y")
	maxX, err3 := floatParam(params, "max_x")
	maxY, err4 := floatParam(params, "max_y")
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return &interfaces.TaskOutcome{
				Success:      false,
				ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract, err.Error()),
			}
		}
	}

	return &interfaces.TaskOutcome{
		Success: true,
		ResultData: map[string]interface{}{
			"extent": map[string]interface{}{
				"min_x": minX,
				"min_y": minY,
				"max_x": maxX,
				"max_y": maxY,
			},
			"centroid": map[string]interface{}{
				"x": (minX + maxX) / 2,
				"y": (minY + maxY) / 2,
			},
		},
	}
}

// AggregateExtentHandler merges the tile extents into one envelope.
func AggregateExtentHandler(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
	extents, ok := listParam(params, "extents")
	if !ok || len(extents) == 0 {
		return &interfaces.TaskOutcome{
			Success:      false,
			ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract, "parameter \"extents\" must be a non-empty list"),
		}
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i, raw := range extents {
		extent, ok := raw.(map[string]interface{})
		if !ok {
			return &interfaces.TaskOutcome{
				Success: false,
				ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract,
					fmt.Sprintf("extents[%d] has unexpected shape", i)),
			}
		}
		x0, err1 := floatParam(extent, "min_x")
		y0, err2 := floatParam(extent, "min_y")
		x1, err3 := floatParam(extent, "max_x")
		y1, err4 := floatParam(extent, "max_y")
		for _, err := range []error{err1, err2, err3, err4} {
			if err != nil {
				return &interfaces.TaskOutcome{
					Success:      false,
					ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract, err.Error()),
				}
			}
		}
		minX = math.Min(minX, x0)
		minY = math.Min(minY, y0)
		maxX = math.Max(maxX, x1)
		maxY = math.Max(maxY, y1)
	}

	return &interfaces.TaskOutcome{
		Success: true,
		ResultData: map[string]interface{}{
			"extent": map[string]interface{}{
				"min_x": minX,
				"min_y": minY,
				"max_x": maxX,
				"max_y": maxY,
			},
			"merged_tiles": len(extents),
		},
	}
}
