// -----------------------------------------------------------------------
// hello_world - minimal single-stage workflow
// -----------------------------------------------------------------------

package workflows

import (
	"context"
	"fmt"

	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

const (
	HelloWorldJobType  = "hello_world"
	helloWorldTaskType = "hello"
)

// HelloWorldWorkflow greets with the submitted message. One stage, one task.
type HelloWorldWorkflow struct{}

func NewHelloWorldWorkflow() *HelloWorldWorkflow {
	return &HelloWorldWorkflow{}
}

func (w *HelloWorldWorkflow) JobType() string {
	return HelloWorldJobType
}

func (w *HelloWorldWorkflow) Stages() []interfaces.StageDescriptor {
	return []interfaces.StageDescriptor{
		{Number: 1, TaskType: helloWorldTaskType, Parallelism: interfaces.ParallelismSingle},
	}
}

func (w *HelloWorldWorkflow) ValidateParameters(params map[string]interface{}) (map[string]interface{}, error) {
	message, err := stringParam(params, "message")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"message": message}, nil
}

func (w *HelloWorldWorkflow) CreateTasksForStage(ctx context.Context, stage int,
	jobParams map[string]interface{}, jobID string, prev *models.StageResult) ([]interfaces.TaskDefinition, error) {
	if stage != 1 {
		return nil, fmt.Errorf("hello_world has no stage %d", stage)
	}
	return []interfaces.TaskDefinition{
		{Index: "0", Parameters: jobParams},
	}, nil
}

func (w *HelloWorldWorkflow) FinalizeJob(ctx context.Context, jobParams map[string]interface{},
	stageResults map[string]*models.StageResult) (map[string]interface{}, error) {
	sr := stageResults["1"]
	if sr == nil || len(sr.TaskResults) == 0 {
		return nil, fmt.Errorf("stage 1 result missing")
	}
	return map[string]interface{}{
		"greeting":     sr.TaskResults[0].ResultData["greeting"],
		"success_rate": sr.SuccessRate,
	}, nil
}

func (w *HelloWorldWorkflow) StrictFailurePolicy() bool {
	return false
}

// HelloHandler produces the greeting.
func HelloHandler(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
	message, err := stringParam(params, "message")
	if err != nil {
		return &interfaces.TaskOutcome{
			Success:      false,
			ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract, err.Error()),
		}
	}
	return &interfaces.TaskOutcome{
		Success: true,
		ResultData: map[string]interface{}{
			"greeting": fmt.Sprintf("Hello, %s", message),
		},
	}
}
