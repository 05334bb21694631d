// -----------------------------------------------------------------------
// greet_reply - two-stage fan-out workflow with paired semantic indexes
// -----------------------------------------------------------------------

package workflows

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/strata/internal/interfaces"
	"github.com/ternarybob/strata/internal/models"
)

const (
	GreetReplyJobType = "greet_reply"
	greetTaskType     = "greet"
	replyTaskType     = "reply"
)

// GreetReplyWorkflow greets a list of names in parallel, then replies to each
// greeting in a second fan-out stage. Stage 2 tasks pair with stage 1 tasks
// by semantic index: reply-i consumes greet-i's result.
type GreetReplyWorkflow struct{}

func NewGreetReplyWorkflow() *GreetReplyWorkflow {
	return &GreetReplyWorkflow{}
}

func (w *GreetReplyWorkflow) JobType() string {
	return GreetReplyJobType
}

func (w *GreetReplyWorkflow) Stages() []interfaces.StageDescriptor {
	return []interfaces.StageDescriptor{
		{Number: 1, TaskType: greetTaskType, Parallelism: interfaces.ParallelismFanOut},
		{Number: 2, TaskType: replyTaskType, Parallelism: interfaces.ParallelismFanOut},
	}
}

func (w *GreetReplyWorkflow) ValidateParameters(params map[string]interface{}) (map[string]interface{}, error) {
	list, ok := listParam(params, "names")
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("parameter %q must be a non-empty list of strings", "names")
	}
	names := make([]interface{}, 0, len(list))
	for i, raw := range list {
		name, ok := raw.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("names[%d] must be a non-empty string", i)
		}
		names = append(names, name)
	}
	return map[string]interface{}{"names": names}, nil
}

func (w *GreetReplyWorkflow) CreateTasksForStage(ctx context.Context, stage int,
	jobParams map[string]interface{}, jobID string, prev *models.StageResult) ([]interfaces.TaskDefinition, error) {

	names, _ := listParam(jobParams, "names")

	switch stage {
	case 1:
		defs := make([]interfaces.TaskDefinition, 0, len(names))
		for i, name := range names {
			defs = append(defs, interfaces.TaskDefinition{
				Index:      fmt.Sprintf("greet-%d", i),
				Parameters: map[string]interface{}{"name": name},
			})
		}
		return defs, nil

	case 2:
		if prev == nil {
			return nil, fmt.Errorf("stage 2 requires the stage 1 result")
		}
		defs := make([]interfaces.TaskDefinition, 0, len(prev.TaskResults))
		for _, tr := range prev.TaskResults {
			if tr.Status != models.TaskStatusCompleted {
				// A failed greeting gets no reply; the indexes stay paired.
				continue
			}
			index := strings.Replace(tr.TaskIndex, "greet-", "reply-", 1)
			defs = append(defs, interfaces.TaskDefinition{
				Index: index,
				Parameters: map[string]interface{}{
					"greeting": tr.ResultData["greeting"],
				},
			})
		}
		if len(defs) == 0 {
			return nil, fmt.Errorf("no successful greetings to reply to")
		}
		return defs, nil

	default:
		return nil, fmt.Errorf("greet_reply has no stage %d", stage)
	}
}

func (w *GreetReplyWorkflow) FinalizeJob(ctx context.Context, jobParams map[string]interface{},
	stageResults map[string]*models.StageResult) (map[string]interface{}, error) {
	sr := stageResults["2"]
	if sr == nil {
		return nil, fmt.Errorf("stage 2 result missing")
	}
	replies := make([]interface{}, 0, len(sr.TaskResults))
	for _, tr := range sr.TaskResults {
		if tr.Status == models.TaskStatusCompleted {
			replies = append(replies, tr.ResultData["reply"])
		}
	}
	return map[string]interface{}{
		"replies": replies,
	}, nil
}

func (w *GreetReplyWorkflow) StrictFailurePolicy() bool {
	return false
}

// GreetHandler produces one greeting.
func GreetHandler(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
	name, err := stringParam(params, "name")
	if err != nil {
		return &interfaces.TaskOutcome{
			Success:      false,
			ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract, err.Error()),
		}
	}
	return &interfaces.TaskOutcome{
		Success: true,
		ResultData: map[string]interface{}{
			"greeting": fmt.Sprintf("Hello, %s", name),
		},
	}
}

// ReplyHandler answers one greeting.
func ReplyHandler(ctx context.Context, params map[string]interface{}, hctx *interfaces.HandlerContext) *interfaces.TaskOutcome {
	greeting, err := stringParam(params, "greeting")
	if err != nil {
		return &interfaces.TaskOutcome{
			Success:      false,
			ErrorDetails: models.NewErrorDetails(models.ErrorCategoryContract, err.Error()),
		}
	}
	return &interfaces.TaskOutcome{
		Success: true,
		ResultData: map[string]interface{}{
			"reply": fmt.Sprintf("%s to you too", greeting),
		},
	}
}
