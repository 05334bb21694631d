package workflows

import (
	"fmt"

	"github.com/ternarybob/strata/internal/interfaces"
)

// RegisterAll wires the built-in workflows and their handlers into the
// registries. Handlers register first so workflow registration can verify
// that every stage's task type resolves.
func RegisterAll(workflows interfaces.WorkflowRegistry, tasks interfaces.TaskRegistry) error {
	handlers := map[string]interfaces.TaskHandler{
		helloWorldTaskType:    HelloHandler,
		greetTaskType:         GreetHandler,
		replyTaskType:         ReplyHandler,
		discoverTilesTaskType: DiscoverTilesHandler,
		processTileTaskType:   ProcessTileHandler,
		aggregateTaskType:     AggregateExtentHandler,
	}
	for taskType, handler := range handlers {
		if err := tasks.RegisterHandler(taskType, handler); err != nil {
			return fmt.Errorf("failed to register handler %s: %w", taskType, err)
		}
	}

	specs := []interfaces.WorkflowSpec{
		NewHelloWorldWorkflow(),
		NewGreetReplyWorkflow(),
		NewTilePipelineWorkflow(),
	}
	for _, spec := range specs {
		if err := workflows.Register(spec); err != nil {
			return fmt.Errorf("failed to register workflow %s: %w", spec.JobType(), err)
		}
	}
	return nil
}
