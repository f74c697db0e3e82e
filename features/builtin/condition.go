package builtin

import (
	"encoding/json"

	"github.com/vespid-ai/workflow-core/runtime/stepper"
)

// NewConditionExecutor builds the condition node executor. The node itself
// always succeeds with the evaluated ConditionResult as output; the stepper
// records the true/false decision separately in the v3 graph state to route
// cond_true/cond_false edges (runtime/stepper/stepper.go's stepGraph).
func NewConditionExecutor() stepper.NodeExecutor {
	return stepper.NodeExecutorFunc(func(ec stepper.ExecContext) (stepper.ExecResult, error) {
		var cfg stepper.ConditionConfig
		if len(ec.Node.Config) > 0 {
			if err := json.Unmarshal(ec.Node.Config, &cfg); err != nil {
				return stepper.ExecResult{Status: stepper.ExecFailed, Error: "condition: invalid node config: " + err.Error()}, nil
			}
		}
		result := stepper.EvaluateCondition(ec.RunInput, cfg)
		output, _ := json.Marshal(result)
		return stepper.ExecResult{Status: stepper.ExecSucceeded, Output: output}, nil
	})
}
