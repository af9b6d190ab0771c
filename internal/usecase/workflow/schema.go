package workflow

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"masterlinc/internal/domain"
)

// validateStepInput checks a step's input_data against its input_schema,
// when the step declares one.
func validateStepInput(step domain.WorkflowStep) error {
	const op = "workflow.validateStepInput"
	if len(step.InputSchema) == 0 || string(step.InputSchema) == "null" {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(step.InputSchema))
	if err != nil {
		return domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow,
			fmt.Sprintf("step %q: invalid input_schema: %v", step.ID, err))
	}

	input := step.Input
	if input == nil {
		input = map[string]any{}
	}
	result := schema.Validate(input)
	if !result.IsValid() {
		return domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow,
			fmt.Sprintf("step %q: input_data does not match input_schema: %s", step.ID, result.Error()))
	}
	return nil
}
