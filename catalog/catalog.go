// Package catalog holds per-tool JSON schemas and validates step inputs
// against them at submission time. Tools without a registered schema pass
// validation; a schema violation fails the whole submission before any state
// is touched.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

type (
	// Validator compiles and applies tool input schemas.
	Validator struct {
		mu      sync.RWMutex
		schemas map[string]*jsonschema.Schema
	}

	// ValidationError reports a step input that failed its tool's schema.
	ValidationError struct {
		StepID string
		Tool   string
		Cause  error
	}
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("step %s: input rejected by schema for tool %s: %v", e.StepID, e.Tool, e.Cause)
}

// Unwrap exposes the schema violation.
func (e *ValidationError) Unwrap() error { return e.Cause }

// New constructs an empty validator.
func New() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// RegisterTool compiles schemaJSON and binds it to the tool, replacing any
// previous schema.
func (v *Validator) RegisterTool(tool string, schemaJSON []byte) error {
	if tool == "" {
		return fmt.Errorf("tool name is required")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("parse schema for tool %s: %w", tool, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource for tool %s: %w", tool, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", tool, err)
	}
	v.mu.Lock()
	v.schemas[tool] = schema
	v.mu.Unlock()
	return nil
}

// HasSchema reports whether the tool carries a registered schema.
func (v *Validator) HasSchema(tool string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[tool]
	return ok
}

// ValidateStepInput checks the step's input against its tool's schema. Steps
// whose tool has no schema pass.
func (v *Validator) ValidateStepInput(step plan.Step) error {
	v.mu.RLock()
	schema, ok := v.schemas[step.Tool]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	// Round-trip the document so the instance uses the decoded forms the
	// validator expects.
	data, err := json.Marshal(step.Input)
	if err != nil {
		return &ValidationError{StepID: step.ID, Tool: step.Tool, Cause: err}
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{StepID: step.ID, Tool: step.Tool, Cause: err}
	}
	if err := schema.Validate(instance); err != nil {
		return &ValidationError{StepID: step.ID, Tool: step.Tool, Cause: err}
	}
	return nil
}

// ValidatePlan checks every step of the plan, stopping at the first failure.
func (v *Validator) ValidatePlan(p plan.Plan) error {
	for _, step := range p.Steps {
		if err := v.ValidateStepInput(step); err != nil {
			return err
		}
	}
	return nil
}
