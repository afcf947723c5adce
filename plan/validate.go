package plan

import (
	"errors"
	"fmt"
	"regexp"
)

// planIDPattern accepts "plan-" followed by either an 8-hex short id or a
// full lowercase UUID, matching the ids minted by the front end.
var planIDPattern = regexp.MustCompile(`^plan-(?:[0-9a-f]{8}|[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)

// ValidPlanID reports whether id matches the accepted plan id shape.
func ValidPlanID(id string) bool {
	return planIDPattern.MatchString(id)
}

// Validate checks a plan before submission: id shape, presence of steps, and
// per-step requirements (unique non-empty ids, tool, capability, positive
// timeout). It returns the first problem found.
func Validate(p Plan) error {
	if !ValidPlanID(p.ID) {
		return fmt.Errorf("invalid plan id %q", p.ID)
	}
	if len(p.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	seen := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d: empty id", i)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("step %d: duplicate id %q", i, step.ID)
		}
		seen[step.ID] = struct{}{}
		if step.Tool == "" {
			return fmt.Errorf("step %q: missing tool", step.ID)
		}
		if step.Capability == "" {
			return fmt.Errorf("step %q: missing capability", step.ID)
		}
		if step.TimeoutSeconds <= 0 {
			return fmt.Errorf("step %q: timeoutSeconds must be positive", step.ID)
		}
	}
	return nil
}
