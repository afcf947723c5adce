package policy

import (
	"context"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

type (
	// Rules configures the capability rule engine.
	Rules struct {
		// AllowCapabilities restricts execution to the listed capabilities.
		// Empty means every capability passes the allowlist.
		AllowCapabilities []string
		// BlockCapabilities denies the listed capabilities outright.
		BlockCapabilities []string
		// RequiredScopes maps a capability to the subject scopes it needs.
		RequiredScopes map[string][]string
		// RequiredRoles maps a capability to the subject roles it needs.
		RequiredRoles map[string][]string
		// AllowTenants restricts execution to the listed tenants. Empty
		// means no tenant filter.
		AllowTenants []string
	}

	// Engine implements Enforcer with capability allow/block sets, per
	// capability scope and role requirements, a tenant allowlist, and the
	// approval gate.
	Engine struct {
		allow   map[string]struct{}
		block   map[string]struct{}
		scopes  map[string][]string
		roles   map[string][]string
		tenants map[string]struct{}
	}
)

// NewEngine builds the rule engine.
func NewEngine(rules Rules) *Engine {
	return &Engine{
		allow:   toSet(rules.AllowCapabilities),
		block:   toSet(rules.BlockCapabilities),
		scopes:  rules.RequiredScopes,
		roles:   rules.RequiredRoles,
		tenants: toSet(rules.AllowTenants),
	}
}

// EnforcePlanStep evaluates the step against the rules. Approval-required
// denies are emitted only for steps that declare ApprovalRequired and whose
// capability has not been approved yet; everything else is a blocking deny.
func (e *Engine) EnforcePlanStep(_ context.Context, step plan.Step, input Input) (Decision, error) {
	var deny []DenyEntry
	capability := step.Capability

	if _, blocked := e.block[capability]; blocked {
		deny = append(deny, DenyEntry{Reason: "capability_blocked", Capability: capability})
	}
	if len(e.allow) > 0 {
		if _, ok := e.allow[capability]; !ok {
			deny = append(deny, DenyEntry{Reason: "missing_capability", Capability: capability})
		}
	}
	if required := e.scopes[capability]; len(required) > 0 {
		if missing(required, subjectScopes(input.Subject)) {
			deny = append(deny, DenyEntry{Reason: "missing_scope", Capability: capability})
		}
	}
	if required := e.roles[capability]; len(required) > 0 {
		if missing(required, subjectRoles(input.Subject)) {
			deny = append(deny, DenyEntry{Reason: "missing_role", Capability: capability})
		}
	}
	if len(e.tenants) > 0 {
		tenant := ""
		if input.Subject != nil {
			tenant = input.Subject.TenantID
		}
		if _, ok := e.tenants[tenant]; !ok {
			deny = append(deny, DenyEntry{Reason: "tenant_not_allowed", Capability: capability})
		}
	}
	if step.ApprovalRequired && !input.Approvals[capability] {
		deny = append(deny, DenyEntry{Reason: ReasonApprovalRequired, Capability: capability})
	}

	allow := true
	for _, d := range deny {
		if d.Reason != ReasonApprovalRequired {
			allow = false
			break
		}
	}
	if allow && len(deny) > 0 && !step.ApprovalRequired {
		allow = false
	}
	return Decision{Allow: allow, Deny: deny}, nil
}

func toSet(in []string) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func missing(required, held []string) bool {
	have := toSet(held)
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return true
		}
	}
	return false
}

func subjectScopes(s *plan.Subject) []string {
	if s == nil {
		return nil
	}
	return s.Scopes
}

func subjectRoles(s *plan.Subject) []string {
	if s == nil {
		return nil
	}
	return s.Roles
}
