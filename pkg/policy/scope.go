package policy

// effectiveScope is the rule set a single evaluation is checked against:
// either the workspace itself (no roles declared) or one role policy.
// It is resolved once, so the evaluator never mixes the two.
type effectiveScope interface {
	allowedActions() StringSet
	toolsFor(action Action) StringSet
	describeActionDenial(action Action, workspaceID string) string
}

type workspaceScope struct {
	policy *WorkspacePolicy
}

func (s workspaceScope) allowedActions() StringSet {
	return s.policy.AllowedActions
}

func (s workspaceScope) toolsFor(action Action) StringSet {
	return s.policy.AllowedToolNames.ForAction(action)
}

func (s workspaceScope) describeActionDenial(action Action, workspaceID string) string {
	return "action '" + string(action) + "' is not allowed in workspace '" + workspaceID + "'"
}

type roleScope struct {
	role   Role
	policy *RolePolicy
}

func (s roleScope) allowedActions() StringSet {
	return s.policy.AllowedActions
}

func (s roleScope) toolsFor(action Action) StringSet {
	return s.policy.AllowedToolNames.ForAction(action)
}

func (s roleScope) describeActionDenial(action Action, workspaceID string) string {
	return "action '" + string(action) + "' is not allowed for role '" + string(s.role) + "' in workspace '" + workspaceID + "'"
}

func (s roleScope) requiredScopes(action Action) StringSet {
	return s.policy.RequiredScopes[action]
}

// resolveScope picks the effective scope for a caller. requested is the raw
// role supplied by the caller and may be empty. ok is false when the
// workspace declares roles and the resolved role is not one of them; role
// is then the value to quote in the denial.
func resolveScope(wp *WorkspacePolicy, requested string, fallback Role) (scope effectiveScope, role string, ok bool) {
	role = NormalizeName(requested)
	if role == "" {
		role = string(wp.DefaultRole)
	}
	if role == "" {
		role = string(fallback)
	}
	if role == "" {
		role = string(RoleViewer)
	}

	if len(wp.Roles) == 0 {
		return workspaceScope{policy: wp}, role, true
	}
	parsed, valid := ParseRole(role)
	if !valid {
		return nil, role, false
	}
	rp, declared := wp.Roles[parsed]
	if !declared || rp == nil {
		return nil, role, false
	}
	return roleScope{role: parsed, policy: rp}, role, true
}

// allows reports whether set permits name. A wildcard member permits
// everything; an empty set permits nothing.
func allows(set StringSet, name string) bool {
	return set.HasWildcard() || set.Has(name)
}
