// Package policy implements the workspace-scoped tool policy engine.
//
// Every call the platform makes into an MCP tool server on behalf of a
// workspace is evaluated against that workspace's policy. The engine is
// deny-by-default: an unknown workspace, action, role, server, tool or
// argument value is refused, and a policy document that fails validation is
// replaced by an empty policy set rather than partially trusted.
//
// Example policy document:
//
//	version: 1
//	default_workspace: ws-1
//	workspaces:
//	  ws-1:
//	    allowed_mcp_servers: [mcp-github]
//	    allowed_tool_actions: [read, write]
//	    allowed_tool_names:
//	      read: [github_list_issues]
//	      write: [github_create_issue]
//	    allowlists:
//	      tools:
//	        github_create_issue: { repository: ["brainego/*"] }
//	    max_tool_calls_per_request: 10
package policy

import (
	"sort"
	"strings"
)

// Wildcard matches any server, action or tool name where a set allows it.
const Wildcard = "*"

// Action is the operation category of a tool call.
type Action string

// Supported actions. The set is closed.
const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// SupportedActions lists the closed action set in display order.
var SupportedActions = []Action{ActionRead, ActionWrite, ActionDelete}

// ParseAction normalizes s and reports whether it names a supported action.
func ParseAction(s string) (Action, bool) {
	a := Action(NormalizeName(s))
	switch a {
	case ActionRead, ActionWrite, ActionDelete:
		return a, true
	}
	return "", false
}

// IsMutating reports whether the action changes state downstream.
func (a Action) IsMutating() bool {
	return a == ActionWrite || a == ActionDelete
}

// Role is a caller role within a workspace.
type Role string

// Supported roles. The set is closed.
const (
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
	RoleViewer    Role = "viewer"
)

// ParseRole normalizes s and reports whether it names a supported role.
func ParseRole(s string) (Role, bool) {
	r := Role(NormalizeName(s))
	switch r {
	case RoleAdmin, RoleDeveloper, RoleViewer:
		return r, true
	}
	return "", false
}

// StringSet is an unordered set of normalized names.
type StringSet map[string]struct{}

// NewStringSet builds a set from values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports whether v is in the set.
func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// HasWildcard reports whether the set contains "*".
func (s StringSet) HasWildcard() bool {
	return s.Has(Wildcard)
}

// Sorted returns the members in lexical order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s StringSet) Clone() StringSet {
	if s == nil {
		return nil
	}
	out := make(StringSet, len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

// ToolNames maps an action (or "*") to the tool names allowed for it.
type ToolNames map[string]StringSet

// ForAction merges the "*" bucket with the bucket for action.
func (t ToolNames) ForAction(action Action) StringSet {
	out := make(StringSet)
	for name := range t[Wildcard] {
		out[name] = struct{}{}
	}
	for name := range t[string(action)] {
		out[name] = struct{}{}
	}
	return out
}

// Clone returns an independent copy.
func (t ToolNames) Clone() ToolNames {
	if t == nil {
		return nil
	}
	out := make(ToolNames, len(t))
	for k, v := range t {
		out[k] = v.Clone()
	}
	return out
}

// ArgumentPatterns maps an argument name to the globs its values must match.
type ArgumentPatterns map[string][]string

// Clone returns an independent copy.
func (a ArgumentPatterns) Clone() ArgumentPatterns {
	if a == nil {
		return nil
	}
	out := make(ArgumentPatterns, len(a))
	for k, v := range a {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Allowlists holds argument-value constraints at three scopes. Constraints
// from all scopes that apply to a call are merged by union.
type Allowlists struct {
	Global  ArgumentPatterns
	Servers map[string]ArgumentPatterns
	Tools   map[string]ArgumentPatterns
}

// Clone returns an independent copy.
func (a Allowlists) Clone() Allowlists {
	out := Allowlists{Global: a.Global.Clone()}
	if a.Servers != nil {
		out.Servers = make(map[string]ArgumentPatterns, len(a.Servers))
		for k, v := range a.Servers {
			out.Servers[k] = v.Clone()
		}
	}
	if a.Tools != nil {
		out.Tools = make(map[string]ArgumentPatterns, len(a.Tools))
		for k, v := range a.Tools {
			out.Tools[k] = v.Clone()
		}
	}
	return out
}

// DefaultRedactionReplacement replaces redacted argument values.
const DefaultRedactionReplacement = "[REDACTED]"

// RedactionRule replaces an argument value in audit output when any of its
// values matches one of Patterns.
type RedactionRule struct {
	Argument    string
	Patterns    []string
	Replacement string
}

// RolePolicy overrides the workspace action and tool rules for one role.
type RolePolicy struct {
	Role             Role
	AllowedActions   StringSet
	AllowedToolNames ToolNames

	// RequiredScopes lists the credential scopes a caller must present to
	// perform an action under this role.
	RequiredScopes map[Action]StringSet
}

// Clone returns an independent copy.
func (r *RolePolicy) Clone() *RolePolicy {
	if r == nil {
		return nil
	}
	out := &RolePolicy{
		Role:             r.Role,
		AllowedActions:   r.AllowedActions.Clone(),
		AllowedToolNames: r.AllowedToolNames.Clone(),
	}
	if r.RequiredScopes != nil {
		out.RequiredScopes = make(map[Action]StringSet, len(r.RequiredScopes))
		for k, v := range r.RequiredScopes {
			out.RequiredScopes[k] = v.Clone()
		}
	}
	return out
}

// WorkspacePolicy is the complete rule set of one workspace.
//
// Once roles are declared, the role policy replaces the workspace-level
// AllowedActions and AllowedToolNames for callers of that role; the two are
// never merged.
type WorkspacePolicy struct {
	WorkspaceID      string
	AllowedServers   StringSet
	AllowedActions   StringSet
	AllowedToolNames ToolNames
	Allowlists       Allowlists
	DefaultRole      Role
	Roles            map[Role]*RolePolicy

	// MaxToolCallsPerRequest caps calls sharing one request id. 0 = unlimited.
	MaxToolCallsPerRequest int

	// PerCallTimeoutSeconds overrides the caller's default timeout when set.
	PerCallTimeoutSeconds *float64

	RedactionRules []RedactionRule
}

// Clone returns a deep copy so callers can never mutate a live policy.
func (p *WorkspacePolicy) Clone() *WorkspacePolicy {
	if p == nil {
		return nil
	}
	out := &WorkspacePolicy{
		WorkspaceID:            p.WorkspaceID,
		AllowedServers:         p.AllowedServers.Clone(),
		AllowedActions:         p.AllowedActions.Clone(),
		AllowedToolNames:       p.AllowedToolNames.Clone(),
		Allowlists:             p.Allowlists.Clone(),
		DefaultRole:            p.DefaultRole,
		MaxToolCallsPerRequest: p.MaxToolCallsPerRequest,
	}
	if p.Roles != nil {
		out.Roles = make(map[Role]*RolePolicy, len(p.Roles))
		for k, v := range p.Roles {
			out.Roles[k] = v.Clone()
		}
	}
	if p.PerCallTimeoutSeconds != nil {
		t := *p.PerCallTimeoutSeconds
		out.PerCallTimeoutSeconds = &t
	}
	for _, r := range p.RedactionRules {
		out.RedactionRules = append(out.RedactionRules, RedactionRule{
			Argument:    r.Argument,
			Patterns:    append([]string(nil), r.Patterns...),
			Replacement: r.Replacement,
		})
	}
	return out
}

// canonical returns a copy of p with server, action, role and tool names
// in NormalizeName form, the shape the loader produces. Names that collapse
// onto the same role are rejected.
func (p *WorkspacePolicy) canonical() (*WorkspacePolicy, error) {
	out := p.Clone()
	out.WorkspaceID = strings.TrimSpace(out.WorkspaceID)
	base := "workspaces." + out.WorkspaceID

	out.AllowedServers = canonicalSet(p.AllowedServers)
	out.AllowedActions = canonicalSet(p.AllowedActions)
	out.AllowedToolNames = canonicalToolNames(p.AllowedToolNames)
	out.Allowlists.Servers = canonicalPatternKeys(p.Allowlists.Servers)
	out.Allowlists.Tools = canonicalPatternKeys(p.Allowlists.Tools)
	out.DefaultRole = Role(NormalizeName(string(p.DefaultRole)))

	if p.Roles != nil {
		out.Roles = make(map[Role]*RolePolicy, len(p.Roles))
		for raw, rp := range p.Roles {
			role := Role(NormalizeName(string(raw)))
			if _, dup := out.Roles[role]; dup {
				return nil, &ConfigError{Path: base + ".roles." + string(raw), Message: "duplicate role"}
			}
			if rp == nil {
				out.Roles[role] = nil
				continue
			}
			c := &RolePolicy{
				Role:             role,
				AllowedActions:   canonicalSet(rp.AllowedActions),
				AllowedToolNames: canonicalToolNames(rp.AllowedToolNames),
			}
			if rp.RequiredScopes != nil {
				c.RequiredScopes = make(map[Action]StringSet, len(rp.RequiredScopes))
				for a, scopes := range rp.RequiredScopes {
					key := Action(NormalizeName(string(a)))
					merged := c.RequiredScopes[key]
					if merged == nil {
						merged = make(StringSet, len(scopes))
						c.RequiredScopes[key] = merged
					}
					for sc := range scopes {
						merged[sc] = struct{}{}
					}
				}
			}
			out.Roles[role] = c
		}
	}
	return out, nil
}

func canonicalSet(s StringSet) StringSet {
	if s == nil {
		return nil
	}
	out := make(StringSet, len(s))
	for v := range s {
		out[NormalizeName(v)] = struct{}{}
	}
	return out
}

func canonicalToolNames(t ToolNames) ToolNames {
	if t == nil {
		return nil
	}
	out := make(ToolNames, len(t))
	for key, names := range t {
		key = NormalizeName(key)
		bucket := out[key]
		if bucket == nil {
			bucket = make(StringSet, len(names))
			out[key] = bucket
		}
		for n := range names {
			bucket[NormalizeName(n)] = struct{}{}
		}
	}
	return out
}

func canonicalPatternKeys(m map[string]ArgumentPatterns) map[string]ArgumentPatterns {
	if m == nil {
		return nil
	}
	out := make(map[string]ArgumentPatterns, len(m))
	for key, patterns := range m {
		key = NormalizeName(key)
		merged := out[key]
		if merged == nil {
			merged = make(ArgumentPatterns, len(patterns))
			out[key] = merged
		}
		for arg, list := range patterns {
			merged[arg] = appendUnique(merged[arg], list...)
		}
	}
	return out
}

// Validate checks the invariants the loader enforces, for policies built in
// code. Names must already be canonical; UpsertWorkspacePolicy canonicalizes
// before validating.
func (p *WorkspacePolicy) Validate() error {
	base := "workspaces." + p.WorkspaceID
	if strings.TrimSpace(p.WorkspaceID) == "" {
		return &ConfigError{Path: "workspace_id", Message: "must be a non-empty string"}
	}
	if err := validateActions(base+".allowed_tool_actions", p.AllowedActions); err != nil {
		return err
	}
	if err := validateToolNames(base+".allowed_tool_names", p.AllowedToolNames); err != nil {
		return err
	}
	for role, rp := range p.Roles {
		if !isCanonicalRole(role) {
			return &ConfigError{Path: base + ".roles", Message: unsupportedRoleMessage(string(role))}
		}
		rolePath := base + ".roles." + string(role)
		if rp == nil {
			return &ConfigError{Path: rolePath, Message: "must be a mapping"}
		}
		if err := validateActions(rolePath+".allowed_tool_actions", rp.AllowedActions); err != nil {
			return err
		}
		if err := validateToolNames(rolePath+".allowed_tool_names", rp.AllowedToolNames); err != nil {
			return err
		}
		for a := range rp.RequiredScopes {
			if string(a) == Wildcard || !isCanonicalAction(string(a)) {
				return &ConfigError{Path: rolePath + ".required_scopes_by_action." + string(a), Message: unsupportedActionMessage(string(a))}
			}
		}
	}
	if p.DefaultRole != "" {
		if !isCanonicalRole(p.DefaultRole) {
			return &ConfigError{Path: base + ".default_role", Message: unsupportedRoleMessage(string(p.DefaultRole))}
		}
		if len(p.Roles) > 0 {
			if _, ok := p.Roles[p.DefaultRole]; !ok {
				return &ConfigError{Path: base + ".default_role", Message: "role '" + string(p.DefaultRole) + "' is not declared in roles"}
			}
		}
	}
	if p.MaxToolCallsPerRequest < 0 {
		return &ConfigError{Path: base + ".max_tool_calls_per_request", Message: "must be a non-negative integer"}
	}
	if p.PerCallTimeoutSeconds != nil && *p.PerCallTimeoutSeconds < 0 {
		return &ConfigError{Path: base + ".per_call_timeout_seconds", Message: "must be a non-negative number"}
	}
	if err := validatePatterns(base+".allowlists.global", p.Allowlists.Global); err != nil {
		return err
	}
	for server, patterns := range p.Allowlists.Servers {
		if err := validatePatterns(base+".allowlists.servers."+server, patterns); err != nil {
			return err
		}
	}
	for tool, patterns := range p.Allowlists.Tools {
		if err := validatePatterns(base+".allowlists.tools."+tool, patterns); err != nil {
			return err
		}
	}
	for i, rule := range p.RedactionRules {
		if strings.TrimSpace(rule.Argument) == "" {
			return &ConfigError{Path: indexPath(base+".redaction_rules", i) + ".argument", Message: "must be a non-empty string"}
		}
		if len(rule.Patterns) == 0 {
			return &ConfigError{Path: indexPath(base+".redaction_rules", i) + ".patterns", Message: "must contain at least one pattern"}
		}
	}
	return nil
}

func isCanonicalAction(a string) bool {
	parsed, ok := ParseAction(a)
	return ok && string(parsed) == a
}

func isCanonicalRole(r Role) bool {
	parsed, ok := ParseRole(string(r))
	return ok && parsed == r
}

func validateActions(path string, actions StringSet) error {
	for a := range actions {
		if a != Wildcard && !isCanonicalAction(a) {
			return &ConfigError{Path: path, Message: unsupportedActionMessage(a)}
		}
	}
	return nil
}

func validateToolNames(path string, names ToolNames) error {
	for key := range names {
		if key != Wildcard && !isCanonicalAction(key) {
			return &ConfigError{Path: path + "." + key, Message: unsupportedActionMessage(key)}
		}
	}
	return nil
}

func validatePatterns(path string, patterns ArgumentPatterns) error {
	for arg, list := range patterns {
		if len(list) == 0 {
			return &ConfigError{Path: path + "." + arg, Message: "must contain at least one pattern"}
		}
	}
	return nil
}
