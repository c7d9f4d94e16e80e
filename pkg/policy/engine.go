package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EnvPolicyPath names the environment variable holding the policy document path.
const EnvPolicyPath = "TOOL_POLICY_PATH"

// Decision codes.
const (
	CodeDenied  = "PolicyDenied"
	CodeAllowed = "PolicyAllowed"
)

// Checks, in evaluation order. Decision.Check names the one that denied.
const (
	CheckWorkspace = "workspace"
	CheckPolicy    = "policy"
	CheckAction    = "action"
	CheckRole      = "role"
	CheckScope     = "scope"
	CheckServer    = "server"
	CheckTool      = "tool"
	CheckArgument  = "argument"
	CheckQuota     = "quota"
)

// Request is one tool call to authorize.
type Request struct {
	// WorkspaceID selects the policy. Empty selects the engine's default
	// workspace, if any.
	WorkspaceID string

	// RequestID groups calls made while serving one upstream request. The
	// per-request quota is only enforced when it is set.
	RequestID string

	ServerID  string
	ToolName  string
	Action    string
	Arguments map[string]any

	// Role is the caller's role. Empty selects the workspace default role.
	Role string

	// Scopes are the credential scopes the caller presented.
	Scopes []string

	// DefaultTimeoutSeconds is returned when the workspace sets no timeout.
	DefaultTimeoutSeconds *float64
}

// Decision is the outcome of evaluating a Request.
type Decision struct {
	Allowed        bool     `json:"allowed"`
	Reason         string   `json:"reason,omitempty"`
	Code           string   `json:"code"`
	WorkspaceID    string   `json:"workspace_id,omitempty"`
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`

	// Check names the gate that denied the call.
	Check string `json:"check,omitempty"`

	// FailedArg is the argument that fell outside its allowlist.
	FailedArg string `json:"failed_arg,omitempty"`
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	quotaTTL        time.Duration
	quotaMaxEntries int
	now             func() time.Time
	logger          *zap.Logger
}

// WithQuotaTTL sets how long per-request call counters are kept.
func WithQuotaTTL(d time.Duration) Option {
	return func(o *engineOptions) { o.quotaTTL = d }
}

// WithQuotaMaxEntries bounds the number of tracked requests.
func WithQuotaMaxEntries(n int) Option {
	return func(o *engineOptions) { o.quotaMaxEntries = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// WithLogger sets the operational logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// Engine evaluates tool calls against workspace policies.
//
// Engine is safe for concurrent use. Workspace policies are immutable once
// installed; UpsertWorkspacePolicy swaps a whole policy under the write lock
// so evaluations never observe a partial update.
type Engine struct {
	mu               sync.RWMutex
	policies         map[string]*WorkspacePolicy
	defaultWorkspace string
	defaultRole      Role

	quota  *QuotaTracker
	logger *zap.Logger
}

// NewEngine builds an engine from a parsed document. A nil document yields
// an engine that denies every call.
func NewEngine(doc *Document, opts ...Option) *Engine {
	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if doc == nil {
		doc = EmptyDocument()
	}

	e := &Engine{
		policies:         make(map[string]*WorkspacePolicy, len(doc.Workspaces)),
		defaultWorkspace: doc.DefaultWorkspace,
		defaultRole:      doc.DefaultRole,
		quota:            NewQuotaTracker(o.quotaTTL, o.quotaMaxEntries, o.now),
		logger:           o.logger,
	}
	if e.defaultRole == "" {
		e.defaultRole = RoleViewer
	}
	for id, wp := range doc.Workspaces {
		e.policies[id] = wp.Clone()
	}
	return e
}

// LoadEngine loads the policy document at path. It always returns a usable
// engine: when loading fails the error is logged and returned alongside an
// engine with no workspaces, which denies every call.
func LoadEngine(path string, opts ...Option) (*Engine, error) {
	doc, err := LoadFile(path)
	if err != nil {
		e := NewEngine(nil, opts...)
		e.logger.Warn("tool policy not loaded; denying all tool calls",
			zap.String("path", path),
			zap.Error(err),
		)
		return e, err
	}
	e := NewEngine(doc, opts...)
	e.logger.Info("tool policy loaded",
		zap.String("path", path),
		zap.Int("workspaces", len(doc.Workspaces)),
		zap.String("default_workspace", doc.DefaultWorkspace),
	)
	return e, nil
}

// NewEngineFromEnv loads the document named by TOOL_POLICY_PATH, with the
// same fallback as LoadEngine.
func NewEngineFromEnv(opts ...Option) (*Engine, error) {
	return LoadEngine(os.Getenv(EnvPolicyPath), opts...)
}

// DefaultWorkspaceID returns the workspace used when a request names none.
func (e *Engine) DefaultWorkspaceID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultWorkspace
}

// WorkspaceIDs lists the configured workspaces in lexical order.
func (e *Engine) WorkspaceIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.policies))
	for id := range e.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Workspace returns a copy of the policy for id.
func (e *Engine) Workspace(id string) (*WorkspacePolicy, bool) {
	wp := e.lookup(strings.TrimSpace(id))
	if wp == nil {
		return nil, false
	}
	return wp.Clone(), true
}

// UpsertWorkspacePolicy normalizes and validates p, then installs a copy
// of it, replacing any policy with the same workspace id.
func (e *Engine) UpsertWorkspacePolicy(p *WorkspacePolicy) error {
	if p == nil {
		return &ConfigError{Path: "workspace_id", Message: "must be a non-empty string"}
	}
	wp, err := p.canonical()
	if err != nil {
		return err
	}
	if err := wp.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	_, replaced := e.policies[wp.WorkspaceID]
	e.policies[wp.WorkspaceID] = wp
	e.mu.Unlock()

	e.logger.Info("workspace policy installed",
		zap.String("workspace_id", wp.WorkspaceID),
		zap.Bool("replaced", replaced),
	)
	return nil
}

// ResetQuotas drops every per-request call counter.
func (e *Engine) ResetQuotas() {
	e.quota.Reset()
}

func (e *Engine) lookup(id string) *WorkspacePolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policies[id]
}

// resolveWorkspace returns the effective workspace id and its policy.
func (e *Engine) resolveWorkspace(requested string) (string, *WorkspacePolicy) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id := strings.TrimSpace(requested)
	if id == "" {
		id = e.defaultWorkspace
	}
	if id == "" {
		return "", nil
	}
	return id, e.policies[id]
}

// Evaluate decides whether req may execute. Checks run in a fixed order and
// the first failing check decides:
//
//  1. workspace id present
//  2. workspace policy configured
//  3. action supported
//  4. role declared (when the workspace declares roles)
//  5. action allowed for the effective scope
//  6. required credential scopes presented
//  7. server allowed
//  8. tool allowed for the action
//  9. argument values inside their allowlists
//  10. per-request call quota
//
// An allowed decision carries the timeout the caller should apply.
func (e *Engine) Evaluate(req Request) Decision {
	d := e.evaluate(req)
	if d.Allowed {
		e.logger.Debug("tool call allowed",
			zap.String("workspace_id", d.WorkspaceID),
			zap.String("server_id", req.ServerID),
			zap.String("tool", req.ToolName),
			zap.String("action", req.Action),
		)
	} else {
		e.logger.Debug("tool call denied",
			zap.String("workspace_id", d.WorkspaceID),
			zap.String("server_id", req.ServerID),
			zap.String("tool", req.ToolName),
			zap.String("action", req.Action),
			zap.String("check", d.Check),
			zap.String("reason", d.Reason),
		)
	}
	return d
}

func (e *Engine) evaluate(req Request) Decision {
	workspaceID, wp := e.resolveWorkspace(req.WorkspaceID)
	if workspaceID == "" {
		return deny("", CheckWorkspace, "workspace_id is required by tool policy")
	}
	if wp == nil {
		return deny(workspaceID, CheckPolicy, "no tool policy configured for workspace '"+workspaceID+"'")
	}

	action, ok := ParseAction(req.Action)
	if !ok {
		return deny(workspaceID, CheckAction, unsupportedActionMessage(strings.TrimSpace(req.Action)))
	}

	scope, role, ok := resolveScope(wp, req.Role, e.defaultRole)
	if !ok {
		return deny(workspaceID, CheckRole, "role '"+role+"' is not configured for workspace '"+workspaceID+"'")
	}

	actions := scope.allowedActions()
	if len(actions) > 0 && !allows(actions, string(action)) {
		return deny(workspaceID, CheckAction, scope.describeActionDenial(action, workspaceID))
	}

	if rs, isRole := scope.(roleScope); isRole {
		if reason := checkRequiredScopes(rs, action, workspaceID, req.Scopes); reason != "" {
			return deny(workspaceID, CheckScope, reason)
		}
	}

	server := NormalizeName(req.ServerID)
	if !allows(wp.AllowedServers, server) {
		return deny(workspaceID, CheckServer, "mcp server '"+req.ServerID+"' is not allowed for workspace '"+workspaceID+"'")
	}

	tool := NormalizeName(req.ToolName)
	tools := scope.toolsFor(action)
	if len(tools) == 0 {
		return deny(workspaceID, CheckTool, "no tools allowed for action '"+string(action)+"' in workspace '"+workspaceID+"'")
	}
	if !allows(tools, tool) {
		return deny(workspaceID, CheckTool, "tool '"+req.ToolName+"' is not allowed for action '"+string(action)+"' in workspace '"+workspaceID+"'")
	}

	constraints := mergedConstraints(wp.Allowlists, server, tool)
	if arg, value, ok := checkArguments(constraints, req.Arguments); !ok {
		d := deny(workspaceID, CheckArgument, "argument '"+arg+"' value '"+value+"' is outside allowlist")
		d.FailedArg = arg
		return d
	}

	if limit := wp.MaxToolCallsPerRequest; limit > 0 {
		if requestID := strings.TrimSpace(req.RequestID); requestID != "" {
			count, ok := e.quota.Acquire(workspaceID, requestID, limit)
			if !ok && count == 0 {
				e.logger.Warn("tool call tracker full; denying untracked request",
					zap.String("workspace_id", workspaceID),
					zap.String("request_id", requestID),
				)
				return deny(workspaceID, CheckQuota, fmt.Sprintf("tool call tracking capacity exhausted; request '%s' cannot be counted", requestID))
			}
			if !ok {
				return deny(workspaceID, CheckQuota, fmt.Sprintf("tool call limit exceeded for request '%s' (max %d)", requestID, limit))
			}
		}
	}

	return Decision{
		Allowed:        true,
		Code:           CodeAllowed,
		WorkspaceID:    workspaceID,
		TimeoutSeconds: effectiveTimeout(wp.PerCallTimeoutSeconds, req.DefaultTimeoutSeconds),
	}
}

// checkRequiredScopes enforces required_scopes_by_action. Developers
// performing a mutating action additionally need a tool scope and a
// non-empty required scope list for that action.
func checkRequiredScopes(rs roleScope, action Action, workspaceID string, presented []string) string {
	required := rs.requiredScopes(action)

	if rs.role == RoleDeveloper && action.IsMutating() {
		if len(rs.toolsFor(action)) == 0 {
			return "role 'developer' has no tool scope for action '" + string(action) + "' in workspace '" + workspaceID + "'"
		}
		if len(required) == 0 {
			return "role 'developer' has no required scopes configured for action '" + string(action) + "' in workspace '" + workspaceID + "'"
		}
	}
	if len(required) == 0 {
		return ""
	}

	have := make(StringSet, len(presented))
	for _, s := range presented {
		have[strings.TrimSpace(s)] = struct{}{}
	}
	var missing []string
	for _, s := range required.Sorted() {
		if !have.Has(s) {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return "missing required scopes for action '" + string(action) + "': " + strings.Join(missing, ", ")
	}
	return ""
}

func effectiveTimeout(workspace, fallback *float64) *float64 {
	if workspace != nil && *workspace > 0 {
		t := *workspace
		return &t
	}
	if fallback != nil {
		t := *fallback
		return &t
	}
	return nil
}

func deny(workspaceID, check, reason string) Decision {
	return Decision{
		Allowed:     false,
		Reason:      reason,
		Code:        CodeDenied,
		WorkspaceID: workspaceID,
		Check:       check,
	}
}
