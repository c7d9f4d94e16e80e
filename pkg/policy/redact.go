package policy

import (
	"go.uber.org/zap"
)

// Redact returns a copy of args with sensitive values replaced, and the
// number of arguments replaced.
//
// Redaction is independent of Evaluate and should be applied to denied calls
// too. Rules are workspace-scoped only. For each rule whose argument is
// present, the whole argument value is replaced when any of its leaf values
// matches any rule pattern. Every rule sees the caller's original value.
//
// An unknown workspace yields an unmodified copy.
func (e *Engine) Redact(workspaceID, serverID, toolName string, args map[string]any) (map[string]any, int) {
	out := CloneArguments(args)
	if out == nil {
		out = map[string]any{}
	}

	_, wp := e.resolveWorkspace(workspaceID)
	if wp == nil || len(wp.RedactionRules) == 0 {
		return out, 0
	}

	redacted := make(map[string]bool)
	for _, rule := range wp.RedactionRules {
		if redacted[rule.Argument] {
			continue
		}
		raw, present := args[rule.Argument]
		if !present {
			continue
		}
		for _, v := range argumentValues(raw) {
			if matchesAny(v, rule.Patterns) {
				out[rule.Argument] = rule.Replacement
				redacted[rule.Argument] = true
				break
			}
		}
	}

	if len(redacted) > 0 {
		e.logger.Debug("arguments redacted",
			zap.String("workspace_id", wp.WorkspaceID),
			zap.String("server_id", serverID),
			zap.String("tool", toolName),
			zap.Int("count", len(redacted)),
		)
	}
	return out, len(redacted)
}
