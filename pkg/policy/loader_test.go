package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDocument(t *testing.T) {
	t.Parallel()
	doc, err := Parse([]byte(`
version: 1
default_workspace: ws-1
workspaces:
  ws-1:
    allowed_mcp_servers: ["  MCP-GitHub ", mcp-filesystem]
    allowed_tool_actions: [READ, write]
    allowed_tool_names:
      "*": [github_get_repo]
      write: [GitHub_Create_Issue]
    roles:
      developer:
        allowed_tool_names: { read: ["*"], write: [github_create_issue] }
        required_scopes_by_action: { write: [mcp.tool.write, repo] }
    default_role: developer
    allowlists:
      servers:
        MCP-GitHub: { repository: ["brainego/*"] }
    per_call_timeout_seconds: 12.5
    redaction_rules:
      - argument: token
        patterns: "*"
      - argument: password
        patterns: ["*"]
        replacement: "***"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if doc.Version != SupportedVersion {
		t.Errorf("Version = %d", doc.Version)
	}
	if doc.DefaultWorkspace != "ws-1" {
		t.Errorf("DefaultWorkspace = %q", doc.DefaultWorkspace)
	}
	wp := doc.Workspaces["ws-1"]
	if wp == nil {
		t.Fatal("workspace ws-1 missing")
	}
	if got := strings.Join(wp.AllowedServers.Sorted(), ","); got != "mcp-filesystem,mcp-github" {
		t.Errorf("AllowedServers = %q", got)
	}
	if got := strings.Join(wp.AllowedActions.Sorted(), ","); got != "read,write" {
		t.Errorf("AllowedActions = %q", got)
	}
	if got := strings.Join(wp.AllowedToolNames.ForAction(ActionWrite).Sorted(), ","); got != "github_create_issue,github_get_repo" {
		t.Errorf("tools for write = %q", got)
	}
	if got := strings.Join(wp.AllowedToolNames.ForAction(ActionRead).Sorted(), ","); got != "github_get_repo" {
		t.Errorf("tools for read = %q", got)
	}

	dev := wp.Roles[RoleDeveloper]
	if dev == nil {
		t.Fatal("developer role missing")
	}
	if got := strings.Join(dev.AllowedActions.Sorted(), ","); got != "read,write" {
		t.Errorf("developer actions = %q, want defaulted from tool names", got)
	}
	if got := strings.Join(dev.RequiredScopes[ActionWrite].Sorted(), ","); got != "mcp.tool.write,repo" {
		t.Errorf("developer write scopes = %q", got)
	}
	if wp.DefaultRole != RoleDeveloper {
		t.Errorf("DefaultRole = %q", wp.DefaultRole)
	}
	if got := wp.Allowlists.Servers["mcp-github"]["repository"]; len(got) != 1 || got[0] != "brainego/*" {
		t.Errorf("server allowlist = %v", got)
	}
	if wp.PerCallTimeoutSeconds == nil || *wp.PerCallTimeoutSeconds != 12.5 {
		t.Errorf("PerCallTimeoutSeconds = %v", wp.PerCallTimeoutSeconds)
	}
	if wp.MaxToolCallsPerRequest != 0 {
		t.Errorf("MaxToolCallsPerRequest = %d, want 0", wp.MaxToolCallsPerRequest)
	}
	if len(wp.RedactionRules) != 2 {
		t.Fatalf("RedactionRules = %d, want 2", len(wp.RedactionRules))
	}
	if wp.RedactionRules[0].Replacement != DefaultRedactionReplacement {
		t.Errorf("default replacement = %q", wp.RedactionRules[0].Replacement)
	}
	if wp.RedactionRules[1].Replacement != "***" {
		t.Errorf("replacement = %q", wp.RedactionRules[1].Replacement)
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	t.Parallel()
	doc, err := Parse([]byte(`{"version": 1, "workspaces": {"ws-1": {"allowed_mcp_servers": "*", "max_tool_calls_per_request": 4}}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got := doc.Workspaces["ws-1"].MaxToolCallsPerRequest; got != 4 {
		t.Errorf("MaxToolCallsPerRequest = %d, want 4", got)
	}
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()
	doc, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil) error = %v", err)
	}
	if len(doc.Workspaces) != 0 {
		t.Errorf("Workspaces = %d, want 0", len(doc.Workspaces))
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		yaml        string
		wantPath    string
		wantMessage string
	}{
		{
			name:        "unsupported version",
			yaml:        "version: 2\n",
			wantPath:    "version",
			wantMessage: "unsupported policy version",
		},
		{
			name:     "unknown top-level field",
			yaml:     "workspace: {}\n",
			wantPath: "workspace",
		},
		{
			name:        "unknown default role",
			yaml:        "default_role: owner\n",
			wantPath:    "default_role",
			wantMessage: "unsupported role 'owner'",
		},
		{
			name:     "empty server entry",
			yaml:     "workspaces:\n  ws-1:\n    allowed_mcp_servers: [mcp-github, \"  \"]\n",
			wantPath: "workspaces.ws-1.allowed_mcp_servers[1]",
		},
		{
			name:     "servers as mapping",
			yaml:     "workspaces:\n  ws-1:\n    allowed_mcp_servers: {a: b}\n",
			wantPath: "workspaces.ws-1.allowed_mcp_servers",
		},
		{
			name:        "unsupported action",
			yaml:        "workspaces:\n  ws-1:\n    allowed_tool_actions: [read, execute]\n",
			wantPath:    "workspaces.ws-1.allowed_tool_actions",
			wantMessage: "unsupported tool action 'execute'; supported actions: read, write, delete",
		},
		{
			name:     "unsupported action bucket",
			yaml:     "workspaces:\n  ws-1:\n    allowed_tool_names: {execute: [x]}\n",
			wantPath: "workspaces.ws-1.allowed_tool_names.execute",
		},
		{
			name:        "unsupported role",
			yaml:        "workspaces:\n  ws-1:\n    roles: {owner: {}}\n",
			wantPath:    "workspaces.ws-1.roles.owner",
			wantMessage: "unsupported role 'owner'; supported roles: admin, developer, viewer",
		},
		{
			name:     "both tool name aliases",
			yaml:     "workspaces:\n  ws-1:\n    roles:\n      developer: {tool_scopes: [a], allowed_tool_names: [b]}\n",
			wantPath: "workspaces.ws-1.roles.developer",
		},
		{
			name:     "required scopes for unknown action",
			yaml:     "workspaces:\n  ws-1:\n    roles:\n      developer: {required_scopes: {deploy: [x]}}\n",
			wantPath: "workspaces.ws-1.roles.developer.required_scopes.deploy",
		},
		{
			name:        "default role not declared",
			yaml:        "workspaces:\n  ws-1:\n    roles: {viewer: {}}\n    default_role: admin\n",
			wantPath:    "workspaces.ws-1.default_role",
			wantMessage: "role 'admin' is not declared in roles",
		},
		{
			name:     "empty pattern list",
			yaml:     "workspaces:\n  ws-1:\n    allowlists: {global: {repository: []}}\n",
			wantPath: "workspaces.ws-1.allowlists.global.repository",
		},
		{
			name:     "unknown allowlist scope",
			yaml:     "workspaces:\n  ws-1:\n    allowlists: {users: {}}\n",
			wantPath: "workspaces.ws-1.allowlists.users",
		},
		{
			name:     "negative max calls",
			yaml:     "workspaces:\n  ws-1:\n    max_tool_calls_per_request: -1\n",
			wantPath: "workspaces.ws-1.max_tool_calls_per_request",
		},
		{
			name:     "fractional max calls",
			yaml:     "workspaces:\n  ws-1:\n    max_tool_calls_per_request: 1.5\n",
			wantPath: "workspaces.ws-1.max_tool_calls_per_request",
		},
		{
			name:     "negative timeout",
			yaml:     "workspaces:\n  ws-1:\n    per_call_timeout_seconds: -0.5\n",
			wantPath: "workspaces.ws-1.per_call_timeout_seconds",
		},
		{
			name:     "non-numeric timeout",
			yaml:     "workspaces:\n  ws-1:\n    per_call_timeout_seconds: soon\n",
			wantPath: "workspaces.ws-1.per_call_timeout_seconds",
		},
		{
			name:     "redaction rule without patterns",
			yaml:     "workspaces:\n  ws-1:\n    redaction_rules:\n      - {argument: token}\n",
			wantPath: "workspaces.ws-1.redaction_rules[0].patterns",
		},
		{
			name:     "redaction rule without argument",
			yaml:     "workspaces:\n  ws-1:\n    redaction_rules:\n      - {patterns: [\"*\"]}\n",
			wantPath: "workspaces.ws-1.redaction_rules[0].argument",
		},
		{
			name:        "undeclared default workspace",
			yaml:        "default_workspace: ws-9\nworkspaces:\n  ws-1: {}\n",
			wantPath:    "default_workspace",
			wantMessage: "workspace 'ws-9' is not declared in workspaces",
		},
		{
			name:     "first invalid field wins",
			yaml:     "workspaces:\n  ws-1:\n    max_tool_calls_per_request: -1\n    allowed_mcp_servers: [\"\"]\n",
			wantPath: "workspaces.ws-1.allowed_mcp_servers[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse() = %+v, want error", doc)
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Parse() error = %T %v, want *ConfigError", err, err)
			}
			if cfgErr.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q (message %q)", cfgErr.Path, tt.wantPath, cfgErr.Message)
			}
			if tt.wantMessage != "" && !strings.Contains(cfgErr.Message, tt.wantMessage) {
				t.Errorf("Message = %q, want it to contain %q", cfgErr.Message, tt.wantMessage)
			}
		})
	}
}

func TestParseInvalidYAML(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("workspaces: [unterminated\n"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Parse() error = %v, want *ConfigError", err)
	}
	if !strings.HasPrefix(cfgErr.Message, "invalid YAML") {
		t.Errorf("Message = %q", cfgErr.Message)
	}
}

func TestParseWorkspace(t *testing.T) {
	t.Parallel()
	wp, err := ParseWorkspace(" ws-2 ", []byte("allowed_mcp_servers: [mcp-search]\nmax_tool_calls_per_request: 3\n"))
	if err != nil {
		t.Fatalf("ParseWorkspace() error = %v", err)
	}
	if wp.WorkspaceID != "ws-2" {
		t.Errorf("WorkspaceID = %q", wp.WorkspaceID)
	}
	if wp.MaxToolCallsPerRequest != 3 {
		t.Errorf("MaxToolCallsPerRequest = %d", wp.MaxToolCallsPerRequest)
	}

	if _, err := ParseWorkspace("", []byte("{}")); err == nil {
		t.Error("ParseWorkspace with empty id succeeded")
	}
	_, err = ParseWorkspace("ws-2", []byte("allowed_tool_actions: [launch]\n"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Path != "workspaces.ws-2.allowed_tool_actions" {
		t.Errorf("ParseWorkspace() error = %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(workspacePolicyYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	doc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(doc.Workspaces) != 1 {
		t.Errorf("Workspaces = %d, want 1", len(doc.Workspaces))
	}
}
