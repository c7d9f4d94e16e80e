package policy

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a parsed and validated policy document.
type Document struct {
	Version          int
	DefaultRole      Role
	DefaultWorkspace string
	Workspaces       map[string]*WorkspacePolicy
}

// EmptyDocument returns a document with no workspaces. An engine built from
// it denies every call.
func EmptyDocument() *Document {
	return &Document{
		Version:    SupportedVersion,
		Workspaces: make(map[string]*WorkspacePolicy),
	}
}

// LoadFile reads and parses the policy document at path.
func LoadFile(path string) (*Document, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrNoPolicyPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool policy %q: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load tool policy %q: %w", path, err)
	}
	return doc, nil
}

// Parse parses a YAML (or JSON) policy document.
//
// Fields are parsed in a fixed order and the first invalid field aborts the
// whole document; there is no partially loaded result.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ConfigError{Message: "invalid YAML: " + err.Error(), Err: err}
	}
	top, err := mapping(&root, "")
	if err != nil {
		return nil, err
	}
	if err := top.checkKnown("version", "default_role", "default_workspace", "workspaces"); err != nil {
		return nil, err
	}

	doc := EmptyDocument()

	if n := top.get("version"); !isNull(n) {
		var v int
		if err := n.Decode(&v); err != nil || v != SupportedVersion {
			return nil, &ConfigError{
				Path:    "version",
				Message: fmt.Sprintf("%s %q; expected %d", ErrUnsupportedVersion, n.Value, SupportedVersion),
				Err:     ErrUnsupportedVersion,
			}
		}
	}

	if n := top.get("default_role"); !isNull(n) {
		role, err := parseRoleNode(n, "default_role")
		if err != nil {
			return nil, err
		}
		doc.DefaultRole = role
	}

	workspaces, err := mapping(top.get("workspaces"), "workspaces")
	if err != nil {
		return nil, err
	}
	for _, rawID := range workspaces.keys {
		id := strings.TrimSpace(rawID)
		if id == "" {
			return nil, &ConfigError{Path: "workspaces", Message: "workspace id must be a non-empty string"}
		}
		if _, dup := doc.Workspaces[id]; dup {
			return nil, &ConfigError{Path: "workspaces." + id, Message: "duplicate workspace id"}
		}
		wp, err := parseWorkspace(id, workspaces.get(rawID))
		if err != nil {
			return nil, err
		}
		doc.Workspaces[id] = wp
	}

	if n := top.get("default_workspace"); !isNull(n) {
		id, err := scalarString(n, "default_workspace")
		if err != nil {
			return nil, err
		}
		if _, ok := doc.Workspaces[id]; !ok {
			return nil, &ConfigError{Path: "default_workspace", Message: "workspace '" + id + "' is not declared in workspaces"}
		}
		doc.DefaultWorkspace = id
	}

	return doc, nil
}

// ParseWorkspace parses a single workspace block, as found under
// workspaces.<id> in a policy document.
func ParseWorkspace(id string, data []byte) (*WorkspacePolicy, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &ConfigError{Path: "workspaces", Message: "workspace id must be a non-empty string"}
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ConfigError{Path: "workspaces." + id, Message: "invalid YAML: " + err.Error(), Err: err}
	}
	return parseWorkspace(id, &root)
}

var workspaceFields = []string{
	"description",
	"allowed_mcp_servers",
	"allowed_tool_actions",
	"allowed_tool_names",
	"roles",
	"default_role",
	"allowlists",
	"max_tool_calls_per_request",
	"per_call_timeout_seconds",
	"redaction_rules",
}

func parseWorkspace(id string, node *yaml.Node) (*WorkspacePolicy, error) {
	base := "workspaces." + id
	f, err := mapping(node, base)
	if err != nil {
		return nil, err
	}
	if err := f.checkKnown(workspaceFields...); err != nil {
		return nil, err
	}

	wp := &WorkspacePolicy{WorkspaceID: id}

	servers, err := stringList(f.get("allowed_mcp_servers"), base+".allowed_mcp_servers")
	if err != nil {
		return nil, err
	}
	wp.AllowedServers = normalizedSet(servers)

	if wp.AllowedActions, err = parseActions(f.get("allowed_tool_actions"), base+".allowed_tool_actions"); err != nil {
		return nil, err
	}
	if wp.AllowedToolNames, err = parseToolNames(f.get("allowed_tool_names"), base+".allowed_tool_names"); err != nil {
		return nil, err
	}
	if wp.Roles, err = parseRoles(f.get("roles"), base+".roles"); err != nil {
		return nil, err
	}

	if n := f.get("default_role"); !isNull(n) {
		role, err := parseRoleNode(n, base+".default_role")
		if err != nil {
			return nil, err
		}
		if len(wp.Roles) > 0 {
			if _, ok := wp.Roles[role]; !ok {
				return nil, &ConfigError{Path: base + ".default_role", Message: "role '" + string(role) + "' is not declared in roles"}
			}
		}
		wp.DefaultRole = role
	}

	if wp.Allowlists, err = parseAllowlists(f.get("allowlists"), base+".allowlists"); err != nil {
		return nil, err
	}

	if n := f.get("max_tool_calls_per_request"); !isNull(n) {
		var max int
		if resolved := resolve(n); resolved.Kind != yaml.ScalarNode || resolved.Tag != "!!int" {
			return nil, &ConfigError{Path: base + ".max_tool_calls_per_request", Message: "must be a non-negative integer"}
		}
		if err := n.Decode(&max); err != nil || max < 0 {
			return nil, &ConfigError{Path: base + ".max_tool_calls_per_request", Message: "must be a non-negative integer"}
		}
		wp.MaxToolCallsPerRequest = max
	}

	if n := f.get("per_call_timeout_seconds"); !isNull(n) {
		var timeout float64
		if err := n.Decode(&timeout); err != nil || timeout < 0 || math.IsNaN(timeout) || math.IsInf(timeout, 0) {
			return nil, &ConfigError{Path: base + ".per_call_timeout_seconds", Message: "must be a non-negative number"}
		}
		if timeout > 0 {
			wp.PerCallTimeoutSeconds = &timeout
		}
	}

	if wp.RedactionRules, err = parseRedactionRules(f.get("redaction_rules"), base+".redaction_rules"); err != nil {
		return nil, err
	}

	return wp, nil
}

func parseActions(node *yaml.Node, path string) (StringSet, error) {
	values, err := stringList(node, path)
	if err != nil {
		return nil, err
	}
	out := make(StringSet, len(values))
	for _, v := range values {
		if v == Wildcard {
			out[Wildcard] = struct{}{}
			continue
		}
		a, ok := ParseAction(v)
		if !ok {
			return nil, &ConfigError{Path: path, Message: unsupportedActionMessage(v)}
		}
		out[string(a)] = struct{}{}
	}
	return out, nil
}

// parseToolNames accepts either a flat list (the "*" bucket) or a mapping of
// action to list.
func parseToolNames(node *yaml.Node, path string) (ToolNames, error) {
	node = resolve(node)
	out := make(ToolNames)
	if isNull(node) {
		return out, nil
	}
	if node.Kind != yaml.MappingNode {
		names, err := stringList(node, path)
		if err != nil {
			return nil, err
		}
		out[Wildcard] = normalizedSet(names)
		return out, nil
	}

	f, err := mapping(node, path)
	if err != nil {
		return nil, err
	}
	for _, rawKey := range f.keys {
		key := strings.TrimSpace(rawKey)
		if key != Wildcard {
			a, ok := ParseAction(key)
			if !ok {
				return nil, &ConfigError{Path: path + "." + rawKey, Message: unsupportedActionMessage(rawKey)}
			}
			key = string(a)
		}
		names, err := stringList(f.get(rawKey), path+"."+rawKey)
		if err != nil {
			return nil, err
		}
		bucket := out[key]
		if bucket == nil {
			bucket = make(StringSet, len(names))
			out[key] = bucket
		}
		for _, n := range names {
			bucket[NormalizeName(n)] = struct{}{}
		}
	}
	return out, nil
}

func parseRoles(node *yaml.Node, path string) (map[Role]*RolePolicy, error) {
	f, err := mapping(node, path)
	if err != nil {
		return nil, err
	}
	out := make(map[Role]*RolePolicy, len(f.keys))
	for _, rawKey := range f.keys {
		role, ok := ParseRole(rawKey)
		if !ok {
			return nil, &ConfigError{Path: path + "." + rawKey, Message: unsupportedRoleMessage(rawKey)}
		}
		if _, dup := out[role]; dup {
			return nil, &ConfigError{Path: path + "." + rawKey, Message: "duplicate role"}
		}
		rp, err := parseRolePolicy(role, f.get(rawKey), path+"."+string(role))
		if err != nil {
			return nil, err
		}
		out[role] = rp
	}
	return out, nil
}

func parseRolePolicy(role Role, node *yaml.Node, path string) (*RolePolicy, error) {
	f, err := mapping(node, path)
	if err != nil {
		return nil, err
	}
	if err := f.checkKnown("allowed_tool_actions", "allowed_tool_names", "tool_scopes", "required_scopes_by_action", "required_scopes"); err != nil {
		return nil, err
	}

	rp := &RolePolicy{Role: role}

	namesKey, err := f.oneOf(path, "allowed_tool_names", "tool_scopes")
	if err != nil {
		return nil, err
	}
	if rp.AllowedToolNames, err = parseToolNames(f.get(namesKey), path+"."+namesKey); err != nil {
		return nil, err
	}

	if n := f.get("allowed_tool_actions"); !isNull(n) {
		if rp.AllowedActions, err = parseActions(n, path+".allowed_tool_actions"); err != nil {
			return nil, err
		}
	} else {
		rp.AllowedActions = make(StringSet, len(rp.AllowedToolNames))
		for action := range rp.AllowedToolNames {
			rp.AllowedActions[action] = struct{}{}
		}
	}

	scopesKey, err := f.oneOf(path, "required_scopes_by_action", "required_scopes")
	if err != nil {
		return nil, err
	}
	scopes, err := mapping(f.get(scopesKey), path+"."+scopesKey)
	if err != nil {
		return nil, err
	}
	rp.RequiredScopes = make(map[Action]StringSet, len(scopes.keys))
	for _, rawKey := range scopes.keys {
		a, ok := ParseAction(rawKey)
		if !ok {
			return nil, &ConfigError{Path: path + "." + scopesKey + "." + rawKey, Message: unsupportedActionMessage(rawKey)}
		}
		values, err := stringList(scopes.get(rawKey), path+"."+scopesKey+"."+rawKey)
		if err != nil {
			return nil, err
		}
		rp.RequiredScopes[a] = NewStringSet(values...)
	}

	return rp, nil
}

func parseAllowlists(node *yaml.Node, path string) (Allowlists, error) {
	var out Allowlists
	f, err := mapping(node, path)
	if err != nil {
		return out, err
	}
	if err := f.checkKnown("global", "servers", "tools"); err != nil {
		return out, err
	}

	if out.Global, err = parseArgumentPatterns(f.get("global"), path+".global"); err != nil {
		return out, err
	}
	if out.Servers, err = parseScopedPatterns(f.get("servers"), path+".servers"); err != nil {
		return out, err
	}
	if out.Tools, err = parseScopedPatterns(f.get("tools"), path+".tools"); err != nil {
		return out, err
	}
	return out, nil
}

func parseScopedPatterns(node *yaml.Node, path string) (map[string]ArgumentPatterns, error) {
	f, err := mapping(node, path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ArgumentPatterns, len(f.keys))
	for _, rawKey := range f.keys {
		name := NormalizeName(rawKey)
		if name == "" {
			return nil, &ConfigError{Path: path, Message: "names must be non-empty strings"}
		}
		patterns, err := parseArgumentPatterns(f.get(rawKey), path+"."+rawKey)
		if err != nil {
			return nil, err
		}
		merged := out[name]
		if merged == nil {
			merged = make(ArgumentPatterns, len(patterns))
			out[name] = merged
		}
		for arg, list := range patterns {
			merged[arg] = appendUnique(merged[arg], list...)
		}
	}
	return out, nil
}

func parseArgumentPatterns(node *yaml.Node, path string) (ArgumentPatterns, error) {
	f, err := mapping(node, path)
	if err != nil {
		return nil, err
	}
	out := make(ArgumentPatterns, len(f.keys))
	for _, rawKey := range f.keys {
		arg := strings.TrimSpace(rawKey)
		if arg == "" {
			return nil, &ConfigError{Path: path, Message: "argument names must be non-empty strings"}
		}
		patterns, err := stringList(f.get(rawKey), path+"."+rawKey)
		if err != nil {
			return nil, err
		}
		if len(patterns) == 0 {
			return nil, &ConfigError{Path: path + "." + rawKey, Message: "must contain at least one pattern"}
		}
		out[arg] = appendUnique(out[arg], patterns...)
	}
	return out, nil
}

func parseRedactionRules(node *yaml.Node, path string) ([]RedactionRule, error) {
	node = resolve(node)
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, &ConfigError{Path: path, Message: "must be a list of rules"}
	}
	rules := make([]RedactionRule, 0, len(node.Content))
	for i, item := range node.Content {
		itemPath := indexPath(path, i)
		f, err := mapping(item, itemPath)
		if err != nil {
			return nil, err
		}
		if err := f.checkKnown("argument", "patterns", "replacement"); err != nil {
			return nil, err
		}
		arg, err := scalarString(f.get("argument"), itemPath+".argument")
		if err != nil {
			return nil, err
		}
		patterns, err := stringList(f.get("patterns"), itemPath+".patterns")
		if err != nil {
			return nil, err
		}
		if len(patterns) == 0 {
			return nil, &ConfigError{Path: itemPath + ".patterns", Message: "must contain at least one pattern"}
		}
		rule := RedactionRule{Argument: arg, Patterns: patterns, Replacement: DefaultRedactionReplacement}
		if n := f.get("replacement"); !isNull(n) {
			resolved := resolve(n)
			if resolved.Kind != yaml.ScalarNode {
				return nil, &ConfigError{Path: itemPath + ".replacement", Message: "must be a string"}
			}
			if resolved.Value != "" {
				rule.Replacement = resolved.Value
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRoleNode(node *yaml.Node, path string) (Role, error) {
	s, err := scalarString(node, path)
	if err != nil {
		return "", err
	}
	role, ok := ParseRole(s)
	if !ok {
		return "", &ConfigError{Path: path, Message: unsupportedRoleMessage(s)}
	}
	return role, nil
}

// -----------------------------------------------------------------------------
// yaml.Node helpers
// -----------------------------------------------------------------------------

type fields struct {
	path   string
	keys   []string
	values map[string]*yaml.Node
}

func (f *fields) get(key string) *yaml.Node {
	return f.values[key]
}

func (f *fields) checkKnown(allowed ...string) error {
	known := NewStringSet(allowed...)
	for _, k := range f.keys {
		if !known.Has(k) {
			return &ConfigError{Path: joinPath(f.path, k), Message: "unknown field"}
		}
	}
	return nil
}

// oneOf returns whichever of two alias keys is present, rejecting both.
func (f *fields) oneOf(path, primary, alias string) (string, error) {
	_, hasPrimary := f.values[primary]
	_, hasAlias := f.values[alias]
	if hasPrimary && hasAlias {
		return "", &ConfigError{Path: path, Message: "use only one of '" + primary + "' and '" + alias + "'"}
	}
	if hasAlias {
		return alias, nil
	}
	return primary, nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func resolve(node *yaml.Node) *yaml.Node {
	for node != nil {
		switch {
		case node.Kind == yaml.AliasNode:
			node = node.Alias
		case node.Kind == yaml.DocumentNode && len(node.Content) > 0:
			node = node.Content[0]
		default:
			return node
		}
	}
	return nil
}

func isNull(node *yaml.Node) bool {
	node = resolve(node)
	return node == nil || node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null")
}

func mapping(node *yaml.Node, path string) (*fields, error) {
	f := &fields{path: path, values: make(map[string]*yaml.Node)}
	node = resolve(node)
	if isNull(node) {
		return f, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &ConfigError{Path: path, Message: "must be a mapping"}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		k := resolve(node.Content[i])
		if k == nil || k.Kind != yaml.ScalarNode {
			return nil, &ConfigError{Path: path, Message: "keys must be strings"}
		}
		if _, dup := f.values[k.Value]; dup {
			return nil, &ConfigError{Path: joinPath(path, k.Value), Message: "duplicate key"}
		}
		f.keys = append(f.keys, k.Value)
		f.values[k.Value] = node.Content[i+1]
	}
	return f, nil
}

func scalarString(node *yaml.Node, path string) (string, error) {
	node = resolve(node)
	if isNull(node) || node.Kind != yaml.ScalarNode {
		return "", &ConfigError{Path: path, Message: "must be a non-empty string"}
	}
	s := strings.TrimSpace(node.Value)
	if s == "" {
		return "", &ConfigError{Path: path, Message: "must be a non-empty string"}
	}
	return s, nil
}

// stringList accepts a single string or a list of strings. Entries are
// trimmed and must be non-empty.
func stringList(node *yaml.Node, path string) ([]string, error) {
	node = resolve(node)
	if isNull(node) {
		return nil, nil
	}
	switch node.Kind {
	case yaml.ScalarNode:
		s, err := scalarString(node, path)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for i, item := range node.Content {
			item = resolve(item)
			if isNull(item) || item.Kind != yaml.ScalarNode {
				return nil, &ConfigError{Path: indexPath(path, i), Message: "must be a non-empty string"}
			}
			s := strings.TrimSpace(item.Value)
			if s == "" {
				return nil, &ConfigError{Path: indexPath(path, i), Message: "must be a non-empty string"}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, &ConfigError{Path: path, Message: "must be a string or a list of strings"}
	}
}

func normalizedSet(values []string) StringSet {
	out := make(StringSet, len(values))
	for _, v := range values {
		out[NormalizeName(v)] = struct{}{}
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		seen := false
		for _, existing := range dst {
			if existing == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}
