package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/match"
)

// MatchGlob reports whether value matches pattern. '*' matches any run of
// characters including '/', '?' matches exactly one. Matching is
// case-sensitive.
func MatchGlob(value, pattern string) bool {
	return match.Match(value, pattern)
}

// matchesAny reports whether value matches at least one pattern.
func matchesAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if MatchGlob(value, p) {
			return true
		}
	}
	return false
}

// mergedConstraints unions the global, server and tool scoped constraints
// that apply to one call. Scopes only ever add patterns.
func mergedConstraints(a Allowlists, server, tool string) ArgumentPatterns {
	out := make(ArgumentPatterns)
	add := func(src ArgumentPatterns) {
		for arg, patterns := range src {
			out[arg] = appendUnique(out[arg], patterns...)
		}
	}
	add(a.Global)
	add(a.Servers[server])
	add(a.Tools[tool])
	return out
}

// checkArguments returns the first argument whose value falls outside the
// merged constraints. Constraint names are visited in lexical order so the
// reported argument is stable. Arguments without a constraint, and
// constraints for absent arguments, are ignored.
func checkArguments(constraints ArgumentPatterns, args map[string]any) (arg, value string, ok bool) {
	names := make([]string, 0, len(constraints))
	for name := range constraints {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		raw, present := args[name]
		if !present {
			continue
		}
		for _, v := range argumentValues(raw) {
			if !matchesAny(v, constraints[name]) {
				return name, v, false
			}
		}
	}
	return "", "", true
}

// argumentValues flattens an argument into the leaf values checked against
// globs. Lists and maps are walked recursively; map entries are visited in
// key order. Empty containers contribute nothing.
func argumentValues(v any) []string {
	var out []string
	collectValues(v, &out)
	return out
}

func collectValues(v any, out *[]string) {
	switch val := v.(type) {
	case nil:
		*out = append(*out, "")
	case string:
		*out = append(*out, val)
	case bool:
		*out = append(*out, strconv.FormatBool(val))
	case float64:
		*out = append(*out, strconv.FormatFloat(val, 'f', -1, 64))
	case float32:
		*out = append(*out, strconv.FormatFloat(float64(val), 'f', -1, 32))
	case int:
		*out = append(*out, strconv.Itoa(val))
	case int32:
		*out = append(*out, strconv.FormatInt(int64(val), 10))
	case int64:
		*out = append(*out, strconv.FormatInt(val, 10))
	case uint:
		*out = append(*out, strconv.FormatUint(uint64(val), 10))
	case uint64:
		*out = append(*out, strconv.FormatUint(val, 10))
	case json.Number:
		*out = append(*out, val.String())
	case []string:
		*out = append(*out, val...)
	case []any:
		for _, item := range val {
			collectValues(item, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectValues(val[k], out)
		}
	default:
		// Typed values (structs, typed slices) are reduced to their JSON form
		// and walked like decoded JSON.
		b, err := json.Marshal(val)
		if err != nil {
			*out = append(*out, fmt.Sprintf("%v", val))
			return
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			*out = append(*out, string(b))
			return
		}
		collectValues(decoded, out)
	}
}

// CloneArguments deep-copies decoded JSON arguments. Maps and []any are
// copied recursively; other values are shared.
func CloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneArguments(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}
