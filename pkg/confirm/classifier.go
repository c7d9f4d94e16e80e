// Package confirm implements the write-confirmation gate: a two-call protocol
// that holds a mutating tool call as a pending plan until the same caller
// resubmits it with the plan's confirmation id.
//
// The gate is independent of the policy engine. A call must first be allowed
// by policy; the gate then decides whether it may run now or needs to be
// confirmed.
package confirm

import (
	"strings"
	"unicode"

	"github.com/brainego/toolpolicy/pkg/policy"
)

var (
	writeVerbs   = policy.NewStringSet("create", "update", "add", "append", "post")
	commentVerbs = policy.NewStringSet("comment")
	readVerbs    = policy.NewStringSet("list", "get", "search", "read", "fetch", "query")

	// Only calls against issue trackers and comment threads are gated.
	targetNouns = policy.NewStringSet("issue", "comment")
)

// RequiresWriteConfirmation reports whether a tool call must be confirmed
// before it runs, judging by the tool name alone.
//
// The name is split into words and simple plurals are singularized. A call
// needs confirmation when it names an issue or comment and its first
// write or comment verb comes before any read verb:
//
//	github_create_issue          true
//	github_create_issue_comment  true
//	linear_create_comment        true
//	github_list_issues           false
//	search_and_create_comment    false (read verb first)
//	notion_create_page           false (no issue or comment)
//	github_delete_issue          false (delete is governed by policy)
func RequiresWriteConfirmation(toolName string) bool {
	tokens := tokenize(toolName)

	writeAt, readAt := -1, -1
	hasTarget := false
	for i, tok := range tokens {
		if writeAt < 0 && (writeVerbs.Has(tok) || commentVerbs.Has(tok)) {
			writeAt = i
		}
		if readAt < 0 && readVerbs.Has(tok) {
			readAt = i
		}
		if targetNouns.Has(tok) {
			hasTarget = true
		}
	}

	if writeAt < 0 || !hasTarget {
		return false
	}
	if readAt < 0 {
		return true
	}
	return writeAt < readAt
}

func tokenize(name string) []string {
	fields := strings.FieldsFunc(policy.NormalizeName(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, f := range fields {
		fields[i] = singularize(f)
	}
	return fields
}

func singularize(tok string) string {
	switch {
	case strings.HasSuffix(tok, "ies") && len(tok) > 3:
		return tok[:len(tok)-3] + "y"
	case strings.HasSuffix(tok, "s") && len(tok) > 3:
		return tok[:len(tok)-1]
	}
	return tok
}
