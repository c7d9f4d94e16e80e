package policy

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName converts a server id, tool name, action or role to the
// canonical form used for every comparison in this package.
//
// Lookalike spellings collapse onto the plain ASCII name, so an allowlist
// entry cannot be sidestepped with a visually identical variant:
//
//	NormalizeName("ｇｉｔｈｕｂ＿ｌｉｓｔ＿ｉｓｓｕｅｓ") → "github_list_issues"
//	NormalizeName("github\u200b_create_issue") → "github_create_issue"
//	NormalizeName("  MCP-GitHub ")              → "mcp-github"
//
// Steps: NFKC, lowercase, trim, then drop non-printable and control runes.
func NormalizeName(s string) string {
	normalized := norm.NFKC.String(s)
	normalized = strings.ToLower(normalized)
	normalized = strings.TrimSpace(normalized)
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) && !unicode.IsControl(r) {
			return r
		}
		return -1
	}, normalized)
}
