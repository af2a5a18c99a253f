package verifier

import (
	"regexp"
	"strings"
)

var (
	backtickPathPattern = regexp.MustCompile("`([^`\\s]+\\.[A-Za-z0-9]{1,8})`")
	barePathPattern     = regexp.MustCompile(`\b([\w./-]+/[\w.-]+\.[A-Za-z0-9]{1,8})\b`)

	trivialLinePattern = regexp.MustCompile(`^\s*(//.*|#.*|/\*.*\*/\s*|\*.*|(import|from|package|namespace|mod)\s+\S.*|export\s+(\*|\{).*)?$`)
)

// ExtractCandidatePaths pulls plausible file paths out of a completion
// comment: anything backtick-quoted that looks like a path, plus bare
// relative paths containing at least one directory separator.
func ExtractCandidatePaths(text string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(p string) {
		p = strings.TrimPrefix(p, "./")
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	for _, m := range backtickPathPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	for _, m := range barePathPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}

// stripTrivialLines removes comment-only and boilerplate import/re-export
// (export * / export {...})/package/namespace/mod lines, returning what remains (still containing
// newlines, for a readable preview).
func stripTrivialLines(content string) string {
	lines := strings.Split(content, "\n")
	var kept []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if trivialLinePattern.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// isSubstantive reports whether content has any non-trivial line left
// after stripping comments and boilerplate declarations.
func isSubstantive(content string) bool {
	return strings.TrimSpace(stripTrivialLines(content)) != ""
}
