package toolsurface

import (
	"regexp"
	"strings"
)

// gitWriteVerbs are git subcommands that mutate history or the working
// tree's tracked state; non-singularity roles may not invoke them.
var gitWriteVerbs = map[string]bool{
	"commit":      true,
	"add":         true,
	"push":        true,
	"stash":       true,
	"checkout":    true,
	"reset":       true,
	"rebase":      true,
	"merge":       true,
	"cherry-pick": true,
}

// trackerBackdoorPattern matches direct reads of the task store's backing
// files, which must go through tasks_request instead.
var trackerBackdoorPattern = regexp.MustCompile(`(?i)\.tasks/.*\.jsonl|tasks\.json(\.migrated)?\b|_index\.json\b|_activity\.json\b`)

var gitInvocationPattern = regexp.MustCompile(`(?:^|[;&|]\s*)git\s+([a-z-]+)`)

// BlockedReason returns a non-empty reason if command must be blocked for
// role, or "" if it is permitted. Singularity bypasses the guard entirely.
func BlockedReason(role, command string) string {
	if role == "singularity" {
		return ""
	}
	command = normalizeCommand(command)

	for _, m := range gitInvocationPattern.FindAllStringSubmatch(command, -1) {
		if gitWriteVerbs[m[1]] {
			return "bash: git " + m[1] + " is blocked for role " + role
		}
	}

	if trackerBackdoorPattern.MatchString(command) {
		return "bash: direct access to the task store's backing files is blocked for role " + role
	}

	return ""
}

// IsBlocked is a convenience boolean wrapper around BlockedReason.
func IsBlocked(role, command string) bool {
	return BlockedReason(role, command) != ""
}

// normalizeCommand lowercases and trims a shell command for pattern
// matching purposes; callers that care about exact casing in error
// messages should use the original string for display.
func normalizeCommand(cmd string) string {
	return strings.TrimSpace(strings.ToLower(cmd))
}
