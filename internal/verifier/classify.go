package verifier

import "regexp"

// CommentClass is the verifier's read on what a worker's comment claims.
type CommentClass string

const (
	ClassNoChangesNeeded  CommentClass = "no_changes_needed"
	ClassImplementation   CommentClass = "implementation_claim"
	ClassNonCompletion    CommentClass = "non_completion"
)

var (
	noChangesPattern = regexp.MustCompile(`(?i)\b(already (complete|implemented|done|working)|no changes (are )?needed|nothing (else )?to (change|do)|no (further )?(action|work) (is )?(required|needed))\b`)

	completionSignalPattern = regexp.MustCompile(`(?i)\b(completed?|finished|done|implemented|fixed|verified|what changed|remaining|resolved)\b`)

	implementationVerbPattern = regexp.MustCompile(`(?i)\b(implement(ed|ing)?|add(ed|ing)?|creat(ed|ing)|wrote|written|modif(ied|ying)|refactor(ed|ing)?|updat(ed|ing))\b`)
)

// Classify reads a tasks.comment_add body the way the completion verifier
// does: no_changes_needed wins only when it lacks a strong implementation
// verb; otherwise any completion signal or implementation verb makes it an
// implementation claim requiring verification.
func Classify(text string) CommentClass {
	hasNoChanges := noChangesPattern.MatchString(text)
	hasImplVerb := implementationVerbPattern.MatchString(text)
	hasCompletionSignal := completionSignalPattern.MatchString(text)

	if hasNoChanges && !hasImplVerb {
		return ClassNoChangesNeeded
	}
	if hasCompletionSignal || hasImplVerb {
		return ClassImplementation
	}
	return ClassNonCompletion
}
