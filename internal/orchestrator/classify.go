package orchestrator

import (
	"regexp"
	"strings"

	"git.home.luguber.info/inful/storybuilder/internal/plan"
)

var (
	errorNearFailure   = regexp.MustCompile(`(?i)error[\s\S]{0,50}(failed|failure|broken)|(failed|failure|broken)[\s\S]{0,50}error`)
	testsFailed        = regexp.MustCompile(`(?i)tests?\s+failed`)
	verificationMarker = regexp.MustCompile(`(?i)verification passed|all tests passed|✓`)
	modifiedFileMarker = regexp.MustCompile("(?i)\\b(?:(?:wrote|created|modified)\\s+|file:\\s*)([^\\s\"'`,;]+)")
)

// ValidateSubtaskResult classifies the free-text output of an attempt.
// Negative evidence wins; without any the attempt counts as successful.
func ValidateSubtaskResult(output string, st plan.Subtask) bool {
	if errorNearFailure.MatchString(output) || testsFailed.MatchString(output) {
		return false
	}
	if st.Verification != "" && verificationMarker.MatchString(output) {
		return true
	}
	return true
}

// ExtractModifiedFiles returns the paths named by wrote/created/modified/file:
// markers in output, de-duplicated in order of first appearance.
func ExtractModifiedFiles(output string) []string {
	files := []string{}
	seen := make(map[string]bool)
	for _, m := range modifiedFileMarker.FindAllStringSubmatch(output, -1) {
		path := strings.TrimRight(m[1], ".,:;)")
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		files = append(files, path)
	}
	return files
}
