package patchpr

import (
	"regexp"
	"strings"
)

var fencedDiffBlock = regexp.MustCompile("(?s)```(?:diff|patch)\\s*\\n(.*?)```")

var issueRefPattern = regexp.MustCompile(`(?i)(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\s+#(\d+)`)

// ExtractDiff pulls a unified diff out of implementation text. It accepts
// a fenced block labeled as diff/patch, or a raw inline block beginning
// with "diff --git ". Returns "", false if neither form is present.
func ExtractDiff(text string) (string, bool) {
	if m := fencedDiffBlock.FindStringSubmatch(text); m != nil {
		body := strings.TrimRight(m[1], "\n")
		if body != "" {
			return body + "\n", true
		}
	}
	if idx := strings.Index(text, "diff --git "); idx >= 0 {
		body := strings.TrimRight(text[idx:], "\n")
		return body + "\n", true
	}
	return "", false
}

// ExtractLinkedIssue finds a "closes #123"/"fixes #123"/"resolves #123"
// style reference in text, as spec §4.4 step 7 asks for when mirroring
// linkedIssueRef.
func ExtractLinkedIssue(text string) (string, bool) {
	m := issueRefPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return "#" + m[1], true
}
