// Package transcript normalizes transcript text produced by the remote speech model.
package transcript

import "strings"

// Clean collapses a transcript fragment into a single line.
//
// Lines are trimmed, empty lines are dropped and repeated lines are kept only once
// (first occurrence order). Survivors are joined with a single space.
// Clean is idempotent: Clean(Clean(x)) == Clean(x).
func Clean(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return strings.Join(out, " ")
}
