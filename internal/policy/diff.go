package policy

import (
	"fmt"
	"strings"
)

// Diff renders a unified-style line diff between two canonical policy
// renderings. It is a simple forward scan, not a minimal diff; canonical
// form is deterministic so this is stable and readable for audit records.
func Diff(oldText, newText string) string {
	oldLines := strings.Split(strings.TrimRight(oldText, "\n"), "\n")
	newLines := strings.Split(strings.TrimRight(newText, "\n"), "\n")

	var b strings.Builder
	b.WriteString("--- old\n+++ new\n")

	i, j := 0, 0
	changed := false
	for i < len(oldLines) && j < len(newLines) {
		if oldLines[i] == newLines[j] {
			i++
			j++
			continue
		}
		changed = true
		// Look ahead for a resync point on either side.
		if next := indexOf(newLines[j:], oldLines[i]); next >= 0 {
			for k := 0; k < next; k++ {
				fmt.Fprintf(&b, "+%s\n", newLines[j+k])
			}
			j += next
			continue
		}
		if next := indexOf(oldLines[i:], newLines[j]); next >= 0 {
			for k := 0; k < next; k++ {
				fmt.Fprintf(&b, "-%s\n", oldLines[i+k])
			}
			i += next
			continue
		}
		fmt.Fprintf(&b, "-%s\n", oldLines[i])
		fmt.Fprintf(&b, "+%s\n", newLines[j])
		i++
		j++
	}
	for ; i < len(oldLines); i++ {
		changed = true
		fmt.Fprintf(&b, "-%s\n", oldLines[i])
	}
	for ; j < len(newLines); j++ {
		changed = true
		fmt.Fprintf(&b, "+%s\n", newLines[j])
	}

	if !changed {
		return ""
	}
	return b.String()
}

func indexOf(lines []string, target string) int {
	// Bounded lookahead keeps worst case linear-ish on big documents.
	limit := len(lines)
	if limit > 200 {
		limit = 200
	}
	for i := 0; i < limit; i++ {
		if lines[i] == target {
			return i
		}
	}
	return -1
}
