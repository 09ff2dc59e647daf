package workers

import "strings"

// window is one overlapping slice of a large file.
type window struct {
	startLine int // 1-based
	lines     []string
}

func allLines(content string) []string {
	return strings.Split(content, "\n")
}

// maxOverlapLines caps how much of the previous window is repeated at the
// start of the next one.
const maxOverlapLines = 200

// splitWindows slices content into windows of at most windowLines lines with
// roughly 20% overlap, so entities straddling a boundary appear whole in at
// least one window.
func splitWindows(content string, windowLines int) []window {
	lines := strings.Split(content, "\n")
	if len(lines) <= windowLines {
		return []window{{startLine: 1, lines: lines}}
	}
	overlap := windowLines / 5
	if overlap > maxOverlapLines {
		overlap = maxOverlapLines
	}
	step := windowLines - overlap
	var out []window
	for start := 0; start < len(lines); start += step {
		end := start + windowLines
		if end > len(lines) {
			end = len(lines)
		}
		out = append(out, window{startLine: start + 1, lines: lines[start:end]})
		if end == len(lines) {
			break
		}
	}
	return out
}
