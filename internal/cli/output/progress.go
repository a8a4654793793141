package output

import (
	"fmt"
	"strings"
)

// ProgressBar renders shard completion as a fixed-width bar.
type ProgressBar struct {
	Width int
}

// Render returns e.g. "[██████░░░░]  60% (3/5)". Failed shards count as
// finished.
func (p ProgressBar) Render(finished, total int) string {
	width := p.Width
	if width <= 0 {
		width = 20
	}
	if total <= 0 {
		return fmt.Sprintf("[%s] (0/0)", strings.Repeat("░", width))
	}
	finished = min(max(finished, 0), total)
	filled := width * finished / total
	percent := 100 * finished / total
	return fmt.Sprintf("[%s%s] %3d%% (%d/%d)",
		strings.Repeat("█", filled), strings.Repeat("░", width-filled), percent, finished, total)
}
