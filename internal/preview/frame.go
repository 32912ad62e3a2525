package preview

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

var frameStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder())

// Frame draws a one-cell border around content so the result is exactly
// width by height cells. Content that does not fit is cut off on the
// right and bottom rather than wrapped, since wrapping breaks diagrams.
func Frame(content []string, width, height int) []string {
	innerW, innerH := width-2, height-2
	if innerW < 1 || innerH < 1 {
		return Clip(content, width, height)
	}

	body := Clip(content, innerW, innerH)
	rendered := frameStyle.
		Width(innerW).
		Height(innerH).
		Render(strings.Join(body, "\n"))

	return strings.Split(rendered, "\n")
}

// Clip truncates content to at most height lines of at most width cells.
func Clip(content []string, width, height int) []string {
	if len(content) > height {
		content = content[:height]
	}
	out := make([]string, len(content))
	for i, line := range content {
		if runewidth.StringWidth(line) > width {
			line = runewidth.Truncate(line, width, "")
		}
		out[i] = line
	}
	return out
}
