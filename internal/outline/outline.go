// Package outline converts between indented outline text and ordered
// (text, indent) lines. It is the only place that looks at whitespace; the
// splitter and the orchestrator work on types.Line values.
package outline

import (
	"strings"

	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// tabWidth is the column width of a tab in leading whitespace
const tabWidth = 2

// indentUnit is what Serialize writes per level
const indentUnit = "  "

// Parse returns one Line per non-blank line of text.
//
// Levels come from an indentation stack anchored at column 0, so an outline
// indented by 2, 4 or mixed widths still yields consecutive levels and a
// line at column 0 is always level 0.
func Parse(text string) []types.Line {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var lines []types.Line
	widths := []int{0}
	for _, raw := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		col := leadingColumns(raw)

		for len(widths) > 1 && widths[len(widths)-1] > col {
			widths = widths[:len(widths)-1]
		}
		if widths[len(widths)-1] < col {
			widths = append(widths, col)
		}

		lines = append(lines, types.Line{Text: trimmed, Indent: len(widths) - 1})
	}
	return lines
}

func leadingColumns(s string) int {
	col := 0
	for _, r := range s {
		switch r {
		case ' ':
			col++
		case '\t':
			col += tabWidth
		default:
			return col
		}
	}
	return col
}

// Serialize writes lines back as text, two spaces per level
func Serialize(lines []types.Line) string {
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		indent := line.Indent
		if indent < 0 {
			indent = 0
		}
		b.WriteString(strings.Repeat(indentUnit, indent))
		b.WriteString(line.Text)
	}
	return b.String()
}

// Rebase returns a copy of lines shifted so the shallowest line is level 0
func Rebase(lines []types.Line) []types.Line {
	if len(lines) == 0 {
		return nil
	}
	base := lines[0].Indent
	for _, line := range lines[1:] {
		if line.Indent < base {
			base = line.Indent
		}
	}
	out := make([]types.Line, len(lines))
	for i, line := range lines {
		out[i] = types.Line{Text: line.Text, Indent: line.Indent - base}
	}
	return out
}

// CountNodes is the number of nodes text would create
func CountNodes(text string) int {
	return len(Parse(text))
}
