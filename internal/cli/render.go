package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252"))

	cellStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	statusStyles = map[string]lipgloss.Style{
		string(types.StatusPending):    lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		string(types.StatusProcessing): lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		string(types.StatusCompleted):  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		string(types.StatusFailed):     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		string(types.StatusCancelled):  lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	}
)

// table renders rows under headers with columns padded to their widest cell
type table struct {
	headers []string
	rows    [][]string
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render() string {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			var c string
			if i < len(cells) {
				c = cells[i]
			}
			parts[i] = style.Width(widths[i]).Render(c)
		}
		return strings.Join(parts, "  ")
	}

	lines := []string{line(t.headers, headerStyle)}
	for _, row := range t.rows {
		lines = append(lines, line(row, cellStyle))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// keyValues renders label/value pairs in a bordered box under a title
func keyValues(title string, pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, lipgloss.Width(p[0]))
	}
	lines := make([]string, 0, len(pairs))
	for _, p := range pairs {
		lines = append(lines, labelStyle.Width(width+2).Render(p[0])+p[1])
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render(title),
		boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}

func styledStatus(s string) string {
	if st, ok := statusStyles[s]; ok {
		return st.Render(s)
	}
	return s
}

func printBlock(w io.Writer, blocks ...string) {
	fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, blocks...))
}

// roundDuration trims durations for display
func roundDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Millisecond).String()
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
