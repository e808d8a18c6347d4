package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#CA8A04"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#16A34A"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Italic(true)
	boldStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

// FormatError returns a styled error message with a hint for common API failures
func FormatError(err error) string {
	out := errorStyle.Render("Error: "+err.Error()) + "\n"
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if hint := hintFor(apiErr.Status); hint != "" {
			out += "  " + hintStyle.Render("Hint: "+hint) + "\n"
		}
	}
	return out
}

func hintFor(status int) string {
	switch status {
	case 401:
		return "set --api-key or DEVICECTL_API_KEY"
	case 404:
		return "check the user and device IDs"
	case 409:
		return "raise the user's device limit or block another device first"
	case 503:
		return "the store is busy, retry in a moment"
	}
	return ""
}

func success(w io.Writer, msg string) {
	fmt.Fprintln(w, successStyle.Render(msg))
}

func warn(w io.Writer, msg string) {
	fmt.Fprintln(w, warnStyle.Render("Warning: "+msg))
}

func bold(s string) string {
	return boldStyle.Render(s)
}

func dim(s string) string {
	return dimStyle.Render(s)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table renders rows under a bold header with columns padded to their widest cell
type table struct {
	header []string
	rows   [][]string
}

func newTable(header ...string) *table {
	return &table{header: header}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style func(string) string) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			pad := 0
			if i < len(widths) {
				pad = widths[i] - lipgloss.Width(cell)
			}
			parts[i] = style(cell) + strings.Repeat(" ", pad)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(w, line(t.header, bold))
	for _, row := range t.rows {
		fmt.Fprintln(w, line(row, func(s string) string { return s }))
	}
}
