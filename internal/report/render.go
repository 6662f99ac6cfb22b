package report

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RenderOptions controls tree output.
type RenderOptions struct {
	// ShowKeys prints key material; otherwise keys are masked.
	ShowKeys bool
	Color    bool
}

// Render draws one branch per row with a child per KID. The track's
// required KID is marked with "*".
func Render(rows []Row, opts RenderOptions) string {
	if len(rows) == 0 {
		return ""
	}
	lw := list.NewWriter()
	lw.SetStyle(list.StyleConnectedRounded)
	for _, row := range rows {
		lw.AppendItem(rowTitle(row))
		lw.Indent()
		for _, entry := range row.Entries {
			lw.AppendItem(entryLine(entry, opts))
		}
		if row.Vaults > 0 {
			lw.AppendItem(fmt.Sprintf("cached %d keys to %d/%d vaults", countKeys(row), row.Cached, row.Vaults))
		}
		lw.UnIndent()
	}
	return lw.Render()
}

func rowTitle(row Row) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(row.Scheme))
	if row.Label != "" {
		b.WriteString(" ")
		b.WriteString(row.Label)
	}
	if len(row.Tracks) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(row.Tracks, ", "))
		b.WriteString("]")
	}
	return b.String()
}

func entryLine(entry Entry, opts RenderOptions) string {
	marker := " "
	if entry.Required {
		marker = "*"
	}
	line := marker + " " + entry.KID.String() + ":"
	switch {
	case entry.Err != "":
		return line + " " + colorize(opts, text.FgRed, entry.Err)
	case len(entry.Key) == 0:
		return line + " " + colorize(opts, text.FgYellow, "pending")
	}
	key := entry.Key.String()
	if !opts.ShowKeys {
		key = strings.Repeat("*", len(key))
	}
	line += " " + key
	if entry.Source != "" {
		line += " from " + entry.Source
	}
	return line
}

func countKeys(row Row) int {
	n := 0
	for _, entry := range row.Entries {
		if len(entry.Key) > 0 {
			n++
		}
	}
	return n
}

func colorize(opts RenderOptions, color text.Color, value string) string {
	if !opts.Color {
		return value
	}
	return text.Colors{color}.Sprint(value)
}
