package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Table buffers rows and prints them column-aligned on Flush. Widths are
// measured without ANSI color sequences, so colored status cells line up.
// An empty table prints nothing, not even headers.
type Table struct {
	out     io.Writer
	headers []string
	rows    [][]string
	prefix  string
}

const columnGap = 2

var ansiSeq = regexp.MustCompile("\033\\[[0-9;]*m")

// NewTable creates a table on stdout with the given column headers.
func NewTable(headers ...string) *Table {
	return NewTableTo(os.Stdout, headers...)
}

// NewTableTo creates a table that writes to w.
func NewTableTo(w io.Writer, headers ...string) *Table {
	return &Table{out: w, headers: headers}
}

// WithPrefix indents every line, for sub-tables inside larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row adds one row.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Flush prints the headers, a dash divider and every buffered row.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}
	divider := make([]string, len(t.headers))
	for i, h := range t.headers {
		divider[i] = strings.Repeat("-", len(h))
	}
	lines := append([][]string{t.headers, divider}, t.rows...)

	var widths []int
	for _, cells := range lines {
		for i, c := range cells {
			if i == len(widths) {
				widths = append(widths, 0)
			}
			if w := VisibleWidth(c); w > widths[i] {
				widths[i] = w
			}
		}
	}

	for _, cells := range lines {
		var b strings.Builder
		b.WriteString(t.prefix)
		for i, c := range cells {
			b.WriteString(c)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-VisibleWidth(c)+columnGap))
			}
		}
		fmt.Fprintln(t.out, b.String())
	}
	t.rows = nil
}

// VisibleWidth is the number of runes in s once color sequences are removed.
func VisibleWidth(s string) int {
	return utf8.RuneCountInString(ansiSeq.ReplaceAllString(s, ""))
}
