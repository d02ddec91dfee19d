// Package output renders airhostctl results as aligned tables or JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	FormatTable = "table"
	FormatJSON  = "json"
)

const (
	reset  = "\033[0m"
	green  = "\033[1;32m"
	red    = "\033[1;31m"
	yellow = "\033[33m"
	bold   = "\033[1;37m"
)

// Printer writes to Out and Err. Colors are only used when enabled.
type Printer struct {
	Out    io.Writer
	Err    io.Writer
	Format string
	Color  bool
}

// New returns a printer on stdout/stderr for format.
func New(format string) *Printer {
	return &Printer{Out: os.Stdout, Err: os.Stderr, Format: format, Color: isTerminal(os.Stdout)}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func (p *Printer) paint(code, s string) string {
	if !p.Color {
		return s
	}
	return code + s + reset
}

func (p *Printer) Success(format string, a ...interface{}) {
	fmt.Fprintln(p.Out, p.paint(green, "✓ "+fmt.Sprintf(format, a...)))
}

func (p *Printer) Error(format string, a ...interface{}) {
	fmt.Fprintln(p.Err, p.paint(red, "✗ "+fmt.Sprintf(format, a...)))
}

func (p *Printer) Warn(format string, a ...interface{}) {
	fmt.Fprintln(p.Out, p.paint(yellow, "⚠ "+fmt.Sprintf(format, a...)))
}

func (p *Printer) Info(format string, a ...interface{}) {
	fmt.Fprintf(p.Out, format+"\n", a...)
}

// JSON writes v indented.
func (p *Printer) JSON(v interface{}) error {
	enc := json.NewEncoder(p.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Render prints v as JSON when the json format is selected, otherwise it
// calls table.
func (p *Printer) Render(v interface{}, table func(*Table)) error {
	if p.Format == FormatJSON {
		return p.JSON(v)
	}
	t := &Table{headerStyle: func(s string) string { return p.paint(bold, s) }}
	table(t)
	t.Render(p.Out)
	return nil
}

type Table struct {
	headers     []string
	rows        [][]string
	headerStyle func(string) string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

func (t *Table) Header(headers ...string) {
	t.headers = headers
}

func (t *Table) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	style := t.headerStyle
	if style == nil {
		style = func(s string) string { return s }
	}

	var b strings.Builder
	for i, h := range t.headers {
		b.WriteString(style(fmt.Sprintf("%-*s", widths[i], h)))
		b.WriteString("  ")
	}
	fmt.Fprintln(w, strings.TrimRight(b.String(), " "))

	b.Reset()
	for i := range t.headers {
		b.WriteString(strings.Repeat("-", widths[i]))
		b.WriteString("  ")
	}
	fmt.Fprintln(w, strings.TrimRight(b.String(), " "))

	for _, row := range t.rows {
		b.Reset()
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			fmt.Fprintf(&b, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}
