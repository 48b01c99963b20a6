/*
Copyright 2026 Portcullis Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package asciitable renders tabular CLI output into a text terminal.
package asciitable

import (
	"bytes"
	"fmt"
	"strings"
	"text/tabwriter"
)

// Table holds rows and column headers for rendering.
type Table struct {
	headers []string
	widths  []int
	rows    [][]string
}

// MakeTable creates a table with the given column headers.
func MakeTable(headers []string) Table {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	return Table{headers: headers, widths: widths}
}

// AddRow appends a row of cells. Cells beyond the header count are
// dropped, missing cells render empty.
func (t *Table) AddRow(row []string) {
	if len(row) > len(t.headers) {
		row = row[:len(t.headers)]
	}
	for len(row) < len(t.headers) {
		row = append(row, "")
	}
	for i, cell := range row {
		if len(cell) > t.widths[i] {
			t.widths[i] = len(cell)
		}
	}
	t.rows = append(t.rows, row)
}

// AsBuffer returns the rendered table.
func (t *Table) AsBuffer() *bytes.Buffer {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 5, 0, 1, ' ', 0)
	template := strings.Repeat("%v\t", len(t.headers))

	header := make([]any, 0, len(t.headers))
	rule := make([]any, 0, len(t.headers))
	for i, h := range t.headers {
		header = append(header, h)
		rule = append(rule, strings.Repeat("-", t.widths[i]))
	}
	fmt.Fprintf(w, template+"\n", header...)
	fmt.Fprintf(w, template+"\n", rule...)

	for _, row := range t.rows {
		cells := make([]any, 0, len(row))
		for _, cell := range row {
			cells = append(cells, cell)
		}
		fmt.Fprintf(w, template+"\n", cells...)
	}
	w.Flush()
	return &buf
}
