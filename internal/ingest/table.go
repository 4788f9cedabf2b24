package ingest

import (
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Record is one data row keyed by the trimmed header text.
type Record map[string]string

// Get looks a field up case-insensitively and returns its trimmed value.
func (r Record) Get(field string) string {
	if v, ok := r[field]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range r {
		if strings.EqualFold(k, field) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// first returns the first non-empty value among the candidate fields.
func (r Record) first(fields ...string) string {
	for _, f := range fields {
		if v := r.Get(f); v != "" {
			return v
		}
	}
	return ""
}

type Table struct {
	Columns []string
	Rows    []Record
}

// Missing returns the required columns absent from the header, lower-cased
// and sorted.
func (t *Table) Missing(required ...string) []string {
	present := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		present[strings.ToLower(c)] = struct{}{}
	}
	var missing []string
	for _, r := range required {
		if _, ok := present[strings.ToLower(r)]; !ok {
			missing = append(missing, strings.ToLower(r))
		}
	}
	slices.Sort(missing)
	return missing
}

func (t *Table) require(columns ...string) error {
	if missing := t.Missing(columns...); len(missing) > 0 {
		return batchErrorf("Missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ReadTable parses a header-first CSV or, for .xlsx names, the first sheet
// of a workbook.
func ReadTable(r io.Reader, filename string) (*Table, error) {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return readXLSX(r)
	}
	return readCSV(r)
}

func readCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, batchErrorf("CSV file is empty")
	}
	if err != nil {
		return nil, batchErrorf("Unable to read CSV file: %v", err)
	}

	var rows [][]string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, batchErrorf("Unable to read CSV file: %v", err)
		}
		rows = append(rows, rec)
	}
	return buildTable(header, rows)
}

func readXLSX(r io.Reader) (*Table, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, batchErrorf("Unable to read spreadsheet: %v", err)
	}
	defer func() { _ = book.Close() }()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, batchErrorf("Spreadsheet is empty")
	}
	rows, err := book.GetRows(sheets[0])
	if err != nil {
		return nil, batchErrorf("Unable to read spreadsheet: %v", err)
	}
	if len(rows) == 0 {
		return nil, batchErrorf("Spreadsheet is empty")
	}
	return buildTable(rows[0], rows[1:])
}

func buildTable(header []string, rows [][]string) (*Table, error) {
	columns := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		columns[i] = strings.TrimSpace(h)
	}
	if len(columns) == 0 || (len(columns) == 1 && columns[0] == "") {
		return nil, batchErrorf("CSV file is empty")
	}

	table := &Table{Columns: columns, Rows: make([]Record, 0, len(rows))}
	for _, raw := range rows {
		if blank(raw) {
			continue
		}
		rec := make(Record, len(columns))
		for i, col := range columns {
			if col == "" {
				continue
			}
			if i < len(raw) {
				rec[col] = raw[i]
			} else {
				rec[col] = ""
			}
		}
		table.Rows = append(table.Rows, rec)
	}
	return table, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
