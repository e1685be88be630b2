// Package csvx materializes execution results as CSV and merges result
// tables from multiple batches into one wide table keyed on record ID.
package csvx

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"

	"github.com/andbeder/ClinicalGenius/errors"
)

// Row is one record's flattened result.
type Row struct {
	ID     string
	Fields map[string]interface{}
}

// Build writes rows as RFC 4180 CSV. The identifier column comes first;
// the remaining header is the sorted union of every field name seen across
// all rows, so rows with divergent shapes still land in a rectangular
// table. A row missing a column gets an empty cell.
func Build(idHeader string, rows []Row) (string, error) {
	columnSet := make(map[string]struct{})
	for _, row := range rows {
		for name := range row.Fields {
			columnSet[name] = struct{}{}
		}
	}
	columns := make([]string, 0, len(columnSet))
	for name := range columnSet {
		columns = append(columns, name)
	}
	sort.Strings(columns)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := append([]string{idHeader}, columns...)
	if err := w.Write(header); err != nil {
		return "", errors.Wrap(err, "failed to write CSV header")
	}

	record := make([]string, len(header))
	for _, row := range rows {
		record[0] = row.ID
		for i, col := range columns {
			record[i+1] = cell(row.Fields[col])
		}
		if err := w.Write(record); err != nil {
			return "", errors.Wrap(err, "failed to write CSV row")
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Wrap(err, "CSV writer flush failed")
	}
	return buf.String(), nil
}

// Table is a named CSV produced by one batch execution.
type Table struct {
	Name string
	CSV  string
}

// Merge joins batch result tables on their identifier column into one wide
// CSV. Every non-key column is prefixed with its table's name so same-named
// outputs from different batches stay distinct. The join is a full outer
// join: a record present in any table gets a row, with empty cells where a
// table had no data for it. Rows are ordered by identifier.
func Merge(joinKey string, tables []Table) (string, error) {
	if len(tables) == 0 {
		return "", errors.New("no tables to merge")
	}

	type parsedTable struct {
		columns []string                     // prefixed, key excluded
		rows    map[string]map[string]string // id -> prefixed column -> value
	}

	idSet := make(map[string]struct{})
	var idOrder []string
	parsed := make([]parsedTable, 0, len(tables))

	for _, table := range tables {
		r := csv.NewReader(strings.NewReader(table.CSV))
		records, err := r.ReadAll()
		if err != nil {
			return "", errors.Wrapf(err, "failed to parse CSV for %q", table.Name)
		}
		if len(records) == 0 {
			continue
		}

		header := records[0]
		keyIdx := -1
		for i, col := range header {
			if col == joinKey {
				keyIdx = i
				break
			}
		}
		if keyIdx == -1 {
			return "", errors.Newf("table %q has no %q column", table.Name, joinKey)
		}

		pt := parsedTable{rows: make(map[string]map[string]string)}
		for i, col := range header {
			if i == keyIdx {
				continue
			}
			pt.columns = append(pt.columns, fmt.Sprintf("%s_%s", table.Name, col))
		}

		for _, rec := range records[1:] {
			if keyIdx >= len(rec) {
				continue
			}
			id := rec[keyIdx]
			if id == "" {
				continue
			}
			if _, ok := idSet[id]; !ok {
				idSet[id] = struct{}{}
				idOrder = append(idOrder, id)
			}
			values := make(map[string]string, len(header)-1)
			ci := 0
			for i, v := range rec {
				if i == keyIdx {
					continue
				}
				values[pt.columns[ci]] = v
				ci++
			}
			pt.rows[id] = values
		}
		parsed = append(parsed, pt)
	}

	sort.Strings(idOrder)

	var columns []string
	for _, pt := range parsed {
		columns = append(columns, pt.columns...)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(append([]string{joinKey}, columns...)); err != nil {
		return "", errors.Wrap(err, "failed to write merged header")
	}

	record := make([]string, 1+len(columns))
	for _, id := range idOrder {
		record[0] = id
		i := 1
		for _, pt := range parsed {
			values := pt.rows[id]
			for _, col := range pt.columns {
				record[i] = values[col]
				i++
			}
		}
		if err := w.Write(record); err != nil {
			return "", errors.Wrap(err, "failed to write merged row")
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", errors.Wrap(err, "merged CSV flush failed")
	}
	return buf.String(), nil
}

func cell(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
