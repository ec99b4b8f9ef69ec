// Package schema turns decoded JSON records with varying key sets into one
// rectangular text table.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
)

// ErrInvalidInput is returned for payloads that are neither a record nor a
// list of records.
var ErrInvalidInput = errors.New("payload is not a record or list of records")

// NestedKeys name the envelope fields whose list holds the real rows of a
// metadata payload, in lookup order.
var NestedKeys = []string{"campos", "fields"}

// Table is a batch of rows under one sorted header. Every row has
// len(Header) cells; a field missing from a record is the empty string.
type Table struct {
	Header []string
	Rows   [][]string
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Column returns the index of name in the header, or -1.
func (t *Table) Column(name string) int {
	return slices.Index(t.Header, name)
}

// Unify converts a decoded JSON payload into a Table.
func Unify(payload any) (*Table, error) {
	records, err := recordsOf(payload)
	if err != nil {
		return nil, err
	}

	header := unionKeys(records)
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(header))
		for i, key := range header {
			v, ok := rec[key]
			if !ok {
				continue
			}
			s, err := Text(v)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			row[i] = s
		}
		rows = append(rows, row)
	}

	return &Table{Header: header, Rows: rows}, nil
}

// UnifyRecords builds a Table from records that are already text.
func UnifyRecords(records []map[string]string) *Table {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			seen[k] = struct{}{}
		}
	}
	header := sortedKeys(seen)

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(header))
		for i, key := range header {
			row[i] = rec[key]
		}
		rows = append(rows, row)
	}
	return &Table{Header: header, Rows: rows}
}

// MergeHeaders returns the sorted union of headers.
func MergeHeaders(headers ...[]string) []string {
	seen := make(map[string]struct{})
	for _, h := range headers {
		for _, k := range h {
			seen[k] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// Reorder maps a row laid out under from into the column order of to.
// Columns of to that from lacks are the empty string.
func Reorder(row, from, to []string) []string {
	out := make([]string, len(to))
	for i, name := range to {
		if j := slices.Index(from, name); j >= 0 && j < len(row) {
			out[i] = row[j]
		}
	}
	return out
}

// Text renders one decoded JSON value as a cell.
func Text(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("encoding nested value: %w", err)
		}
		return string(b), nil
	}
}

func recordsOf(payload any) ([]map[string]any, error) {
	switch p := payload.(type) {
	case map[string]any:
		for _, key := range NestedKeys {
			if nested, ok := p[key].([]any); ok {
				return listOf(nested)
			}
		}
		return []map[string]any{p}, nil
	case []any:
		return listOf(p)
	case []map[string]any:
		return p, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidInput, payload)
	}
}

func listOf(items []any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(items))
	for i, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is %T", ErrInvalidInput, i, item)
		}
		out = append(out, rec)
	}
	return out, nil
}

func unionKeys(records []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			seen[k] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
