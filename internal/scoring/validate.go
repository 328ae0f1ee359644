package scoring

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"daggle/internal/models"
)

const (
	// maxIDErrors bounds how many MISSING_ID / UNEXPECTED_ID errors are listed
	// individually; the remainder is folded into one summary error.
	maxIDErrors = 10

	// ctxCheckEvery is how many rows are parsed between cancellation checks
	ctxCheckEvery = 1024
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ValueKind is the declared domain of a value column
type ValueKind string

const (
	KindFloat  ValueKind = "float"
	KindInt    ValueKind = "int"
	KindBinary ValueKind = "binary"
)

// IDSet is a read-only set of row identifiers
type IDSet map[string]struct{}

// Contains reports whether id is in the set
func (s IDSet) Contains(id string) bool {
	_, ok := s[id]
	return ok
}

// FileSpec describes what a valid upload looks like
type FileSpec struct {
	IDColumn     string
	ValueColumns []string
	Kind         ValueKind
	Min          *float64
	Max          *float64
	// ExpectedIDs is the exact identifier universe; nil disables the id-set check
	ExpectedIDs IDSet
}

// Row is one parsed data row
type Row struct {
	ID     string
	Values []float64
}

// ValidatedFile is the parsed content of a file that passed validation
type ValidatedFile struct {
	IDColumn string
	Columns  []string
	Rows     []Row
}

// Column returns the values of a value column keyed by identifier
func (f *ValidatedFile) Column(name string) map[string]float64 {
	idx := -1
	for i, c := range f.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make(map[string]float64, len(f.Rows))
	for _, r := range f.Rows {
		out[r.ID] = r.Values[idx]
	}
	return out
}

// Predictions returns the primary value column keyed by identifier
func (f *ValidatedFile) Predictions() map[string]float64 {
	if len(f.Columns) == 0 {
		return nil
	}
	return f.Column(f.Columns[0])
}

// ValidationResult is the outcome of Validate. Errors holds every problem found.
type ValidationResult struct {
	Valid    bool
	Errors   []models.FieldError
	File     *ValidatedFile
	RowCount int
}

func invalid(errs ...models.FieldError) ValidationResult {
	return ValidationResult{Valid: false, Errors: errs}
}

// Validate parses raw as CSV and checks it against spec. It never stops at the
// first problem: the result lists everything wrong with the file so it can be
// fixed in one pass. The returned error is non-nil only when ctx ends first.
func Validate(ctx context.Context, raw []byte, spec FileSpec) (ValidationResult, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		return invalid(models.FieldError{
			Code:    models.CodeMalformedFile,
			Message: "file encoding not supported, use UTF-8",
		}), nil
	}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return invalid(models.FieldError{
			Code:    models.CodeEmptyFile,
			Message: "file is empty",
		}), nil
	}
	if err != nil {
		return invalid(malformed(err)), nil
	}

	// Missing columns: one error per column, rows cannot be interpreted without them
	columns := indexHeader(header)
	required := append([]string{spec.IDColumn}, spec.ValueColumns...)
	var errs []models.FieldError
	for _, name := range required {
		if _, ok := columns[name]; !ok {
			errs = append(errs, models.FieldError{
				Code:    models.CodeMissingColumn,
				Field:   name,
				Message: fmt.Sprintf("missing required column: %s", name),
			})
		}
	}
	if len(errs) > 0 {
		return invalid(errs...), nil
	}

	idIdx := columns[spec.IDColumn]
	valueIdx := make([]int, len(spec.ValueColumns))
	for i, name := range spec.ValueColumns {
		valueIdx[i] = columns[name]
	}

	file := &ValidatedFile{IDColumn: spec.IDColumn, Columns: spec.ValueColumns}
	seen := make(IDSet)
	rowNum := 1 // header is row 1
	rowCount := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return invalid(malformed(err)), nil
		}

		rowNum++
		rowCount++
		if rowCount%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return ValidationResult{}, err
			}
		}

		id := strings.TrimSpace(cell(record, idIdx))
		if id == "" {
			errs = append(errs, models.FieldError{
				Code:    models.CodeEmptyID,
				Field:   spec.IDColumn,
				Row:     rowNum,
				Message: "empty id value",
			})
			continue
		}

		duplicate := seen.Contains(id)
		if duplicate {
			errs = append(errs, models.FieldError{
				Code:    models.CodeDuplicateID,
				Field:   spec.IDColumn,
				Row:     rowNum,
				Message: fmt.Sprintf("duplicate id: %s", id),
			})
		}
		seen[id] = struct{}{}

		values := make([]float64, len(valueIdx))
		rowOK := true
		for i, idx := range valueIdx {
			v, fieldErrs := checkValue(cell(record, idx), spec, spec.ValueColumns[i], rowNum)
			if len(fieldErrs) > 0 {
				errs = append(errs, fieldErrs...)
				rowOK = false
				continue
			}
			values[i] = v
		}

		if rowOK && !duplicate {
			file.Rows = append(file.Rows, Row{ID: id, Values: values})
		}
	}

	if spec.ExpectedIDs != nil {
		errs = append(errs, compareIDs(spec.IDColumn, seen, spec.ExpectedIDs)...)
	}

	if rowCount == 0 {
		errs = append(errs, models.FieldError{
			Code:    models.CodeEmptyFile,
			Message: "file contains no data rows",
		})
	}

	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs, RowCount: rowCount}, nil
	}
	return ValidationResult{Valid: true, File: file, RowCount: rowCount}, nil
}

func malformed(err error) models.FieldError {
	fe := models.FieldError{
		Code:    models.CodeMalformedFile,
		Message: fmt.Sprintf("failed to parse CSV: %v", err),
	}
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) {
		fe.Row = parseErr.Line
	}
	return fe
}

func indexHeader(header []string) map[string]int {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}
	return columns
}

func cell(record []string, idx int) string {
	if idx < len(record) {
		return record[idx]
	}
	return ""
}

func checkValue(raw string, spec FileSpec, column string, row int) (float64, []models.FieldError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, []models.FieldError{{
			Code:    models.CodeEmptyValue,
			Field:   column,
			Row:     row,
			Message: "empty value",
		}}
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, []models.FieldError{{
			Code:    models.CodeInvalidValue,
			Field:   column,
			Row:     row,
			Message: fmt.Sprintf("invalid %s value: %s", kindOrFloat(spec.Kind), raw),
		}}
	}
	if (spec.Kind == KindInt || spec.Kind == KindBinary) && v != math.Trunc(v) {
		return 0, []models.FieldError{{
			Code:    models.CodeInvalidValue,
			Field:   column,
			Row:     row,
			Message: fmt.Sprintf("invalid %s value: %s", spec.Kind, raw),
		}}
	}

	var errs []models.FieldError
	if spec.Min != nil && v < *spec.Min {
		errs = append(errs, models.FieldError{
			Code:    models.CodeValueOutOfRange,
			Field:   column,
			Row:     row,
			Message: fmt.Sprintf("value %s is below minimum %s", raw, formatFloat(*spec.Min)),
		})
	}
	if spec.Max != nil && v > *spec.Max {
		errs = append(errs, models.FieldError{
			Code:    models.CodeValueOutOfRange,
			Field:   column,
			Row:     row,
			Message: fmt.Sprintf("value %s is above maximum %s", raw, formatFloat(*spec.Max)),
		})
	}
	if spec.Kind == KindBinary && v != 0 && v != 1 {
		errs = append(errs, models.FieldError{
			Code:    models.CodeInvalidBinary,
			Field:   column,
			Row:     row,
			Message: fmt.Sprintf("binary value must be 0 or 1, got %s", raw),
		})
	}
	return v, errs
}

// compareIDs reports identifiers missing from or unexpected in the upload.
// Output is sorted so the same file always yields the same errors.
func compareIDs(column string, seen, expected IDSet) []models.FieldError {
	var missing, unexpected []string
	for id := range expected {
		if !seen.Contains(id) {
			missing = append(missing, id)
		}
	}
	for id := range seen {
		if !expected.Contains(id) {
			unexpected = append(unexpected, id)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)

	var errs []models.FieldError
	errs = append(errs, idErrors(models.CodeMissingID, column, missing, "missing expected id: %s", "missing")...)
	errs = append(errs, idErrors(models.CodeUnexpectedID, column, unexpected, "unexpected id: %s", "unexpected")...)
	return errs
}

func idErrors(code, column string, ids []string, format, noun string) []models.FieldError {
	var errs []models.FieldError
	for i, id := range ids {
		if i == maxIDErrors {
			rest := len(ids) - maxIDErrors
			errs = append(errs, models.FieldError{
				Code:    code,
				Field:   column,
				Count:   rest,
				Message: fmt.Sprintf("... and %d more %s ids (%d total)", rest, noun, len(ids)),
			})
			break
		}
		errs = append(errs, models.FieldError{
			Code:    code,
			Field:   column,
			Message: fmt.Sprintf(format, id),
		})
	}
	return errs
}

func kindOrFloat(k ValueKind) ValueKind {
	if k == "" {
		return KindFloat
	}
	return k
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
