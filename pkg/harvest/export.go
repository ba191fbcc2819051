package harvest

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// Sheet names of exported workbooks.
const (
	SheetResults = "Results"
	SheetErrors  = "Errors"
)

// column is one numeric column of the results sheet.
type column struct {
	spec  int
	comp  int
	title string
}

// columns derives the result columns: one per spec and component, sized
// to the widest measurement seen.
func columns(specs []Spec, entries []Entry) []column {
	var out []column
	for si, spec := range specs {
		width := 0
		for _, e := range entries {
			if si < len(e.Measurements) && len(e.Measurements[si].Values) > width {
				width = len(e.Measurements[si].Values)
			}
		}
		if width == 0 {
			width = 1
		}
		comps := Components(spec.Kind, width)
		for ci := 0; ci < width; ci++ {
			title := spec.String()
			if ci < len(comps) && comps[ci] != "value" {
				title += "." + comps[ci]
			}
			out = append(out, column{spec: si, comp: ci, title: title})
		}
	}
	return out
}

// WriteXLSX writes entries as a workbook with one row per directory on
// the results sheet and one row per failed measurement on the errors
// sheet.
func WriteXLSX(w io.Writer, specs []Spec, entries []Entry) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SheetResults); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SheetErrors); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	idx, _ := f.GetSheetIndex(SheetResults)
	f.SetActiveSheet(idx)

	cols := columns(specs, entries)
	headers := []string{"Directory", "Index", "State"}
	for _, c := range cols {
		headers = append(headers, c.title)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetResults, cell, h); err != nil {
			return err
		}
	}

	errHeaders := []string{"Directory", "Quantity", "Error"}
	for i, h := range errHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetErrors, cell, h); err != nil {
			return err
		}
	}

	write := func(sheet string, col, row int, v any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		_ = f.SetCellValue(sheet, cell, v)
	}

	errRow := 2
	for r, e := range entries {
		row := r + 2

		write(SheetResults, 1, row, e.Rel)
		if e.Index != nil {
			write(SheetResults, 2, row, *e.Index)
		}
		write(SheetResults, 3, row, string(e.State))

		for ci, c := range cols {
			if c.spec >= len(e.Measurements) {
				continue
			}
			m := e.Measurements[c.spec]
			if m.Err == nil && c.comp < len(m.Values) {
				write(SheetResults, 4+ci, row, m.Values[c.comp])
			}
		}

		for si, m := range e.Measurements {
			if m.Err == nil {
				continue
			}
			write(SheetErrors, 1, errRow, e.Rel)
			write(SheetErrors, 2, errRow, specs[si].String())
			write(SheetErrors, 3, errRow, m.Err.Error())
			errRow++
		}
	}

	_ = f.SetColWidth(SheetResults, "A", "A", 28)
	_ = f.SetColWidth(SheetErrors, "A", "A", 28)
	_ = f.SetColWidth(SheetErrors, "B", "B", 26)
	_ = f.SetColWidth(SheetErrors, "C", "C", 80)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}
