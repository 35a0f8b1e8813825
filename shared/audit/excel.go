package audit

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const maxSheetName = 31

// ExcelizeWriter implements SheetWriter on top of excelize.
type ExcelizeWriter struct {
	file   *excelize.File
	bold   int
	sheet  string
	width  int
	row    int
	sheets int
}

func NewExcelizeWriter() (*ExcelizeWriter, error) {
	f := excelize.NewFile()
	bold, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#E0E0E0"}},
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("header style: %w", err)
	}
	return &ExcelizeWriter{file: f, bold: bold}, nil
}

func (w *ExcelizeWriter) AddSheet(name string, columns []string) error {
	for utf8.RuneCountInString(name) > maxSheetName {
		r := []rune(name)
		name = string(r[:maxSheetName])
	}

	// A new workbook starts with "Sheet1"; the first sheet takes it over.
	if w.sheets == 0 {
		if err := w.file.SetSheetName("Sheet1", name); err != nil {
			return fmt.Errorf("rename sheet: %w", err)
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	w.sheets++
	w.sheet = name
	w.width = len(columns)
	w.row = 1

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := w.file.SetSheetRow(name, "A1", &header); err != nil {
		return err
	}
	if len(columns) == 0 {
		w.row++
		return nil
	}

	last, err := excelize.CoordinatesToCellName(len(columns), 1)
	if err != nil {
		return err
	}
	if err := w.file.SetCellStyle(name, "A1", last, w.bold); err != nil {
		return err
	}
	if err := w.file.SetPanes(name, &excelize.Panes{
		Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft",
	}); err != nil {
		return err
	}
	lastCol, _, err := excelize.SplitCellName(last)
	if err != nil {
		return err
	}
	if err := w.file.SetColWidth(name, "A", lastCol, 18); err != nil {
		return err
	}
	w.row++
	return nil
}

func (w *ExcelizeWriter) AppendRow(values ...any) error {
	if w.sheet == "" {
		return errors.New("no active sheet")
	}
	if w.width > 0 && len(values) > w.width {
		return fmt.Errorf("row has %d values, sheet %s has %d columns", len(values), w.sheet, w.width)
	}
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(w.sheet, cell, &values); err != nil {
		return err
	}
	w.row++
	return nil
}

func (w *ExcelizeWriter) Save(out io.Writer) error {
	return w.file.Write(out)
}

func (w *ExcelizeWriter) SaveToFile(path string) error {
	return w.file.SaveAs(path)
}

func (w *ExcelizeWriter) Close() error {
	return w.file.Close()
}
