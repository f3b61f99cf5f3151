package sheetparse

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// ReadWorkbook loads an xlsx workbook into a Payload, sheet order preserved.
// It does not validate; run the result through Validate or Parse.
func ReadWorkbook(r io.Reader) (*Payload, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("sheetparse: open workbook: %w", err)
	}
	defer f.Close()

	p := &Payload{}
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("sheetparse: sheet %q: %w", name, err)
		}
		p.Sheets = append(p.Sheets, Sheet{Name: name, Rows: rows})
	}
	return p, nil
}
