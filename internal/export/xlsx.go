package export

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Sheet names used in workbook exports.
const (
	OrdersSheet   = "Orders"
	AttemptsSheet = "Attempts"
)

// WriteXLSX saves snap as a workbook with one sheet of orders and one of
// attempts.
func WriteXLSX(path string, snap *Snapshot) error {
	f := xlsx.NewFile()

	orders, err := f.AddSheet(OrdersSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add orders sheet")
	}
	addRow(orders, orderHeader)
	for _, o := range snap.Orders {
		addRow(orders, orderRow(o))
	}

	attempts, err := f.AddSheet(AttemptsSheet)
	if err != nil {
		return eris.Wrap(err, "xlsx: add attempts sheet")
	}
	addRow(attempts, attemptHeader)
	for _, o := range snap.Orders {
		for _, a := range snap.Attempts[o.IdempotencyKey] {
			addRow(attempts, attemptRow(a))
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, cells []string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

// ReadSheet returns the rows of the named sheet as strings.
func ReadSheet(path, name string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	sheet, ok := f.Sheet[name]
	if !ok {
		return nil, eris.Errorf("xlsx: sheet %q not found", name)
	}
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}
