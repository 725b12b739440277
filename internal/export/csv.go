package export

import (
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"
)

// WriteCSV writes the orders of snap as CSV. Attempts are left out; use
// the workbook export for the full log.
func WriteCSV(w io.Writer, snap *Snapshot) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(orderHeader); err != nil {
		return eris.Wrap(err, "csv: write header")
	}
	for _, o := range snap.Orders {
		if err := cw.Write(orderRow(o)); err != nil {
			return eris.Wrapf(err, "csv: write order %s", o.IdempotencyKey)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrap(err, "csv: flush")
	}
	return nil
}
