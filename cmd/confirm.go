package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grocer/internal/model"
)

// promptConfirmer shows the cart on out and reads a yes/no answer from in.
type promptConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out}
}

// Confirm implements orchestrator.Confirmer.
func (c *promptConfirmer) Confirm(ctx context.Context, preview []model.CartLine) (bool, error) {
	formatPreview(c.out, preview)
	_, _ = fmt.Fprint(c.out, "Place this order? [y/N] ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-ch:
		if a.err != nil && a.line == "" {
			return false, eris.Wrap(a.err, "read confirmation")
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

func formatPreview(out io.Writer, lines []model.CartLine) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "QTY\tPRODUCT\tID")
	for _, l := range lines {
		_, _ = fmt.Fprintf(w, "%g\t%s\t%s\n", l.Quantity, l.Name, l.ProductID)
	}
	_ = w.Flush()
}
