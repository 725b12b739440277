package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/grocer/internal/model"
)

var previewLines = []model.CartLine{
	{ProductID: "p-milk", Name: "Whole Milk", Quantity: 2},
	{ProductID: "p-eggs", Name: "Large Eggs", Quantity: 12},
}

func TestPromptConfirmer(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes", "y\n", true},
		{"yes_word", "YES\n", true},
		{"no", "n\n", false},
		{"blank", "\n", false},
		{"no_newline", "yes", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			c := newPromptConfirmer(strings.NewReader(tt.input), &out)

			ok, err := c.Confirm(context.Background(), previewLines)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Contains(t, out.String(), "Whole Milk")
			assert.Contains(t, out.String(), "Place this order?")
		})
	}
}

func TestPromptConfirmer_EOF(t *testing.T) {
	c := newPromptConfirmer(strings.NewReader(""), io.Discard)

	ok, err := c.Confirm(context.Background(), previewLines)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestPromptConfirmer_Canceled(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close() //nolint:errcheck
	c := newPromptConfirmer(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := c.Confirm(ctx, previewLines)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestFormatPreview(t *testing.T) {
	var buf bytes.Buffer
	formatPreview(&buf, previewLines)

	out := buf.String()
	assert.Contains(t, out, "QTY")
	assert.Contains(t, out, "12")
	assert.Contains(t, out, "p-eggs")
}
