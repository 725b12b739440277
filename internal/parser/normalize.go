package parser

import (
	"math"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/grocer/internal/model"
)

// normalize canonicalizes units, folds multiplier units into the quantity,
// applies defaults and merges duplicate names. Items without a name are
// dropped. The result keeps first-appearance order.
func normalize(items []model.ParsedItem, units *UnitTable) []model.ParsedItem {
	fold := cases.Fold()

	var out []model.ParsedItem
	index := make(map[string]int)
	for _, it := range items {
		it = normalizeItem(it, units)
		if it.Name == "" {
			continue
		}

		key := fold.String(it.Name)
		i, seen := index[key]
		if !seen {
			index[key] = len(out)
			out = append(out, it)
			continue
		}

		merged := out[i]
		if merged.Unit != it.Unit {
			merged.AmbiguousUnit = true
		} else {
			merged.Quantity += it.Quantity
		}
		merged.AmbiguousUnit = merged.AmbiguousUnit || it.AmbiguousUnit
		merged.Confidence = math.Min(merged.Confidence, it.Confidence)
		out[i] = merged
	}
	return out
}

func normalizeItem(it model.ParsedItem, units *UnitTable) model.ParsedItem {
	it.Name = strings.Join(strings.Fields(it.Name), " ")
	unit := strings.ToLower(strings.TrimSpace(it.Unit))

	if it.Quantity <= 0 || math.IsNaN(it.Quantity) || math.IsInf(it.Quantity, 0) {
		it.Quantity = 1
	}
	if m, ok := units.Multiplier(unit); ok {
		it.Quantity *= m
		unit = model.UnitEach
	} else if c, ok := units.Canonical(unit); ok {
		unit = c
	}
	it.Unit = unit

	it = it.WithDefaults()
	if it.Quantity < 1 {
		it.Quantity = 1
	}
	return it
}
