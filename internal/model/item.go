package model

import "strings"

// UnitEach is the generic unit used when the request names none.
const UnitEach = "each"

// ParseStrategy records which parser tier produced a draft.
type ParseStrategy string

const (
	ParseStrategyAI       ParseStrategy = "ai"
	ParseStrategyFallback ParseStrategy = "fallback"
)

// ParsedItem is one structured grocery line.
type ParsedItem struct {
	Name          string  `json:"name"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
	Confidence    float64 `json:"confidence"`
	AmbiguousUnit bool    `json:"ambiguous_unit,omitempty"`
}

// WithDefaults fills the quantity and unit defaults for unspecified fields.
func (i ParsedItem) WithDefaults() ParsedItem {
	i.Name = strings.TrimSpace(i.Name)
	if i.Quantity <= 0 {
		i.Quantity = 1
	}
	if strings.TrimSpace(i.Unit) == "" {
		i.Unit = UnitEach
	}
	if i.Confidence < 0 {
		i.Confidence = 0
	}
	if i.Confidence > 1 {
		i.Confidence = 1
	}
	return i
}

// OrderDraft is the parser output for a single request.
type OrderDraft struct {
	Items      []ParsedItem  `json:"items"`
	Strategy   ParseStrategy `json:"strategy"`
	Confidence float64       `json:"confidence"`
}

// Names returns the item names in draft order.
func (d OrderDraft) Names() []string {
	names := make([]string, len(d.Items))
	for i, it := range d.Items {
		names[i] = it.Name
	}
	return names
}

// Clone returns a deep copy so callers cannot mutate a stored draft.
func (d OrderDraft) Clone() OrderDraft {
	items := make([]ParsedItem, len(d.Items))
	copy(items, d.Items)
	d.Items = items
	return d
}
