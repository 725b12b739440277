package parser

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed units.yaml
var unitsYAML []byte

// UnitTable canonicalizes unit spellings.
type UnitTable struct {
	aliases     map[string]string
	multipliers map[string]float64
	maxWords    int
}

type unitFile struct {
	Units       map[string][]string `yaml:"units"`
	Multipliers map[string]float64  `yaml:"multipliers"`
}

// DefaultUnits returns the embedded unit table.
func DefaultUnits() *UnitTable {
	t, err := LoadUnits(unitsYAML)
	if err != nil {
		panic(err) // embedded file is validated by tests
	}
	return t
}

// LoadUnits parses a unit table from YAML.
func LoadUnits(data []byte) (*UnitTable, error) {
	var f unitFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "parser: decode unit table")
	}
	if len(f.Units) == 0 {
		return nil, eris.New("parser: unit table has no units")
	}

	t := &UnitTable{
		aliases:     make(map[string]string),
		multipliers: make(map[string]float64),
		maxWords:    1,
	}
	for canonical, spellings := range f.Units {
		canonical = strings.ToLower(strings.TrimSpace(canonical))
		t.addAlias(canonical, canonical)
		for _, s := range spellings {
			t.addAlias(s, canonical)
		}
	}
	for name, m := range f.Multipliers {
		if m <= 0 {
			return nil, eris.Errorf("parser: multiplier %q must be positive", name)
		}
		key := strings.ToLower(strings.TrimSpace(name))
		t.multipliers[key] = m
		if n := len(strings.Fields(key)); n > t.maxWords {
			t.maxWords = n
		}
	}
	return t, nil
}

func (t *UnitTable) addAlias(alias, canonical string) {
	key := strings.ToLower(strings.TrimSpace(alias))
	t.aliases[key] = canonical
	if n := len(strings.Fields(key)); n > t.maxWords {
		t.maxWords = n
	}
}

// Canonical returns the canonical unit for s and whether it is known.
func (t *UnitTable) Canonical(s string) (string, bool) {
	u, ok := t.aliases[strings.ToLower(strings.TrimSpace(s))]
	return u, ok
}

// Multiplier returns the quantity multiplier for s, such as 12 for dozen.
func (t *UnitTable) Multiplier(s string) (float64, bool) {
	m, ok := t.multipliers[strings.ToLower(strings.TrimSpace(s))]
	return m, ok
}

// match finds the longest unit or multiplier phrase at the start of words.
// It returns the number of words consumed.
func (t *UnitTable) match(words []string) (unit string, mult float64, n int) {
	for size := min(t.maxWords, len(words)); size > 0; size-- {
		phrase := strings.Join(words[:size], " ")
		if m, ok := t.multipliers[phrase]; ok {
			return "", m, size
		}
		if u, ok := t.aliases[phrase]; ok {
			return u, 0, size
		}
	}
	return "", 0, 0
}
