package backend

import (
	"sort"
	"strings"

	"github.com/sells-group/grocer/internal/model"
)

// rankMatches orders matches by how well their names cover the query.
// Results whose names contain every query token come first; ties keep the
// retailer's order.
func rankMatches(query string, matches []model.ProductMatch) []model.ProductMatch {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 || len(matches) < 2 {
		return matches
	}

	scores := make([]float64, len(matches))
	for i, m := range matches {
		scores[i] = matchScore(tokens, strings.ToLower(m.Name))
	}

	idx := make([]int, len(matches))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })

	out := make([]model.ProductMatch, len(matches))
	for i, j := range idx {
		out[i] = matches[j]
	}
	return out
}

func matchScore(tokens []string, name string) float64 {
	if name == strings.Join(tokens, " ") {
		return 3
	}
	hit := 0
	for _, tok := range tokens {
		if strings.Contains(name, tok) || strings.Contains(name, singular(tok)) {
			hit++
		}
	}
	if hit == len(tokens) {
		return 2
	}
	return float64(hit) / float64(len(tokens))
}

func singular(tok string) string {
	switch {
	case strings.HasSuffix(tok, "ies") && len(tok) > 4:
		return tok[:len(tok)-3] + "y"
	case strings.HasSuffix(tok, "oes") && len(tok) > 4:
		return tok[:len(tok)-2]
	case strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") && len(tok) > 3:
		return tok[:len(tok)-1]
	}
	return tok
}
