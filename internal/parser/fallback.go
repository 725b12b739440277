package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/sells-group/grocer/internal/model"
)

// fallbackConfidence is reported for every item the tokenizer produces.
const fallbackConfidence = 0.5

var (
	leadingCommands = []string{
		"can you get me", "could you get me", "can you add", "could you add",
		"i would like", "i'd like", "i need", "i want", "get me", "pick up",
		"please", "add", "buy", "order", "purchase", "get",
	}
	trailingPoliteness = []string{
		"thank you", "thanks", "please",
		"to my cart", "to the cart", "to my list", "to the list",
	}

	segmentSplit = regexp.MustCompile(`\s*(?:,|&|;|\n|\band\b|\bplus\b)\s*`)
	nonWord      = regexp.MustCompile(`[^\p{L}\p{N}\s.'%/-]+`)

	smallNumbers = map[string]float64{
		"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11,
		"twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
		"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
		"couple": 2, "few": 3, "several": 3,
	}
	tens = map[string]float64{
		"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
		"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
	}
)

// tokenize is the deterministic tier: it never fails, and returns no items
// only when the text names nothing.
func tokenize(text string, units *UnitTable) []model.ParsedItem {
	text = stripCommand(strings.ToLower(text))
	if text == "" {
		return nil
	}

	var items []model.ParsedItem
	for _, seg := range segmentSplit.Split(text, -1) {
		if it, ok := parseSegment(seg, units); ok {
			items = append(items, it)
		}
	}
	return items
}

func stripCommand(text string) string {
	text = strings.TrimSpace(strings.Trim(text, " .!?"))
	for changed := true; changed; {
		changed = false
		for _, p := range leadingCommands {
			if rest, ok := cutWord(text, p, true); ok {
				text = strings.TrimLeft(rest, " ,:")
				changed = true
			}
		}
		for _, p := range trailingPoliteness {
			if rest, ok := cutWord(text, p, false); ok {
				text = strings.TrimRight(rest, " ,.!")
				changed = true
			}
		}
	}
	return text
}

// cutWord removes phrase from the start (or end) of text when it stands as
// whole words.
func cutWord(text, phrase string, prefix bool) (string, bool) {
	if text == phrase {
		return "", true
	}
	if prefix && strings.HasPrefix(text, phrase+" ") {
		return text[len(phrase)+1:], true
	}
	if !prefix && strings.HasSuffix(text, " "+phrase) {
		return text[:len(text)-len(phrase)-1], true
	}
	return text, false
}

func parseSegment(seg string, units *UnitTable) (model.ParsedItem, bool) {
	words := strings.Fields(nonWord.ReplaceAllString(seg, " "))
	if len(words) == 0 {
		return model.ParsedItem{}, false
	}

	qty, n := parseQuantity(words)
	words = words[n:]
	haveQty := n > 0
	if !haveQty {
		qty = 1
	}

	unit := model.UnitEach
	if u, mult, used := units.match(words); used > 0 {
		if mult > 0 {
			qty *= mult
		} else {
			unit = u
		}
		words = words[used:]
	}
	if len(words) > 0 && words[0] == "of" {
		words = words[1:]
	}

	name := strings.Trim(strings.Join(words, " "), " .'-")
	if name == "" {
		return model.ParsedItem{}, false
	}

	return model.ParsedItem{
		Name:       name,
		Quantity:   qty,
		Unit:       unit,
		Confidence: fallbackConfidence,
	}, true
}

// parseQuantity reads a leading numeric or written quantity and returns it
// with the number of words consumed.
func parseQuantity(words []string) (float64, int) {
	if v, ok := parseNumeral(words[0]); ok {
		return v, 1
	}

	var total float64
	n := 0
	for ; n < len(words); n++ {
		cur := words[n]
		if first, second, ok := strings.Cut(cur, "-"); ok {
			t, isTens := tens[first]
			o, isOne := smallNumbers[second]
			if isTens && isOne && o < 10 && total == 0 {
				total = t + o
				continue
			}
		}

		t, isTens := tens[cur]
		v, isSmall := smallNumbers[cur]
		switch {
		case isTens && total == 0:
			total = t
		case cur == "couple" || cur == "few" || cur == "several":
			if total > 1 {
				return total, n
			}
			// "a couple" reads as two, not three.
			total = v
		case isSmall && total == 0:
			total = v
		case isSmall && v < 10 && total >= 20 && total < 100 && int(total)%10 == 0:
			total += v
		case cur == "hundred" && total < 100:
			if total == 0 {
				total = 1
			}
			total *= 100
		default:
			return total, n
		}
	}
	return total, n
}

// parseNumeral accepts "2", "1.5", "3x" and "1/2".
func parseNumeral(w string) (float64, bool) {
	if w == "" || !(w[0] >= '0' && w[0] <= '9' || w[0] == '.') {
		return 0, false
	}
	if v, err := strconv.ParseFloat(strings.TrimSuffix(w, "x"), 64); err == nil {
		return v, true
	}
	if num, den, ok := strings.Cut(w, "/"); ok {
		a, errA := strconv.ParseFloat(num, 64)
		b, errB := strconv.ParseFloat(den, 64)
		if errA == nil && errB == nil && b != 0 {
			return a / b, true
		}
	}
	return 0, false
}
