package dialog

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	directZIPRe = regexp.MustCompile(`\b(\d{5})\b`)
	digitRe     = regexp.MustCompile(`\d`)
	tokenRe     = regexp.MustCompile(`[a-z0-9]+`)
	wordRe      = regexp.MustCompile(`[a-z]+`)
)

var spokenDigits = map[string]string{
	"zero": "0", "oh": "0", "o": "0",
	"one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

var numberUnits = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4,
	"five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9,
	"ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19,
}

var numberTens = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

// ExtractZIP pulls a 5-digit ZIP from a transcript. Stages, in order:
// direct 5-digit run, loose digits, spoken digit words, and full number-word
// phrases like "seventy eight thousand seven hundred and one".
func ExtractZIP(text string) string {
	if m := directZIPRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}

	if digits := digitRe.FindAllString(text, -1); len(digits) >= 5 {
		return strings.Join(digits[:5], "")
	}

	var spoken []string
	for _, token := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if d, ok := spokenDigits[token]; ok {
			spoken = append(spoken, d)
		} else if isAllDigits(token) {
			for _, r := range token {
				spoken = append(spoken, string(r))
			}
		}
		if len(spoken) >= 5 {
			break
		}
	}
	if len(spoken) >= 5 {
		return strings.Join(spoken[:5], "")
	}

	if n, ok := numberFromWords(text); ok && n >= 10000 && n <= 99999 {
		return strconv.Itoa(n)
	}

	return ""
}

// numberFromWords parses English number phrases (units, teens, tens,
// hundred, thousand, "and") into an integer. Leading non-number tokens are
// ignored; parsing stops at the first non-number token after a number.
func numberFromWords(text string) (int, bool) {
	tokens := wordRe.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return 0, false
	}

	total := 0
	current := 0
	sawNumber := false
	for _, token := range tokens {
		switch {
		case hasUnit(token):
			current += numberUnits[token]
			sawNumber = true
		case hasTen(token):
			current += numberTens[token]
			sawNumber = true
		case token == "hundred":
			current = maxInt(1, current) * 100
			sawNumber = true
		case token == "thousand":
			total += maxInt(1, current) * 1000
			current = 0
			sawNumber = true
		case token == "and":
			continue
		case sawNumber:
			return total + current, true
		}
	}

	if !sawNumber {
		return 0, false
	}
	return total + current, true
}

func hasUnit(token string) bool {
	_, ok := numberUnits[token]
	return ok
}

func hasTen(token string) bool {
	_, ok := numberTens[token]
	return ok
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
