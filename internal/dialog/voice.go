package dialog

import (
	"regexp"
	"strings"
)

// Splits on sentence punctuation followed by whitespace so decimal values
// like 240.00 never break into separate sentences.
var sentenceSplitRe = regexp.MustCompile(`([.!?])\s+`)

// enforceVoiceFirst constrains assistant output for speech: collapse
// whitespace, keep at most two sentences, allow at most one question mark,
// and guarantee terminal punctuation.
func enforceVoiceFirst(text string) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if cleaned == "" {
		return ""
	}

	marked := sentenceSplitRe.ReplaceAllString(cleaned, "$1\x00")
	var sentences []string
	for _, s := range strings.Split(marked, "\x00") {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		sentences = []string{cleaned}
	}
	if len(sentences) > 2 {
		sentences = sentences[:2]
	}

	questionSeen := false
	normalized := make([]string, 0, len(sentences))
	for _, sentence := range sentences {
		if strings.Contains(sentence, "?") {
			if questionSeen {
				sentence = strings.ReplaceAll(sentence, "?", ".")
			} else {
				firstQ := strings.Index(sentence, "?")
				sentence = sentence[:firstQ+1] + strings.ReplaceAll(sentence[firstQ+1:], "?", "")
				questionSeen = true
			}
		}
		normalized = append(normalized, strings.TrimSpace(sentence))
	}

	constrained := strings.TrimSpace(strings.Join(normalized, " "))
	if constrained != "" && !strings.ContainsRune(".!?", rune(constrained[len(constrained)-1])) {
		constrained += "."
	}
	return constrained
}
