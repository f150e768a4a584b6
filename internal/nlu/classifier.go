// Package nlu classifies caller utterances into coarse collection-call
// intents using case-insensitive whole-word patterns.
package nlu

import (
	"regexp"
	"strings"
)

// Intent labels. Unknown is returned when nothing matches or the match set is
// contradictory.
const (
	IntentStopRequest      = "stop_request"
	IntentGoodbye          = "goodbye"
	IntentHumanHandoff     = "human_handoff"
	IntentWrongParty       = "wrong_party"
	IntentDispute          = "dispute"
	IntentBusy             = "busy"
	IntentUncomfortable    = "uncomfortable"
	IntentRefusal          = "refusal"
	IntentUncertain        = "uncertain"
	IntentIdentityQuestion = "identity_question"
	IntentAffirmation      = "affirmation"
	IntentNegation         = "negation"
	IntentUnknown          = "unknown"
)

// Classification is the classifier verdict for one utterance.
type Classification struct {
	PrimaryIntent  string             `json:"primary_intent"`
	Confidence     float64            `json:"confidence"`
	Scores         map[string]float64 `json:"scores"`
	MatchedIntents []string           `json:"matched_intents"`
}

// Matched reports whether the given intent scored at or above threshold 0.5.
func (c Classification) Matched(intent string) bool {
	return c.Scores[intent] >= 0.5
}

// priority decides the primary intent among matched labels. Safety and
// business-critical intents outrank plain yes/no answers.
var priority = []string{
	IntentStopRequest,
	IntentGoodbye,
	IntentHumanHandoff,
	IntentWrongParty,
	IntentDispute,
	IntentBusy,
	IntentUncomfortable,
	IntentRefusal,
	IntentUncertain,
	IntentIdentityQuestion,
	IntentAffirmation,
	IntentNegation,
}

var patterns = map[string]*regexp.Regexp{
	IntentStopRequest:      regexp.MustCompile(`(?i)\b(stop calling|do not call|don't call|cease contact|remove (me|my number)|opt out)\b`),
	IntentGoodbye:          regexp.MustCompile(`(?i)\b(bye|goodbye|bye bye|see you|talk later|gotta go|have to go|end this call|hang up)\b`),
	IntentHumanHandoff:     regexp.MustCompile(`(?i)\b(human|representative|agent|person|specialist|operator|talk to (someone|a person|a human|an agent)|real person)\b`),
	IntentWrongParty:       regexp.MustCompile(`(?i)\b(wrong (number|person)|doesn't live|does not live|no longer (at|here)|not (the person|here)|moved out|you reached the wrong)\b`),
	IntentDispute:          regexp.MustCompile(`(?i)\b(don't owe|do not owe|not my debt|dispute|fraud|mistake|wrong amount)\b`),
	IntentBusy:             regexp.MustCompile(`(?i)\b(not a good time|can't talk|cannot talk|busy|call back|later|in a meeting|driving|call me later)\b`),
	IntentUncomfortable:    regexp.MustCompile(`(?i)\b(not comfortable|why do you need|why should i (give|provide)|won't give|don't want to (provide|give))\b`),
	IntentRefusal:          regexp.MustCompile(`(?i)\b(don't want to pay|not paying|won't pay|refuse|can't pay|not able to pay|never paying|can't afford|no chance)\b`),
	IntentUncertain:        regexp.MustCompile(`(?i)\b(don't know|not sure|maybe|i'll see|depends|have to check)\b`),
	IntentIdentityQuestion: regexp.MustCompile(`(?i)\b(who is this|who are you|what is this about|why are you calling)\b`),
	IntentAffirmation:      regexp.MustCompile(`(?i)\b(yes|yeah|yep|yup|correct|that's right|sure|okay|ok|i can|sounds good|absolutely|definitely|go ahead|speaking|this is)\b`),
	IntentNegation:         regexp.MustCompile(`(?i)\b(no|nope|not|cannot|can't|don't|do not|never|incorrect|won't be able to|wont be able to)\b`),
}

var baseConfidence = map[string]float64{
	IntentStopRequest:      0.93,
	IntentGoodbye:          0.9,
	IntentHumanHandoff:     0.88,
	IntentWrongParty:       0.9,
	IntentDispute:          0.9,
	IntentBusy:             0.82,
	IntentUncomfortable:    0.75,
	IntentRefusal:          0.86,
	IntentUncertain:        0.74,
	IntentIdentityQuestion: 0.76,
	IntentAffirmation:      0.72,
	IntentNegation:         0.72,
}

// strongIntents disambiguate a simultaneous yes+no answer.
var strongIntents = map[string]struct{}{
	IntentStopRequest:   {},
	IntentHumanHandoff:  {},
	IntentWrongParty:    {},
	IntentDispute:       {},
	IntentBusy:          {},
	IntentUncomfortable: {},
	IntentRefusal:       {},
}

// Classify scores an utterance against every intent pattern and picks the
// highest-priority match.
func Classify(text string) Classification {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return Classification{PrimaryIntent: IntentUnknown, Confidence: 0.0, Scores: map[string]float64{}, MatchedIntents: []string{}}
	}
	normalizedToken := strings.Trim(normalized, " .!?")

	scores := make(map[string]float64, len(patterns))
	matched := make([]string, 0, 4)
	for _, label := range priority {
		if patterns[label].MatchString(normalized) {
			scores[label] = baseConfidence[label]
			matched = append(matched, label)
		} else {
			scores[label] = 0.0
		}
	}

	// A bare "why" is an identity question even without phrase context.
	if normalizedToken == "why" && scores[IntentIdentityQuestion] == 0.0 {
		scores[IntentIdentityQuestion] = baseConfidence[IntentIdentityQuestion]
		matched = append(matched, IntentIdentityQuestion)
	}

	if len(matched) == 0 {
		return Classification{PrimaryIntent: IntentUnknown, Confidence: 0.2, Scores: scores, MatchedIntents: matched}
	}

	// Yes and no in the same utterance without a stronger business intent is
	// treated as low-confidence unknown.
	if containsIntent(matched, IntentAffirmation) && containsIntent(matched, IntentNegation) && !hasStrongIntent(matched) {
		return Classification{PrimaryIntent: IntentUnknown, Confidence: 0.3, Scores: scores, MatchedIntents: matched}
	}

	primary := IntentUnknown
	confidence := 0.2
	for _, label := range priority {
		if containsIntent(matched, label) {
			primary = label
			confidence = scores[label]
			break
		}
	}

	// Competing intents within 0.08 of the primary lower the confidence.
	nearTie := false
	for _, label := range matched {
		if label != primary && scores[label] >= confidence-0.08 {
			nearTie = true
			break
		}
	}
	if nearTie {
		confidence -= 0.15
		if confidence < 0.35 {
			confidence = 0.35
		}
	}

	return Classification{PrimaryIntent: primary, Confidence: confidence, Scores: scores, MatchedIntents: matched}
}

// IsLowConfidenceUnknown reports whether the verdict should route to the
// clarification path.
func IsLowConfidenceUnknown(c Classification) bool {
	return c.PrimaryIntent == IntentUnknown && c.Confidence < 0.45
}

func containsIntent(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func hasStrongIntent(labels []string) bool {
	for _, l := range labels {
		if _, ok := strongIntents[l]; ok {
			return true
		}
	}
	return false
}
