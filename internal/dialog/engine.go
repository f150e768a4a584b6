// Package dialog drives the per-call conversation state machine for outbound
// collection calls. The engine is stateless: each entry point takes a call
// state by value and returns the updated copy together with the assistant
// response and side-effect actions.
package dialog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/relayce/outdial/internal/dates"
	"github.com/relayce/outdial/internal/domain"
	"github.com/relayce/outdial/internal/nlu"
)

// Turn event types.
const (
	EventUserUtterance = "user_utterance"
	EventSilence       = "silence"
	EventSystem        = "system_event"
)

// Default policy limits applied when the policy config leaves them unset.
const (
	defaultMaxTotalTurns = 25

	maxVerificationAttempts = 3
	maxReconductionAttempts = 2
	maxNegotiationProposals = 2
	maxSilenceEvents        = 3
)

const fallbackDisclosure = "This is Northstar Recovery; this is an attempt to collect a debt, " +
	"and any information obtained will be used for that purpose"

// TurnEvent is one inbound event for a live call.
type TurnEvent struct {
	EventType        string `json:"event_type" validate:"required,oneof=user_utterance silence system_event"`
	Transcript       string `json:"transcript"`
	TimestampUTC     string `json:"timestamp_utc"`
	CurrentLocalDate string `json:"current_local_date" validate:"required"`
	CurrentLocalTime string `json:"current_local_time"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`
}

// AccountContext carries the account facts needed during a call.
type AccountContext struct {
	ExpectedZIP string `json:"expected_zip"`
	AmountDue   string `json:"amount_due"`
}

// PolicyConfig is the dialog policy for a call. Loaded from configuration
// and overridable per request.
type PolicyConfig struct {
	Limits struct {
		MaxTotalTurns int `json:"max_total_turns" yaml:"max_total_turns"`
	} `json:"limits" yaml:"limits"`
	Disclosures struct {
		PostVerificationDisclosureText string `json:"post_verification_disclosure_text" yaml:"post_verification_disclosure_text"`
	} `json:"disclosures" yaml:"disclosures"`
}

// Response is the engine output for one turn.
type Response struct {
	AssistantText   string             `json:"assistant_text"`
	AssistantIntent string             `json:"assistant_intent"`
	Actions         []domain.Action    `json:"actions"`
	CallState       domain.CallState   `json:"call_state"`
	NLU             domain.NLUSnapshot `json:"nlu"`
}

// StartCall produces the opening outbound prompt. No brand or debt details
// may be mentioned before verification.
func StartCall(state domain.CallState, partyProfile map[string]string) Response {
	state.TurnCount++
	targetName := profileTargetName(partyProfile)
	text := fmt.Sprintf("Hello, I'm looking for %s. Is this them?", targetName)
	state.LastAssistantQuestion = text
	return wrapResponse(text, "request_target", nil, state)
}

// HandleTurn routes one turn event through the universal guards and the
// current phase handler.
func HandleTurn(
	event TurnEvent,
	state domain.CallState,
	partyProfile map[string]string,
	account AccountContext,
	policy PolicyConfig,
) Response {
	if state.Ended() {
		return Response{
			AssistantText:   "This call is already closed. Goodbye.",
			AssistantIntent: "already_closed",
			Actions:         []domain.Action{},
			CallState:       state,
			NLU:             domain.NLUSnapshot{PrimaryIntent: "none", Confidence: 1.0, Scores: map[string]float64{}, MatchedIntents: []string{}},
		}
	}

	state.TurnCount++

	maxTurns := policy.Limits.MaxTotalTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTotalTurns
	}
	if state.TurnCount >= maxTurns {
		resp := closeCall(state, "Thank you for your time. Goodbye.", "max_turns")
		resp.NLU = domain.NLUSnapshot{PrimaryIntent: "none", Confidence: 1.0, Scores: map[string]float64{}, MatchedIntents: []string{}}
		return resp
	}

	transcript := strings.TrimSpace(event.Transcript)
	if event.EventType == EventSilence || transcript == "" {
		resp := handleSilence(state)
		resp.NLU = domain.NLUSnapshot{PrimaryIntent: "silence", Confidence: 1.0, Scores: map[string]float64{}, MatchedIntents: []string{"silence"}}
		return resp
	}

	state.SilenceCount = 0
	state.LastUserUtterance = transcript
	verdict := nlu.Classify(transcript)
	if !nlu.IsLowConfidenceUnknown(verdict) {
		state.ClarificationAttempts = 0
	}
	snapshot := nluSnapshot(verdict)

	// Universal guards.
	switch {
	case verdict.Matched(nlu.IntentStopRequest):
		state.CeaseContactRequested = true
		resp := closeCall(state, "Understood. I will update our records. Goodbye.", "cease_contact")
		resp.NLU = snapshot
		return resp
	case verdict.Matched(nlu.IntentGoodbye):
		resp := closeCall(state, "Understood. Thanks for your time. Goodbye.", "user_ended")
		resp.NLU = snapshot
		return resp
	case verdict.Matched(nlu.IntentHumanHandoff):
		state.EscalationFlag = true
		state.EscalationReason = "user_requested_human"
		resp := escalateAndEnd(state)
		resp.NLU = snapshot
		return resp
	}

	var resp Response
	switch state.Phase {
	case domain.PhasePreVerification:
		resp = handlePreVerification(state, partyProfile, transcript, verdict)
	case domain.PhaseVerification:
		resp = handleVerification(state, account, policy, transcript, verdict)
	case domain.PhasePostVerification:
		resp = handleNegotiation(event, state, partyProfile, account, policy, transcript, verdict)
	default:
		resp = closeCall(state, "Thanks for your time. Goodbye.", "closed")
	}
	resp.NLU = snapshot
	return resp
}

func handlePreVerification(state domain.CallState, partyProfile map[string]string, transcript string, verdict nlu.Classification) Response {
	targetName := profileTargetName(partyProfile)

	if verdict.Matched(nlu.IntentWrongParty) {
		state.WrongPartyIndicated = true
		state.TargetReached = "no"
		return closeCall(state, "My apologies, I must have the wrong number. I'll update my records.", "wrong_party")
	}

	if verdict.Matched(nlu.IntentIdentityQuestion) {
		// Role only; no brand or debt mention before verification.
		text := fmt.Sprintf("I am an automated assistant calling regarding a personal business matter for %s. Is this them?", targetName)
		state.LastAssistantQuestion = text
		return wrapResponse(text, "request_target", nil, state)
	}

	if verdict.Matched(nlu.IntentAffirmation) {
		state.TargetReached = "yes"
		state.Phase = domain.PhaseVerification
		return askVerificationQuestion(state)
	}

	if nlu.IsLowConfidenceUnknown(verdict) {
		return handleLowConfidence(state, partyProfile)
	}

	text := fmt.Sprintf("I'm trying to reach %s. Is that you?", targetName)
	state.LastAssistantQuestion = text
	return wrapResponse(text, "request_target", nil, state)
}

func handleVerification(state domain.CallState, account AccountContext, policy PolicyConfig, transcript string, verdict nlu.Classification) Response {
	expectedZIP := strings.TrimSpace(account.ExpectedZIP)

	if verdict.Matched(nlu.IntentUncomfortable) || verdict.Matched(nlu.IntentNegation) {
		state.ReconductionAttempts++
		if state.ReconductionAttempts <= maxReconductionAttempts {
			text := "I understand your concern for privacy. However, I can only discuss this matter with the account holder. Would it be better if I call you back at another time?"
			state.LastAssistantQuestion = text
			return wrapResponse(text, "negotiate", nil, state)
		}
		return closeCall(state, "Since we are unable to verify your identity, I'll have to end the call now. Goodbye.", "verification_refused")
	}

	if verdict.Matched(nlu.IntentIdentityQuestion) {
		text := "I understand. To protect your privacy, I need to verify your identity before discussing details. Please confirm your 5-digit ZIP code."
		state.LastAssistantQuestion = text
		return wrapResponse(text, "verify_identity", nil, state)
	}

	if providedZIP := ExtractZIP(transcript); providedZIP != "" {
		if providedZIP == expectedZIP {
			state.RightPartyVerified = true
			state.Phase = domain.PhasePostVerification
			return deliverDisclosureAndStartNegotiation(state, account, policy)
		}
		state.VerificationAttempts++
		if state.VerificationAttempts >= maxVerificationAttempts {
			return closeCall(state, "I'm sorry, that doesn't match our records. I'll have to end the call for security. Goodbye.", "verification_failed")
		}
		text := "I'm sorry, that ZIP code doesn't match our records. Could you please try again?"
		state.LastAssistantQuestion = text
		return wrapResponse(text, "verify_identity", nil, state)
	}

	if nlu.IsLowConfidenceUnknown(verdict) {
		return handleLowConfidence(state, nil)
	}

	// Text without an extractable ZIP still consumes an attempt.
	if transcript != "" {
		state.VerificationAttempts++
		if state.VerificationAttempts >= maxVerificationAttempts {
			return closeCall(state, "I'm unable to verify your identity at this time. Goodbye.", "verification_failed")
		}
	}

	text := "To proceed, please tell me your 5-digit ZIP code clearly."
	state.LastAssistantQuestion = text
	return wrapResponse(text, "verify_identity", nil, state)
}

func handleNegotiation(
	event TurnEvent,
	state domain.CallState,
	partyProfile map[string]string,
	account AccountContext,
	policy PolicyConfig,
	transcript string,
	verdict nlu.Classification,
) Response {
	amount := formatAmountDue(account.AmountDue)
	lastQ := strings.ToLower(state.LastAssistantQuestion)

	// Direct yes/no answers to the disclosure question resolve immediately
	// instead of re-asking the same "today" question.
	if state.LastAssistantIntent == "deliver_disclosure" {
		switch {
		case verdict.Matched(nlu.IntentDispute):
			state.DisputeFlag = true
			state.EscalationReason = "dispute"
			return escalateAndEnd(state)
		case verdict.Matched(nlu.IntentAffirmation):
			return confirmPTP(state, event.CurrentLocalDate, amount)
		case verdict.Matched(nlu.IntentNegation):
			text := "I understand. What date before the end of the month would work for you?"
			state.LastAssistantQuestion = text
			return wrapResponse(text, "negotiate", nil, state)
		}
	}

	if state.LastAssistantIntent == "confirm_payment_date" && state.LastProposedPaymentDate != "" {
		if verdict.Matched(nlu.IntentAffirmation) {
			return confirmPTP(state, state.LastProposedPaymentDate, amount)
		}
		if verdict.Matched(nlu.IntentNegation) {
			state.LastProposedPaymentDate = ""
			text := "No problem. What exact date before month end works for you?"
			state.LastAssistantQuestion = text
			return wrapResponse(text, "negotiate", nil, state)
		}
	}

	if verdict.Matched(nlu.IntentDispute) {
		state.DisputeFlag = true
		state.EscalationReason = "dispute"
		return escalateAndEnd(state)
	}

	if verdict.Matched(nlu.IntentRefusal) {
		state.NegotiationProposalsCount++
		if state.NegotiationProposalsCount >= maxNegotiationProposals {
			state.EscalationReason = "hard_refusal"
			return escalateAndEnd(state)
		}
		text := fmt.Sprintf("I understand things can be tight. However, we do need to find a way to resolve this $%s. Is there a partial amount you can handle before the end of the month?", amount)
		state.LastAssistantQuestion = text
		return wrapResponse(text, "negotiate", nil, state)
	}

	if verdict.Matched(nlu.IntentUncertain) {
		text := "I can wait while you check your calendar. Or, would you prefer if I suggest a date near the end of the month?"
		state.LastAssistantQuestion = text
		return wrapResponse(text, "negotiate", nil, state)
	}

	if verdict.Matched(nlu.IntentBusy) {
		return closeCall(state, "I understand. We will try you again at a better time. Goodbye.", "busy")
	}

	normalized := dates.Normalize(transcript, event.CurrentLocalDate, event.CurrentLocalTime, event.Timezone)
	if normalized.OK && normalized.Date != "" {
		proposedDate := normalized.Date

		// Commitments must land inside the current local month.
		if !dates.SameMonth(proposedDate, event.CurrentLocalDate) {
			lastDay := dates.LastDayOfMonthLabel(event.CurrentLocalDate)
			text := fmt.Sprintf("I'm sorry, but our current policy requires a commitment by the end of this month. Do you have any options before %s?", lastDay)
			state.LastAssistantQuestion = text
			return wrapResponse(text, "negotiate", nil, state)
		}

		if normalized.NeedsConfirmation {
			state.LastProposedPaymentDate = proposedDate
			text := fmt.Sprintf("Just to confirm, do you mean %s?", dates.VoiceDateLabel(proposedDate))
			state.LastAssistantQuestion = text
			return wrapResponse(text, "confirm_payment_date", nil, state)
		}

		return confirmPTP(state, proposedDate, amount)
	}

	// Responses to any "can you pay/take care of this balance today?" prompt.
	if isTodayPaymentPrompt(lastQ) {
		if looksLikeAffirmativeTodayResponse(transcript) {
			return confirmPTP(state, event.CurrentLocalDate, amount)
		}
		if verdict.Matched(nlu.IntentNegation) {
			text := "I understand. What date before the end of the month would work for you?"
			state.LastAssistantQuestion = text
			return wrapResponse(text, "negotiate", nil, state)
		}
		if verdict.Matched(nlu.IntentAffirmation) {
			return confirmPTP(state, event.CurrentLocalDate, amount)
		}
	}

	// A bare yes to the exact-date ask needs a concrete date, not a repeat.
	if isExactDateRequestPrompt(lastQ) && verdict.Matched(nlu.IntentAffirmation) {
		text := "Thanks. Please tell me the exact payment date, for example February 20."
		state.LastAssistantQuestion = text
		return wrapResponse(text, "negotiate", nil, state)
	}

	if verdict.Matched(nlu.IntentNegation) || verdict.Matched(nlu.IntentRefusal) {
		state.NegotiationProposalsCount++
		if state.NegotiationProposalsCount >= maxNegotiationProposals {
			state.EscalationReason = "multiple_refusals"
			return escalateAndEnd(state)
		}
		text := "I hear you. If a full payment isn't possible, can you do a partial payment of $120.00 by the 25th of this month?"
		state.LastAssistantQuestion = text
		return wrapResponse(text, "negotiate", nil, state)
	}

	if state.LastAssistantIntent == "deliver_disclosure" {
		text := fmt.Sprintf("Great. Can you take care of the $%s balance today?", amount)
		state.LastAssistantQuestion = text
		return wrapResponse(text, "negotiate", nil, state)
	}

	if nlu.IsLowConfidenceUnknown(verdict) {
		return handleLowConfidence(state, partyProfile)
	}

	text := fmt.Sprintf("Can you find a day before the end of the month to settle this $%s?", amount)
	state.LastAssistantQuestion = text
	return wrapResponse(text, "negotiate", nil, state)
}

func deliverDisclosureAndStartNegotiation(state domain.CallState, account AccountContext, policy PolicyConfig) Response {
	amount := formatAmountDue(account.AmountDue)
	disclosure := disclosureSingleSentence(policy.Disclosures.PostVerificationDisclosureText)
	text := fmt.Sprintf("%s. Can you pay the $%s balance today?", disclosure, amount)
	state.DisclosureDelivered = true
	state.LastAssistantQuestion = text
	return wrapResponse(text, "deliver_disclosure", nil, state)
}

// disclosureSingleSentence collapses a configured multi-sentence disclosure
// into one sentence so the voice constraint does not drop the payment ask.
func disclosureSingleSentence(configured string) string {
	disclosure := strings.TrimSpace(configured)
	parts := make([]string, 0, 2)
	for _, p := range strings.Split(disclosure, ".") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	switch {
	case len(parts) >= 2:
		return parts[0] + "; " + parts[1]
	case len(parts) == 1:
		return parts[0]
	default:
		return fallbackDisclosure
	}
}

func confirmPTP(state domain.CallState, dateStr, amount string) Response {
	text := fmt.Sprintf("Perfect. I've noted your commitment for $%s on %s. Thank you, and have a great day.", amount, dateStr)
	state.PromiseToPay.Date = dateStr
	state.PromiseToPay.Amount = amount
	state.PromiseToPay.Confirmed = true
	state.LastProposedPaymentDate = dateStr
	actions := []domain.Action{
		domain.SetOutcome("ptp_set"),
		domain.CreatePromiseToPay(dateStr, amount),
		domain.EndCall("ptp_set"),
	}
	state.Phase = domain.PhaseEnded
	state.EndReason = "ptp_set"
	return wrapResponse(text, "close", actions, state)
}

func closeCall(state domain.CallState, text, outcome string) Response {
	state.Phase = domain.PhaseEnded
	state.EndReason = outcome
	actions := []domain.Action{domain.SetOutcome(outcome), domain.EndCall(outcome)}
	return wrapResponse(text, "close", actions, state)
}

func handleLowConfidence(state domain.CallState, partyProfile map[string]string) Response {
	state.ClarificationAttempts++
	if state.ClarificationAttempts <= 1 {
		var text, intent string
		switch state.Phase {
		case domain.PhasePreVerification:
			text = fmt.Sprintf("Sorry, I didn't catch that. Are you %s?", profileTargetName(partyProfile))
			intent = "request_target"
		case domain.PhaseVerification:
			text = "Sorry, I didn't catch that. Please confirm your 5-digit ZIP code."
			intent = "verify_identity"
		default:
			text = "Sorry, I didn't catch that. Could you repeat the payment date that works for you?"
			intent = "negotiate"
		}
		state.LastAssistantQuestion = text
		return wrapResponse(text, intent, nil, state)
	}

	state.EscalationFlag = true
	state.EscalationReason = "low_confidence"
	return escalateAndEnd(state)
}

func askVerificationQuestion(state domain.CallState) Response {
	lastUser := strings.ToLower(state.LastUserUtterance)
	var text string
	if strings.Contains(lastUser, "what") || strings.Contains(lastUser, "why") || strings.Contains(lastUser, "who") {
		text = "I can certainly explain that, but first, to protect your privacy, I need to verify I'm speaking with the right person. Could you please confirm your 5-digit ZIP code?"
	} else {
		text = "To protect your privacy, please confirm your 5-digit ZIP code."
	}
	state.LastAssistantQuestion = text
	return wrapResponse(text, "verify_identity", nil, state)
}

func handleSilence(state domain.CallState) Response {
	state.SilenceCount++
	if state.SilenceCount >= maxSilenceEvents {
		return closeCall(state, "Since I haven't heard from you, I'll end the call for now. Goodbye.", "silence_timeout")
	}
	return wrapResponse("Are you still there? I didn't catch that.", "handle_silence", nil, state)
}

func escalateAndEnd(state domain.CallState) Response {
	reason := state.EscalationReason
	if reason == "" {
		reason = "unknown"
	}
	outcome := "escalated_" + reason
	state.Phase = domain.PhaseEnded
	state.EndReason = outcome
	actions := []domain.Action{
		domain.SetOutcome(outcome),
		domain.EscalateToHuman(reason),
		domain.EndCall(outcome),
	}
	return wrapResponse("I'll connect you with a specialist who can help further. Please hold.", "escalate", actions, state)
}

func wrapResponse(text, intent string, actions []domain.Action, state domain.CallState) Response {
	constrained := enforceVoiceFirst(text)
	if strings.Contains(constrained, "?") {
		state.LastAssistantQuestion = constrained
	}
	state.LastAssistantIntent = intent
	if actions == nil {
		actions = []domain.Action{}
	}
	return Response{
		AssistantText:   constrained,
		AssistantIntent: intent,
		Actions:         actions,
		CallState:       state,
	}
}

func nluSnapshot(c nlu.Classification) domain.NLUSnapshot {
	return domain.NLUSnapshot{
		PrimaryIntent:  c.PrimaryIntent,
		Confidence:     c.Confidence,
		Scores:         c.Scores,
		MatchedIntents: c.MatchedIntents,
	}
}

func profileTargetName(partyProfile map[string]string) string {
	if name := partyProfile["target_name"]; name != "" {
		return name
	}
	return "the account holder"
}

func formatAmountDue(amountDue string) string {
	val, err := strconv.ParseFloat(strings.TrimSpace(amountDue), 64)
	if err != nil {
		val = 0
	}
	return fmt.Sprintf("%.2f", val)
}

func isTodayPaymentPrompt(lastQuestion string) bool {
	if !strings.Contains(lastQuestion, "today") {
		return false
	}
	for _, marker := range []string{"take care", "pay", "balance"} {
		if strings.Contains(lastQuestion, marker) {
			return true
		}
	}
	return false
}

func isExactDateRequestPrompt(lastQuestion string) bool {
	return strings.Contains(lastQuestion, "find a day before the end of the month") ||
		strings.Contains(lastQuestion, "what date before the end of the month")
}

func looksLikeAffirmativeTodayResponse(userText string) bool {
	text := strings.ToLower(userText)
	if text == "" {
		return false
	}
	for _, token := range []string{"no", "not", "can't", "cannot", "don't", "do not", "won't"} {
		if strings.Contains(text, token) {
			return false
		}
	}
	for _, marker := range []string{"yes", "yeah", "yep", "sure", "i can", "can do", "take care", "pay today"} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
