package dialog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayce/outdial/internal/domain"
)

const (
	testLocalDate = "2026-02-09" // a Monday
	testLocalTime = "14:30"
	testZone      = "America/Chicago"
)

func testProfile() map[string]string {
	return map[string]string{"target_name": "Alex Morgan"}
}

func testAccount() AccountContext {
	return AccountContext{ExpectedZIP: "78701", AmountDue: "240.00"}
}

func testPolicy() PolicyConfig {
	var p PolicyConfig
	p.Limits.MaxTotalTurns = 25
	p.Disclosures.PostVerificationDisclosureText = "This is Northstar Recovery. This is an attempt to collect a debt, and any information obtained will be used for that purpose."
	return p
}

func userTurn(transcript string) TurnEvent {
	return TurnEvent{
		EventType:        EventUserUtterance,
		Transcript:       transcript,
		CurrentLocalDate: testLocalDate,
		CurrentLocalTime: testLocalTime,
		Timezone:         testZone,
		Language:         "en-US",
	}
}

func silenceTurn() TurnEvent {
	ev := userTurn("")
	ev.EventType = EventSilence
	return ev
}

// advanceToVerified walks a call through greeting and ZIP verification.
func advanceToVerified(t *testing.T) domain.CallState {
	t.Helper()
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(userTurn("This is Alex Morgan."), resp.CallState, testProfile(), testAccount(), testPolicy())
	require.Equal(t, domain.PhaseVerification, resp.CallState.Phase)
	resp = HandleTurn(userTurn("78701."), resp.CallState, testProfile(), testAccount(), testPolicy())
	require.Equal(t, domain.PhasePostVerification, resp.CallState.Phase)
	require.True(t, resp.CallState.RightPartyVerified)
	require.True(t, resp.CallState.DisclosureDelivered)
	require.Equal(t, "deliver_disclosure", resp.CallState.LastAssistantIntent)
	return resp.CallState
}

func TestStartCallAsksForTargetWithoutDisclosure(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	assert.Equal(t, "Hello, I'm looking for Alex Morgan. Is this them?", resp.AssistantText)
	assert.Equal(t, "request_target", resp.AssistantIntent)
	assert.Equal(t, 1, resp.CallState.TurnCount)
	assert.Equal(t, domain.PhasePreVerification, resp.CallState.Phase)
	assert.NotContains(t, strings.ToLower(resp.AssistantText), "debt")
	assert.NotContains(t, resp.AssistantText, "Northstar")
}

func TestHappyPathPTPToday(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)

	resp := HandleTurn(userTurn("Yes, I can pay today."), state, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, domain.PhaseEnded, resp.CallState.Phase)
	assert.Equal(t, "ptp_set", resp.CallState.EndReason)
	assert.Equal(t, testLocalDate, resp.CallState.PromiseToPay.Date)
	assert.Equal(t, "240.00", resp.CallState.PromiseToPay.Amount)
	assert.True(t, resp.CallState.PromiseToPay.Confirmed)

	require.Len(t, resp.Actions, 3)
	assert.Equal(t, domain.ActionSetOutcome, resp.Actions[0].Kind)
	assert.Equal(t, "ptp_set", resp.Actions[0].OutcomeCode)
	assert.Equal(t, domain.ActionCreatePTP, resp.Actions[1].Kind)
	assert.Equal(t, testLocalDate, resp.Actions[1].Date)
	assert.Equal(t, "240.00", resp.Actions[1].Amount)
	assert.Equal(t, domain.ActionEndCall, resp.Actions[2].Kind)
	assert.Equal(t, "ptp_set", resp.Actions[2].Reason)
}

func TestWeekdayRequiresConfirmation(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)

	resp := HandleTurn(userTurn("Friday."), state, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "confirm_payment_date", resp.AssistantIntent)
	assert.Empty(t, resp.Actions)
	assert.Equal(t, "2026-02-13", resp.CallState.LastProposedPaymentDate)
	assert.Contains(t, resp.AssistantText, "Friday, February 13")

	resp = HandleTurn(userTurn("Yes."), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "ptp_set", resp.CallState.EndReason)
	assert.Equal(t, "2026-02-13", resp.CallState.PromiseToPay.Date)
	assert.True(t, resp.CallState.PromiseToPay.Confirmed)
}

func TestWeekdayConfirmationDeclinedAsksForExactDate(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)

	resp := HandleTurn(userTurn("Friday."), state, testProfile(), testAccount(), testPolicy())
	resp = HandleTurn(userTurn("No."), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "negotiate", resp.AssistantIntent)
	assert.Empty(t, resp.CallState.LastProposedPaymentDate)
	assert.Contains(t, resp.AssistantText, "exact date")
}

func TestWrongParty(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(userTurn("Wrong number. Alex does not live here."), resp.CallState, testProfile(), testAccount(), testPolicy())

	assert.Equal(t, "close", resp.AssistantIntent)
	assert.Equal(t, "wrong_party", resp.CallState.EndReason)
	assert.True(t, resp.CallState.WrongPartyIndicated)
	assert.Equal(t, "no", resp.CallState.TargetReached)
	require.Len(t, resp.Actions, 2)
	assert.Equal(t, "wrong_party", resp.Actions[0].OutcomeCode)
	assert.Equal(t, "wrong_party", resp.Actions[1].Reason)
}

func TestDisputeEscalation(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)

	resp := HandleTurn(userTurn("I don't owe this debt."), state, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "escalated_dispute", resp.CallState.EndReason)
	assert.True(t, resp.CallState.DisputeFlag)
	require.Len(t, resp.Actions, 3)
	assert.Equal(t, "escalated_dispute", resp.Actions[0].OutcomeCode)
	assert.Equal(t, domain.ActionEscalateToHuman, resp.Actions[1].Kind)
	assert.Equal(t, "dispute", resp.Actions[1].Reason)
	assert.Equal(t, "escalated_dispute", resp.Actions[2].Reason)
}

func TestSilenceTimeoutAfterThreeEvents(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	for i := 0; i < 2; i++ {
		resp = HandleTurn(silenceTurn(), resp.CallState, testProfile(), testAccount(), testPolicy())
		assert.Equal(t, "handle_silence", resp.AssistantIntent)
		assert.NotEqual(t, domain.PhaseEnded, resp.CallState.Phase)
	}
	resp = HandleTurn(silenceTurn(), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "silence_timeout", resp.CallState.EndReason)
	assert.Equal(t, domain.PhaseEnded, resp.CallState.Phase)
	assert.Equal(t, "silence", resp.NLU.PrimaryIntent)
}

func TestUtteranceResetsSilenceCount(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(silenceTurn(), resp.CallState, testProfile(), testAccount(), testPolicy())
	require.Equal(t, 1, resp.CallState.SilenceCount)
	resp = HandleTurn(userTurn("Hello, yes?"), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Zero(t, resp.CallState.SilenceCount)
}

func TestAlreadyClosedIsIdempotent(t *testing.T) {
	t.Parallel()
	state := domain.NewCallState()
	state.Phase = domain.PhaseEnded
	state.EndReason = "user_ended"
	state.TurnCount = 5

	resp := HandleTurn(userTurn("hello again"), state, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "already_closed", resp.AssistantIntent)
	assert.Empty(t, resp.Actions)
	assert.Equal(t, 5, resp.CallState.TurnCount)
	assert.Equal(t, "user_ended", resp.CallState.EndReason)
}

func TestMaxTurnsCloses(t *testing.T) {
	t.Parallel()
	policy := testPolicy()
	policy.Limits.MaxTotalTurns = 3
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(userTurn("yes speaking"), resp.CallState, testProfile(), testAccount(), policy)
	require.NotEqual(t, domain.PhaseEnded, resp.CallState.Phase)
	resp = HandleTurn(userTurn("hmm"), resp.CallState, testProfile(), testAccount(), policy)
	assert.Equal(t, "max_turns", resp.CallState.EndReason)
}

func TestStopRequestClosesWithCeaseContact(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(userTurn("Stop calling me."), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "cease_contact", resp.CallState.EndReason)
	assert.True(t, resp.CallState.CeaseContactRequested)
}

func TestHumanHandoffEscalates(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(userTurn("Let me talk to a real person."), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "escalated_user_requested_human", resp.CallState.EndReason)
	assert.True(t, resp.CallState.EscalationFlag)
}

func TestVerificationWrongZIPThreeStrikes(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(userTurn("Yes, speaking."), resp.CallState, testProfile(), testAccount(), testPolicy())
	require.Equal(t, domain.PhaseVerification, resp.CallState.Phase)

	resp = HandleTurn(userTurn("12345"), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, 1, resp.CallState.VerificationAttempts)
	resp = HandleTurn(userTurn("54321"), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, 2, resp.CallState.VerificationAttempts)
	resp = HandleTurn(userTurn("99999"), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "verification_failed", resp.CallState.EndReason)
}

func TestVerificationRefusalOffersCallbackThenCloses(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(userTurn("Yes, speaking."), resp.CallState, testProfile(), testAccount(), testPolicy())

	resp = HandleTurn(userTurn("I'm not comfortable giving that."), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, 1, resp.CallState.ReconductionAttempts)
	assert.Contains(t, resp.AssistantText, "call you back")

	resp = HandleTurn(userTurn("I'm not comfortable giving that."), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, 2, resp.CallState.ReconductionAttempts)
	assert.NotEqual(t, domain.PhaseEnded, resp.CallState.Phase)

	resp = HandleTurn(userTurn("I'm not comfortable giving that."), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "verification_refused", resp.CallState.EndReason)
}

func TestVerificationSpokenZIPAccepted(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(userTurn("Yes, speaking."), resp.CallState, testProfile(), testAccount(), testPolicy())

	resp = HandleTurn(userTurn("seventy eight thousand seven hundred and one"), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.True(t, resp.CallState.RightPartyVerified)
	assert.Equal(t, domain.PhasePostVerification, resp.CallState.Phase)
	assert.Contains(t, resp.AssistantText, "240.00")
}

func TestNoDisclosureBeforeVerification(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	turns := []string{"Who is this?", "Yes, speaking.", "Who are you again?"}
	for _, transcript := range turns {
		resp = HandleTurn(userTurn(transcript), resp.CallState, testProfile(), testAccount(), testPolicy())
		require.NotEqual(t, domain.PhasePostVerification, resp.CallState.Phase)
		lower := strings.ToLower(resp.AssistantText)
		assert.NotContains(t, lower, "debt", "turn %q", transcript)
		assert.NotContains(t, lower, "northstar", "turn %q", transcript)
	}
}

func TestRefusalEscalatesAfterTwoProposals(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)

	// Move past the disclosure question so the refusal branch applies.
	resp := HandleTurn(userTurn("maybe, I have to check"), state, testProfile(), testAccount(), testPolicy())
	require.Equal(t, "negotiate", resp.AssistantIntent)

	resp = HandleTurn(userTurn("I refuse, I'm not paying."), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, 1, resp.CallState.NegotiationProposalsCount)
	assert.NotEqual(t, domain.PhaseEnded, resp.CallState.Phase)

	resp = HandleTurn(userTurn("I refuse, I'm not paying."), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "escalated_hard_refusal", resp.CallState.EndReason)
}

func TestBusyCloses(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)
	resp := HandleTurn(userTurn("I'm in a meeting, call me later."), state, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "busy", resp.CallState.EndReason)
}

func TestOutOfMonthDateRejected(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)
	resp := HandleTurn(userTurn("How about March 15?"), state, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "negotiate", resp.AssistantIntent)
	assert.Contains(t, resp.AssistantText, "end of this month")
	assert.Contains(t, resp.AssistantText, "February 28")
	assert.NotEqual(t, domain.PhaseEnded, resp.CallState.Phase)
}

func TestInMonthDateConfirmsImmediately(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)
	resp := HandleTurn(userTurn("Let's do February 20."), state, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "ptp_set", resp.CallState.EndReason)
	assert.Equal(t, "2026-02-20", resp.CallState.PromiseToPay.Date)
}

func TestDeclineTodayAsksForDate(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)
	resp := HandleTurn(userTurn("No, I cannot do that today."), state, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "negotiate", resp.AssistantIntent)
	assert.Contains(t, resp.AssistantText, "What date before the end of the month")
}

func TestLowConfidenceClarifiesThenEscalates(t *testing.T) {
	t.Parallel()
	resp := StartCall(domain.NewCallState(), testProfile())
	resp = HandleTurn(userTurn("banana telescope"), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, 1, resp.CallState.ClarificationAttempts)
	assert.Contains(t, resp.AssistantText, "Are you Alex Morgan")

	resp = HandleTurn(userTurn("banana telescope"), resp.CallState, testProfile(), testAccount(), testPolicy())
	assert.Equal(t, "escalated_low_confidence", resp.CallState.EndReason)
}

func TestVoiceConstraintOnAllResponses(t *testing.T) {
	t.Parallel()
	state := advanceToVerified(t)
	resp := HandleTurn(userTurn("maybe, I have to check"), state, testProfile(), testAccount(), testPolicy())

	sentences := strings.FieldsFunc(resp.AssistantText, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	nonEmpty := 0
	for _, s := range sentences {
		if strings.TrimSpace(s) != "" {
			nonEmpty++
		}
	}
	assert.LessOrEqual(t, nonEmpty, 2)
	assert.LessOrEqual(t, strings.Count(resp.AssistantText, "?"), 1)
}
