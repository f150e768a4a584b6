package domain

import "time"

// Phase is the dialog state-machine phase of a call.
type Phase string

const (
	PhasePreVerification  Phase = "pre_verification"
	PhaseVerification     Phase = "verification"
	PhasePostVerification Phase = "post_verification"
	PhaseEnded            Phase = "ended"
)

// CallStatus distinguishes live calls from finished ones.
type CallStatus string

const (
	CallActive CallStatus = "active"
	CallEnded  CallStatus = "ended"
)

// PromiseToPay holds PTP commitment details. Payment credentials are never
// stored here.
type PromiseToPay struct {
	// Promise date in YYYY-MM-DD, if set.
	Date string `json:"date,omitempty"`
	// Decimal amount as a string, e.g. "50.00".
	Amount string `json:"amount,omitempty"`
	// Confirmed is true only when the user confirmed both date and amount.
	Confirmed bool `json:"confirmed"`
}

// Callback holds callback scheduling details.
type Callback struct {
	Requested     bool   `json:"requested"`
	DatetimeLocal string `json:"datetime_local,omitempty"`
}

// CallState is the authoritative per-call dialog record. It is passed by
// value through the dialog engine; each turn produces a new copy.
type CallState struct {
	Phase     Phase `json:"phase"`
	TurnCount int   `json:"turn_count"`

	RightPartyVerified   bool    `json:"right_party_verified"`
	RightPartyConfidence float64 `json:"right_party_confidence"`
	VerificationAttempts int     `json:"verification_attempts"`

	SilenceCount int `json:"silence_count"`

	LastProposedPaymentDate string `json:"last_proposed_payment_date,omitempty"`

	EscalationFlag bool `json:"escalation_flag"`

	// TargetReached is "unknown", "yes" or "no".
	TargetReached string `json:"target_reached"`

	DisclosureDelivered bool `json:"disclosure_delivered"`

	NegotiationProposalsCount int `json:"negotiation_proposals_count"`
	ReconductionAttempts      int `json:"reconduction_attempts"`
	ClarificationAttempts     int `json:"clarification_attempts"`

	LastUserUtterance     string `json:"last_user_utterance"`
	LastAssistantQuestion string `json:"last_assistant_question"`
	LastAssistantIntent   string `json:"last_assistant_intent"`

	WrongPartyIndicated   bool `json:"wrong_party_indicated"`
	DisputeFlag           bool `json:"dispute_flag"`
	CeaseContactRequested bool `json:"cease_contact_requested"`

	PromiseToPay PromiseToPay `json:"promise_to_pay"`
	Callback     Callback     `json:"callback"`

	EscalationReason string `json:"escalation_reason,omitempty"`
	// EndReason is set only when Phase is ended.
	EndReason string `json:"end_reason,omitempty"`
}

// NewCallState returns the initial state for a fresh outbound call.
func NewCallState() CallState {
	return CallState{
		Phase:         PhasePreVerification,
		TargetReached: "unknown",
	}
}

// Ended reports whether the call reached a terminal phase.
func (s CallState) Ended() bool {
	return s.Phase == PhaseEnded
}

// CallTurn is one appended turn inside a call record.
type CallTurn struct {
	TurnIndex int `json:"turn_index"`
	// EventAtUTC is the caller-supplied event timestamp; RecordedAtUTC is
	// when the store appended the turn.
	EventAtUTC            time.Time   `json:"event_at_utc"`
	RecordedAtUTC         time.Time   `json:"recorded_at_utc"`
	EventType             string      `json:"event_type"`
	UserTranscriptPresent bool        `json:"user_transcript_present"`
	AssistantIntent       string      `json:"assistant_intent"`
	Actions               []Action    `json:"actions"`
	NLU                   NLUSnapshot `json:"nlu"`
}

// NLUSnapshot is the classifier output captured on a turn.
type NLUSnapshot struct {
	PrimaryIntent  string             `json:"primary_intent"`
	Confidence     float64            `json:"confidence"`
	Scores         map[string]float64 `json:"scores"`
	MatchedIntents []string           `json:"matched_intents"`
}

// CallRecord is the durable per-call document.
type CallRecord struct {
	CallID           string     `json:"call_id"`
	Status           CallStatus `json:"status"`
	CreatedAtUTC     time.Time  `json:"created_at_utc"`
	UpdatedAtUTC     time.Time  `json:"updated_at_utc"`
	Turns            []CallTurn `json:"turns"`
	LastCallState    CallState  `json:"last_call_state"`
	FinalOutcomeCode string     `json:"final_outcome_code,omitempty"`
	FinalEndReason   string     `json:"final_end_reason,omitempty"`
}

// NewCallRecord opens a call record with the synthetic system_start turn.
func NewCallRecord(callID, assistantIntent string, state CallState, now time.Time) CallRecord {
	now = now.UTC()
	return CallRecord{
		CallID:       callID,
		Status:       CallActive,
		CreatedAtUTC: now,
		UpdatedAtUTC: now,
		Turns: []CallTurn{{
			TurnIndex:       1,
			EventAtUTC:      now,
			RecordedAtUTC:   now,
			EventType:       "system_start",
			AssistantIntent: assistantIntent,
			Actions:         []Action{},
		}},
		LastCallState: state,
	}
}

// AppendTurn appends one turn and updates the stored call state. When the
// state has reached the ended phase the record is finalized.
func (r *CallRecord) AppendTurn(turn CallTurn, state CallState, now time.Time) {
	turn.TurnIndex = len(r.Turns) + 1
	if turn.RecordedAtUTC.IsZero() {
		turn.RecordedAtUTC = now.UTC()
	}
	if turn.Actions == nil {
		turn.Actions = []Action{}
	}
	r.Turns = append(r.Turns, turn)
	r.LastCallState = state
	r.UpdatedAtUTC = now.UTC()

	if state.Ended() {
		r.finalize(turn, state)
	}
}

// finalize closes the record, deriving the final outcome from the closing
// turn's set_outcome action with the state's end reason as fallback.
func (r *CallRecord) finalize(turn CallTurn, state CallState) {
	r.Status = CallEnded

	outcome := ""
	for _, action := range turn.Actions {
		if action.Kind == ActionSetOutcome && action.OutcomeCode != "" {
			outcome = action.OutcomeCode
			break
		}
	}
	if outcome == "" {
		outcome = state.EndReason
	}
	r.FinalOutcomeCode = outcome

	endReason := state.EndReason
	if endReason == "" {
		for _, action := range turn.Actions {
			if action.Kind == ActionEndCall && action.Reason != "" {
				endReason = action.Reason
				break
			}
		}
	}
	r.FinalEndReason = endReason
}
