package domain

// ActionKind discriminates the side-effect actions a dialog turn can emit.
type ActionKind string

const (
	ActionSetOutcome      ActionKind = "set_outcome"
	ActionCreatePTP       ActionKind = "create_promise_to_pay"
	ActionEscalateToHuman ActionKind = "escalate_to_human"
	ActionEndCall         ActionKind = "end_call"
)

// Action is a tagged side-effect emitted by the dialog engine. Fields are
// populated per kind: set_outcome uses OutcomeCode, create_promise_to_pay
// uses Date and Amount, escalate_to_human and end_call use Reason.
type Action struct {
	Kind        ActionKind `json:"action"`
	OutcomeCode string     `json:"outcome_code,omitempty"`
	Date        string     `json:"date,omitempty"`
	Amount      string     `json:"amount,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// SetOutcome builds a set_outcome action.
func SetOutcome(outcomeCode string) Action {
	return Action{Kind: ActionSetOutcome, OutcomeCode: outcomeCode}
}

// CreatePromiseToPay builds a create_promise_to_pay action.
func CreatePromiseToPay(date, amount string) Action {
	return Action{Kind: ActionCreatePTP, Date: date, Amount: amount}
}

// EscalateToHuman builds an escalate_to_human action.
func EscalateToHuman(reason string) Action {
	return Action{Kind: ActionEscalateToHuman, Reason: reason}
}

// EndCall builds an end_call action.
func EndCall(reason string) Action {
	return Action{Kind: ActionEndCall, Reason: reason}
}
