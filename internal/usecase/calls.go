package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/relayce/outdial/internal/dialog"
	"github.com/relayce/outdial/internal/domain"
)

// TurnInput is one inbound turn for a live call, together with the call
// context the dialog engine needs.
type TurnInput struct {
	CallID         string                `json:"call_id" validate:"required"`
	TurnEvent      dialog.TurnEvent      `json:"turn_event"`
	PartyProfile   map[string]string     `json:"party_profile"`
	AccountContext dialog.AccountContext `json:"account_context"`
	PolicyConfig   dialog.PolicyConfig   `json:"policy_config"`
}

// CallResult is the response for both call start and turn handling.
type CallResult struct {
	CallID          string             `json:"call_id"`
	AssistantText   string             `json:"assistant_text"`
	AssistantIntent string             `json:"assistant_intent"`
	Actions         []domain.Action    `json:"actions"`
	NLU             domain.NLUSnapshot `json:"nlu,omitempty"`
	CallState       domain.CallState   `json:"call_state"`
}

// CallSummary is the condensed view of one persisted call.
type CallSummary struct {
	CallID              string            `json:"call_id"`
	Status              domain.CallStatus `json:"status"`
	CreatedAtUTC        time.Time         `json:"created_at_utc"`
	UpdatedAtUTC        time.Time         `json:"updated_at_utc"`
	TurnsCount          int               `json:"turns_count"`
	LastAssistantIntent string            `json:"last_assistant_intent"`
	FinalOutcomeCode    string            `json:"final_outcome_code,omitempty"`
	FinalEndReason      string            `json:"final_end_reason,omitempty"`
	LastCallState       domain.CallState  `json:"last_call_state"`
	Turns               []domain.CallTurn `json:"turns"`
}

// CallService runs the dialog engine over the durable call store.
type CallService struct {
	Calls    domain.CallStore
	validate *validator.Validate
}

// NewCallService constructs a CallService over the given store.
func NewCallService(calls domain.CallStore) CallService {
	return CallService{Calls: calls, validate: validator.New()}
}

// NewCallID returns a fresh opaque call identifier.
func NewCallID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Start opens a new call record with the opening assistant prompt.
func (s CallService) Start(ctx domain.Context, partyProfile map[string]string) (CallResult, error) {
	callID := NewCallID()
	resp := dialog.StartCall(domain.NewCallState(), partyProfile)

	if _, err := s.Calls.Create(ctx, callID, resp.AssistantIntent, resp.CallState, time.Now().UTC()); err != nil {
		return CallResult{}, fmt.Errorf("op=calls.create: %w", err)
	}

	return CallResult{
		CallID:          callID,
		AssistantText:   resp.AssistantText,
		AssistantIntent: resp.AssistantIntent,
		Actions:         resp.Actions,
		CallState:       resp.CallState,
	}, nil
}

// HandleTurn loads the persisted call state, runs the engine for one turn,
// and appends the turn to the call record. State posted by the caller is
// ignored; the store is authoritative.
func (s CallService) HandleTurn(ctx domain.Context, in TurnInput) (CallResult, error) {
	if err := s.validate.Struct(in); err != nil {
		return CallResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := s.validate.Struct(in.TurnEvent); err != nil {
		return CallResult{}, fmt.Errorf("%w: invalid turn_event: %v", domain.ErrInvalidArgument, err)
	}

	state, err := s.Calls.GetState(ctx, in.CallID)
	if err != nil {
		return CallResult{}, fmt.Errorf("op=calls.get_state: %w", err)
	}

	resp := dialog.HandleTurn(in.TurnEvent, state, in.PartyProfile, in.AccountContext, in.PolicyConfig)

	now := time.Now().UTC()
	turn := domain.CallTurn{
		EventAtUTC:            parseEventTimestamp(in.TurnEvent.TimestampUTC, now),
		RecordedAtUTC:         now,
		EventType:             in.TurnEvent.EventType,
		UserTranscriptPresent: strings.TrimSpace(in.TurnEvent.Transcript) != "",
		AssistantIntent:       resp.AssistantIntent,
		Actions:               resp.Actions,
		NLU:                   resp.NLU,
	}
	if _, err := s.Calls.AppendTurn(ctx, in.CallID, turn, resp.CallState, now); err != nil {
		return CallResult{}, fmt.Errorf("op=calls.append_turn: %w", err)
	}

	return CallResult{
		CallID:          in.CallID,
		AssistantText:   resp.AssistantText,
		AssistantIntent: resp.AssistantIntent,
		Actions:         resp.Actions,
		NLU:             resp.NLU,
		CallState:       resp.CallState,
	}, nil
}

// Summary returns the condensed view of one call.
func (s CallService) Summary(ctx domain.Context, callID string) (CallSummary, error) {
	rec, err := s.Calls.Get(ctx, callID)
	if err != nil {
		return CallSummary{}, fmt.Errorf("op=calls.get: %w", err)
	}
	return summarize(rec), nil
}

func summarize(rec domain.CallRecord) CallSummary {
	lastIntent := ""
	if n := len(rec.Turns); n > 0 {
		lastIntent = rec.Turns[n-1].AssistantIntent
	}
	return CallSummary{
		CallID:              rec.CallID,
		Status:              rec.Status,
		CreatedAtUTC:        rec.CreatedAtUTC,
		UpdatedAtUTC:        rec.UpdatedAtUTC,
		TurnsCount:          len(rec.Turns),
		LastAssistantIntent: lastIntent,
		FinalOutcomeCode:    rec.FinalOutcomeCode,
		FinalEndReason:      rec.FinalEndReason,
		LastCallState:       rec.LastCallState,
		Turns:               rec.Turns,
	}
}

func parseEventTimestamp(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fallback
	}
	return ts.UTC()
}
