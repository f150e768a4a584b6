package memstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relayce/outdial/internal/domain"
)

// CallStore is an in-memory call record store.
type CallStore struct {
	mu    sync.Mutex
	calls map[string]domain.CallRecord
}

// NewCallStore constructs an empty CallStore.
func NewCallStore() *CallStore {
	return &CallStore{calls: map[string]domain.CallRecord{}}
}

// Create opens a new call record with the synthetic system_start turn.
func (s *CallStore) Create(_ domain.Context, callID, assistantIntent string, state domain.CallState, now time.Time) (domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[callID]; exists {
		return domain.CallRecord{}, fmt.Errorf("%w: call %s already exists", domain.ErrConflict, callID)
	}

	rec := domain.NewCallRecord(callID, assistantIntent, state, now)
	s.calls[callID] = rec
	return rec, nil
}

// AppendTurn appends one turn and updates the stored call state. When the
// state has reached the ended phase the record is finalized.
func (s *CallStore) AppendTurn(_ domain.Context, callID string, turn domain.CallTurn, state domain.CallState, now time.Time) (domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return domain.CallRecord{}, fmt.Errorf("%w: call %s", domain.ErrNotFound, callID)
	}

	rec.AppendTurn(turn, state, now)
	s.calls[callID] = rec
	return rec, nil
}

// Get loads a call record by id.
func (s *CallStore) Get(_ domain.Context, callID string) (domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.calls[callID]
	if !ok {
		return domain.CallRecord{}, fmt.Errorf("%w: call %s", domain.ErrNotFound, callID)
	}
	return rec, nil
}

// GetState loads the stored call state for a live call.
func (s *CallStore) GetState(ctx domain.Context, callID string) (domain.CallState, error) {
	rec, err := s.Get(ctx, callID)
	if err != nil {
		return domain.CallState{}, err
	}
	return rec.LastCallState, nil
}

// List returns all call records ordered by call id.
func (s *CallStore) List(_ domain.Context) ([]domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]domain.CallRecord, 0, len(s.calls))
	for _, rec := range s.calls {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CallID < records[j].CallID })
	return records, nil
}
