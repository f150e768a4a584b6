package memstore

import (
	"sort"
	"sync"
	"time"

	"github.com/relayce/outdial/internal/domain"
)

// AttemptLedger is an in-memory, append-only decision log.
type AttemptLedger struct {
	mu     sync.Mutex
	events map[string][]domain.AttemptEvent
}

// NewAttemptLedger constructs an empty AttemptLedger.
func NewAttemptLedger() *AttemptLedger {
	return &AttemptLedger{events: map[string][]domain.AttemptEvent{}}
}

// Append records one decision event.
func (l *AttemptLedger) Append(_ domain.Context, ev domain.AttemptEvent) (domain.AttemptEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.RecordedAtUTC.IsZero() {
		ev.RecordedAtUTC = time.Now().UTC()
	}
	ev.RecordedAtUTC = ev.RecordedAtUTC.UTC()
	l.events[ev.AccountRef] = append(l.events[ev.AccountRef], ev)
	return ev, nil
}

// ListByAccount returns all events for one account in append order.
func (l *AttemptLedger) ListByAccount(_ domain.Context, accountRef string) ([]domain.AttemptEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.AttemptEvent(nil), l.events[accountRef]...), nil
}

// ListRecent returns events across all accounts, newest first. A limit of
// zero or less means no limit.
func (l *AttemptLedger) ListRecent(_ domain.Context, limit int) ([]domain.AttemptEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var merged []domain.AttemptEvent
	for _, events := range l.events {
		merged = append(merged, events...)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].RecordedAtUTC.After(merged[j].RecordedAtUTC)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// CountAttemptsForLocalDay counts counted attempts on the given local day.
func (l *AttemptLedger) CountAttemptsForLocalDay(_ domain.Context, accountRef, timezoneName, localDay string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.CountedAttemptsOnLocalDay(l.events[accountRef], timezoneName, localDay), nil
}

// LastCountedAttemptAt returns the newest counted event time, or nil.
func (l *AttemptLedger) LastCountedAttemptAt(_ domain.Context, accountRef string) (*time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.LastCountedAttemptTime(l.events[accountRef]), nil
}
