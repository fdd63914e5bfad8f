// Package ledger tracks provider calls per source against a shared daily budget.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Source identifies which part of the system spends provider calls
type Source string

const (
	SourceFixtures   Source = "fixtures"
	SourceLiveScores Source = "live_scores"
)

// Sources lists every source that shares the daily cap
var Sources = []Source{SourceFixtures, SourceLiveScores}

// Entry is the persisted counter for one source
type Entry struct {
	Source     Source    `json:"source"`
	CallsToday int       `json:"calls_today"`
	DayAnchor  time.Time `json:"day_anchor"`
}

// UpdateFunc decides on the stored entries and returns the entry to save, if any
type UpdateFunc func(stored map[Source]Entry) (entry Entry, save bool)

// Store persists ledger entries. Missing sources are simply absent from the result.
type Store interface {
	LoadEntries(ctx context.Context) (map[Source]Entry, error)
	// Update runs fn on the stored entries and saves its result. Updates never interleave,
	// including ones from other processes sharing the store. fn may run more than once.
	Update(ctx context.Context, fn UpdateFunc) error
}

// Limits configures the shared cap and optional per-source caps
type Limits struct {
	DailyCap   int
	SourceCaps map[Source]int
	Location   *time.Location
}

// Decision is the outcome of a TryConsume call
type Decision struct {
	Allowed    bool `json:"allowed"`
	Remaining  int  `json:"remaining"`
	CallsToday int  `json:"calls_today"`
}

// Usage is a read-only view of the current day's budget
type Usage struct {
	Entries   []Entry `json:"entries"`
	Total     int     `json:"total"`
	DailyCap  int     `json:"daily_cap"`
	Remaining int     `json:"remaining"`
}

// Ledger gates provider calls against the daily budget
type Ledger struct {
	store  Store
	limits Limits
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a ledger backed by store
func New(store Store, limits Limits, clock clockwork.Clock, logger *slog.Logger) *Ledger {
	if limits.Location == nil {
		limits.Location = time.UTC
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{
		store:  store,
		limits: limits,
		clock:  clock,
		logger: logger,
	}
}

// TryConsume reserves cost calls for source. A denied request leaves every counter untouched.
// An allowed request is persisted before returning, so the attempt counts even if the
// caller crashes during the external call.
func (l *Ledger) TryConsume(ctx context.Context, source Source, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}

	now := l.clock.Now()
	var decision Decision
	err := l.store.Update(ctx, func(stored map[Source]Entry) (Entry, bool) {
		entries := l.rollover(stored, now)
		entry := entries[source]
		remaining := l.remaining(entries, source)
		if cost > remaining {
			decision = Decision{Allowed: false, Remaining: remaining, CallsToday: entry.CallsToday}
			return entry, false
		}

		entry.CallsToday += cost
		decision = Decision{Allowed: true, Remaining: remaining - cost, CallsToday: entry.CallsToday}
		return entry, true
	})
	if err != nil {
		return Decision{}, fmt.Errorf("updating ledger: %w", err)
	}

	if decision.Allowed && decision.CallsToday == cost {
		l.logger.Debug("ledger counter starts new day", "source", source, "day", DayAnchor(now, l.limits.Location).Format(time.DateOnly))
	}
	return decision, nil
}

// Usage returns today's counters with day rollover applied
func (l *Ledger) Usage(ctx context.Context) (Usage, error) {
	stored, err := l.store.LoadEntries(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("loading ledger entries: %w", err)
	}
	entries := l.rollover(stored, l.clock.Now())

	usage := Usage{DailyCap: l.limits.DailyCap}
	for _, source := range Sources {
		entry := entries[source]
		usage.Entries = append(usage.Entries, entry)
		usage.Total += entry.CallsToday
	}
	usage.Remaining = max(l.limits.DailyCap-usage.Total, 0)
	return usage, nil
}

// rollover fills in every source and resets the ones whose anchor predates today
func (l *Ledger) rollover(stored map[Source]Entry, now time.Time) map[Source]Entry {
	today := DayAnchor(now, l.limits.Location)
	entries := make(map[Source]Entry, len(Sources))
	for _, source := range Sources {
		entry, ok := stored[source]
		if !ok || RolledOver(entry.DayAnchor, now) {
			entry = Entry{Source: source, DayAnchor: today}
		}
		entries[source] = entry
	}
	return entries
}

func (l *Ledger) remaining(entries map[Source]Entry, source Source) int {
	total := 0
	for _, entry := range entries {
		total += entry.CallsToday
	}
	remaining := l.limits.DailyCap - total

	if sourceCap, ok := l.limits.SourceCaps[source]; ok && sourceCap > 0 {
		remaining = min(remaining, sourceCap-entries[source].CallsToday)
	}
	return max(remaining, 0)
}
