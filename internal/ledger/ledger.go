// Package ledger holds the status state machine for ledger entries.
//
// The transition table is the single point of truth for validity: the ledger
// table can also be touched by administrative scripts, so every write path
// must pass through Apply regardless of origin.
package ledger

import (
	"fmt"
	"strings"

	"opsledger/internal/domain"
)

// Status is a canonical ledger status.
type Status string

const (
	Pending   Status = "pending"
	Active    Status = "active"
	Complete  Status = "complete"
	Blocked   Status = "blocked"
	Cancelled Status = "cancelled"
)

// transitions lists the allowed next statuses per current status.
// Complete and cancelled are terminal.
var transitions = map[Status][]Status{
	Pending:   {Active, Cancelled},
	Active:    {Complete, Blocked, Cancelled},
	Blocked:   {Active, Cancelled},
	Complete:  {},
	Cancelled: {},
}

// Valid reports whether s is a member of the closed status set.
func Valid(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is permitted from s.
func Terminal(s Status) bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransition reports whether from -> to is in the transition table.
// A same-status "transition" is not a transition and returns false; callers
// treat it as a provenance refresh instead.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Outcome classifies what Apply decided for one event.
type Outcome int

const (
	// OutcomeCreate inserts a new ledger entry.
	OutcomeCreate Outcome = iota
	// OutcomeUpdate applies a valid status transition.
	OutcomeUpdate
	// OutcomeTouch refreshes provenance and blank descriptive fields without
	// changing status (same status, or no status mapping for the event).
	OutcomeTouch
	// OutcomeSkipStale rejects an event older than the entry's last applied one.
	OutcomeSkipStale
	// OutcomeSkipInvalid rejects a transition not in the table.
	OutcomeSkipInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreate:
		return "create"
	case OutcomeUpdate:
		return "update"
	case OutcomeTouch:
		return "touch"
	case OutcomeSkipStale:
		return "skip_stale"
	case OutcomeSkipInvalid:
		return "skip_invalid"
	default:
		return "unknown"
	}
}

// Decision is the result of applying one event to one ledger entry.
type Decision struct {
	Outcome Outcome
	// Entry is the row to persist for Create/Update/Touch outcomes.
	Entry domain.LedgerEntry
	// Reason is set for skip outcomes; duplicate and out-of-order delivery
	// make skips an expected occurrence, so this is log material, not an error.
	Reason string
}

// Fields carries the descriptive metadata salvaged from the triggering event.
// Message is the event's free-text message, used only as a create-time
// summary fallback.
type Fields struct {
	Layer   string
	Module  string
	Title   string
	Summary string
	Message string
}

// Apply computes the ledger effect of one event. existing is nil when no
// entry exists for the VTID. proposed/statusKnown come from the status
// mapper; eventID/eventAt identify the triggering event. Apply is pure: it
// never touches storage and never errors, it only decides.
func Apply(existing *domain.LedgerEntry, id string, proposed Status, statusKnown bool, f Fields, eventID int64, eventAt, now string) Decision {
	if existing == nil {
		status := proposed
		if !statusKnown {
			// First sight of a task with no mapped status starts it pending.
			status = Pending
		}
		entry := domain.LedgerEntry{
			VTID:        id,
			Status:      string(status),
			LastEventID: eventID,
			LastEventAt: eventAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		populate(&entry, f)
		if entry.Title == nil {
			entry.Title = &id
		}
		if entry.Summary == nil {
			setIfPresent(&entry.Summary, f.Message)
		}
		return Decision{Outcome: OutcomeCreate, Entry: entry}
	}

	if eventAt < existing.LastEventAt {
		return Decision{
			Outcome: OutcomeSkipStale,
			Entry:   *existing,
			Reason:  fmt.Sprintf("event %d at %s older than last applied %s", eventID, eventAt, existing.LastEventAt),
		}
	}

	current := Status(existing.Status)
	entry := *existing
	populate(&entry, f)
	entry.LastEventID = eventID
	entry.LastEventAt = eventAt
	entry.UpdatedAt = now

	if !statusKnown || proposed == current {
		return Decision{Outcome: OutcomeTouch, Entry: entry}
	}
	if !CanTransition(current, proposed) {
		return Decision{
			Outcome: OutcomeSkipInvalid,
			Entry:   *existing,
			Reason:  fmt.Sprintf("invalid transition %s -> %s for %s (event %d)", current, proposed, id, eventID),
		}
	}
	entry.Status = string(proposed)
	return Decision{Outcome: OutcomeUpdate, Entry: entry}
}

// populate applies descriptive fields that are explicitly present on the
// event. Absent or blank values never clobber previously recorded ones.
func populate(entry *domain.LedgerEntry, f Fields) {
	setIfPresent(&entry.Layer, f.Layer)
	setIfPresent(&entry.Module, f.Module)
	setIfPresent(&entry.Title, f.Title)
	setIfPresent(&entry.Summary, f.Summary)
}

func setIfPresent(dst **string, v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	*dst = &v
}
