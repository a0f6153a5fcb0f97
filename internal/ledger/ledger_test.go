package ledger_test

import (
	"testing"

	"opsledger/internal/domain"
	"opsledger/internal/ledger"
)

const (
	t1  = "2024-01-01T10:00:00Z"
	t2  = "2024-01-01T11:00:00Z"
	t3  = "2024-01-01T12:00:00Z"
	now = "2024-01-02T00:00:00Z"
)

func TestTransitionTable(t *testing.T) {
	allowed := []struct{ from, to ledger.Status }{
		{ledger.Pending, ledger.Active},
		{ledger.Pending, ledger.Cancelled},
		{ledger.Active, ledger.Complete},
		{ledger.Active, ledger.Blocked},
		{ledger.Active, ledger.Cancelled},
		{ledger.Blocked, ledger.Active},
		{ledger.Blocked, ledger.Cancelled},
	}
	for _, c := range allowed {
		if !ledger.CanTransition(c.from, c.to) {
			t.Fatalf("expected %s -> %s allowed", c.from, c.to)
		}
	}
	denied := []struct{ from, to ledger.Status }{
		{ledger.Pending, ledger.Complete},
		{ledger.Pending, ledger.Blocked},
		{ledger.Blocked, ledger.Complete},
		{ledger.Complete, ledger.Active},
		{ledger.Complete, ledger.Cancelled},
		{ledger.Cancelled, ledger.Active},
		{ledger.Cancelled, ledger.Pending},
		{ledger.Active, ledger.Active},
	}
	for _, c := range denied {
		if ledger.CanTransition(c.from, c.to) {
			t.Fatalf("expected %s -> %s denied", c.from, c.to)
		}
	}
}

func TestValid(t *testing.T) {
	for _, s := range []ledger.Status{ledger.Pending, ledger.Active, ledger.Complete, ledger.Blocked, ledger.Cancelled} {
		if !ledger.Valid(s) {
			t.Fatalf("expected %s valid", s)
		}
	}
	for _, s := range []ledger.Status{"", "done", "in_progress"} {
		if ledger.Valid(s) {
			t.Fatalf("expected %s invalid", s)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []ledger.Status{ledger.Complete, ledger.Cancelled} {
		if !ledger.Terminal(s) {
			t.Fatalf("expected %s terminal", s)
		}
	}
	for _, s := range []ledger.Status{ledger.Pending, ledger.Active, ledger.Blocked} {
		if ledger.Terminal(s) {
			t.Fatalf("expected %s not terminal", s)
		}
	}
}

func TestApplyCreate(t *testing.T) {
	d := ledger.Apply(nil, "VTID-1", ledger.Active, true, ledger.Fields{
		Layer:   "backend",
		Title:   "Ship API",
		Message: "work started",
	}, 10, t1, now)
	if d.Outcome != ledger.OutcomeCreate {
		t.Fatalf("expected create, got %s", d.Outcome)
	}
	e := d.Entry
	if e.VTID != "VTID-1" || e.Status != "active" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.LastEventID != 10 || e.LastEventAt != t1 {
		t.Fatalf("provenance not set: %+v", e)
	}
	if e.Layer == nil || *e.Layer != "backend" {
		t.Fatalf("layer not set: %+v", e)
	}
	if e.Title == nil || *e.Title != "Ship API" {
		t.Fatalf("title not set: %+v", e)
	}
	if e.Summary == nil || *e.Summary != "work started" {
		t.Fatalf("expected summary fallback from message, got %+v", e.Summary)
	}
}

func TestApplyCreateUnknownStatusDefaultsPending(t *testing.T) {
	d := ledger.Apply(nil, "VTID-2", "", false, ledger.Fields{}, 1, t1, now)
	if d.Outcome != ledger.OutcomeCreate || d.Entry.Status != "pending" {
		t.Fatalf("expected pending create, got %s %s", d.Outcome, d.Entry.Status)
	}
	if d.Entry.Title == nil || *d.Entry.Title != "VTID-2" {
		t.Fatalf("expected title default to id, got %+v", d.Entry.Title)
	}
}

func entry(status ledger.Status, eventID int64, eventAt string) *domain.LedgerEntry {
	title := "existing title"
	return &domain.LedgerEntry{
		VTID:        "VTID-1",
		Status:      string(status),
		Title:       &title,
		LastEventID: eventID,
		LastEventAt: eventAt,
		CreatedAt:   t1,
		UpdatedAt:   t1,
	}
}

func TestApplyValidTransition(t *testing.T) {
	d := ledger.Apply(entry(ledger.Active, 5, t1), "VTID-1", ledger.Complete, true, ledger.Fields{}, 6, t2, now)
	if d.Outcome != ledger.OutcomeUpdate || d.Entry.Status != "complete" {
		t.Fatalf("expected update to complete, got %s %s", d.Outcome, d.Entry.Status)
	}
	if d.Entry.LastEventID != 6 || d.Entry.LastEventAt != t2 || d.Entry.UpdatedAt != now {
		t.Fatalf("provenance not advanced: %+v", d.Entry)
	}
}

func TestApplyInvalidTransitionSkips(t *testing.T) {
	d := ledger.Apply(entry(ledger.Complete, 5, t1), "VTID-1", ledger.Active, true, ledger.Fields{}, 6, t2, now)
	if d.Outcome != ledger.OutcomeSkipInvalid {
		t.Fatalf("expected skip_invalid, got %s", d.Outcome)
	}
	if d.Entry.Status != "complete" {
		t.Fatalf("entry must be unchanged, got %s", d.Entry.Status)
	}
	if d.Reason == "" {
		t.Fatal("expected a reason for the skip")
	}
}

func TestApplyStaleEventSkips(t *testing.T) {
	// Out-of-order delivery: T2 already applied, then T1 arrives.
	d := ledger.Apply(entry(ledger.Complete, 6, t2), "VTID-1", ledger.Active, true, ledger.Fields{}, 5, t1, now)
	if d.Outcome != ledger.OutcomeSkipStale {
		t.Fatalf("expected skip_stale, got %s", d.Outcome)
	}
	if d.Entry.Status != "complete" || d.Entry.LastEventAt != t2 {
		t.Fatalf("entry must be unchanged, got %+v", d.Entry)
	}
}

func TestApplySameStatusTouches(t *testing.T) {
	d := ledger.Apply(entry(ledger.Active, 5, t1), "VTID-1", ledger.Active, true, ledger.Fields{Module: "api"}, 6, t2, now)
	if d.Outcome != ledger.OutcomeTouch || d.Entry.Status != "active" {
		t.Fatalf("expected touch, got %s %s", d.Outcome, d.Entry.Status)
	}
	if d.Entry.LastEventID != 6 || d.Entry.Module == nil || *d.Entry.Module != "api" {
		t.Fatalf("touch must advance provenance and fill fields: %+v", d.Entry)
	}
}

func TestApplyUnmappedStatusTouches(t *testing.T) {
	d := ledger.Apply(entry(ledger.Active, 5, t1), "VTID-1", "", false, ledger.Fields{}, 6, t2, now)
	if d.Outcome != ledger.OutcomeTouch || d.Entry.Status != "active" {
		t.Fatalf("expected status-preserving touch, got %s %s", d.Outcome, d.Entry.Status)
	}
}

func TestApplyPreservesFieldsAcrossBlankEvents(t *testing.T) {
	e := entry(ledger.Active, 5, t1)
	d := ledger.Apply(e, "VTID-1", ledger.Complete, true, ledger.Fields{}, 6, t2, now)
	if d.Entry.Title == nil || *d.Entry.Title != "existing title" {
		t.Fatalf("blank fields must not clobber, got %+v", d.Entry.Title)
	}
}

func TestApplyExplicitFieldOverwrites(t *testing.T) {
	e := entry(ledger.Active, 5, t1)
	d := ledger.Apply(e, "VTID-1", ledger.Complete, true, ledger.Fields{Title: "new title"}, 6, t2, now)
	if d.Entry.Title == nil || *d.Entry.Title != "new title" {
		t.Fatalf("explicit field must overwrite, got %+v", d.Entry.Title)
	}
}

func TestApplyTerminalNeverRegresses(t *testing.T) {
	for _, terminal := range []ledger.Status{ledger.Complete, ledger.Cancelled} {
		for _, proposed := range []ledger.Status{ledger.Pending, ledger.Active, ledger.Blocked} {
			d := ledger.Apply(entry(terminal, 5, t1), "VTID-1", proposed, true, ledger.Fields{}, 6, t2, now)
			if d.Outcome != ledger.OutcomeSkipInvalid {
				t.Fatalf("%s -> %s: expected skip_invalid, got %s", terminal, proposed, d.Outcome)
			}
		}
	}
}
