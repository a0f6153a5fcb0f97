package statusmap_test

import (
	"testing"

	"opsledger/internal/ledger"
	"opsledger/internal/statusmap"
)

func TestMapTopicFamilies(t *testing.T) {
	m := statusmap.Default()
	cases := []struct {
		topic string
		want  ledger.Status
	}{
		{"task_created", ledger.Pending},
		{"review_opened", ledger.Pending},
		{"build_started", ledger.Active},
		{"task_resumed", ledger.Active},
		{"deploy_succeeded", ledger.Complete},
		{"pr_merged", ledger.Complete},
		{"qa_validated", ledger.Complete},
		{"task_completed", ledger.Complete},
		{"service_deployed", ledger.Complete},
		{"build_failed", ledger.Blocked},
		{"task_cancelled", ledger.Cancelled},
		{"ticket_closed", ledger.Cancelled},
	}
	for _, c := range cases {
		got, ok := m.Map(c.topic, "")
		if !ok || got != c.want {
			t.Fatalf("topic %s: expected %s, got %s ok=%v", c.topic, c.want, got, ok)
		}
	}
}

func TestMapOrderingStartedBeforeCreated(t *testing.T) {
	// "pipeline_started_created" style overlap: the earlier rule wins.
	m := statusmap.Default()
	got, ok := m.Map("task_started", "")
	if !ok || got != ledger.Active {
		t.Fatalf("expected active, got %s ok=%v", got, ok)
	}
}

func TestMapFallbackOnStatus(t *testing.T) {
	m := statusmap.Default()
	cases := []struct {
		status string
		want   ledger.Status
	}{
		{"success", ledger.Complete},
		{"SUCCESS", ledger.Complete},
		{" error ", ledger.Blocked},
		{"failure", ledger.Blocked},
		{"start", ledger.Active},
	}
	for _, c := range cases {
		got, ok := m.Map("unknown_topic", c.status)
		if !ok || got != c.want {
			t.Fatalf("status %q: expected %s, got %s ok=%v", c.status, c.want, got, ok)
		}
	}
}

func TestMapUnknown(t *testing.T) {
	m := statusmap.Default()
	if _, ok := m.Map("heartbeat", "info"); ok {
		t.Fatal("expected no mapping for heartbeat/info")
	}
	if _, ok := m.Map("heartbeat", ""); ok {
		t.Fatal("expected no mapping for heartbeat")
	}
}

func TestMapCaseInsensitiveTopic(t *testing.T) {
	m := statusmap.Default()
	got, ok := m.Map("Build_Failed", "")
	if !ok || got != ledger.Blocked {
		t.Fatalf("expected blocked, got %s ok=%v", got, ok)
	}
}
