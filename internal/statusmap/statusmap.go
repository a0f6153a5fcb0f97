// Package statusmap translates event topics into canonical ledger statuses.
package statusmap

import (
	"strings"

	"opsledger/internal/config"
	"opsledger/internal/ledger"
)

// Mapper is an ordered rule table: topic keywords first, then a fallback
// table over the event's own status field. First match wins.
type Mapper struct {
	rules    []rule
	fallback map[string]ledger.Status
}

type rule struct {
	match  string
	status ledger.Status
}

// FromConfig builds a Mapper from the validated config rule list.
func FromConfig(cfg *config.Config) *Mapper {
	m := &Mapper{fallback: map[string]ledger.Status{}}
	for _, r := range cfg.Mapping.Rules {
		m.rules = append(m.rules, rule{
			match:  strings.ToLower(r.Match),
			status: ledger.Status(r.Status),
		})
	}
	for key, status := range cfg.Mapping.Fallback {
		m.fallback[strings.ToLower(key)] = ledger.Status(status)
	}
	return m
}

// Default returns a Mapper over the built-in rule table.
func Default() *Mapper {
	return FromConfig(config.Default("vtid-ledger"))
}

// Map returns the ledger status for a topic, falling back to the event
// status field when no topic rule matches. ok is false when neither yields
// a mapping; such events still count as processed but leave status alone.
func (m *Mapper) Map(topic, eventStatus string) (ledger.Status, bool) {
	lowered := strings.ToLower(topic)
	for _, r := range m.rules {
		if strings.Contains(lowered, r.match) {
			return r.status, true
		}
	}
	if status, ok := m.fallback[strings.ToLower(strings.TrimSpace(eventStatus))]; ok {
		return status, true
	}
	return "", false
}

// Rules exposes the compiled table size for diagnostics.
func (m *Mapper) Rules() int {
	return len(m.rules)
}
