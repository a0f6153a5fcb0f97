// Package vtid extracts task identifiers from events.
package vtid

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"opsledger/internal/domain"
)

// Extractor resolves the VTID for an event: the direct field first, then the
// reserved metadata key, then a pattern scan of the free-text message.
type Extractor struct {
	Prefix      string
	MetadataKey string

	once sync.Once
	re   *regexp.Regexp
}

// New returns an Extractor for the given prefix and metadata key.
func New(prefix, metadataKey string) *Extractor {
	if prefix == "" {
		prefix = "VTID"
	}
	if metadataKey == "" {
		metadataKey = "vtid"
	}
	return &Extractor{Prefix: prefix, MetadataKey: metadataKey}
}

func (x *Extractor) pattern() *regexp.Regexp {
	x.once.Do(func() {
		x.re = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(x.Prefix) + `[-:][A-Za-z0-9][A-Za-z0-9-]*`)
	})
	return x.re
}

// Extract returns the event's task identifier, or false if none applies.
// Events without an identifier are valid; they just have no ledger effect.
func (x *Extractor) Extract(e domain.Event) (string, bool) {
	if e.VTID != nil {
		if id := strings.TrimSpace(*e.VTID); id != "" {
			return x.normalize(id), true
		}
	}
	if e.Metadata != nil {
		if raw, ok := e.Metadata[x.MetadataKey]; ok && raw != nil {
			if id := strings.TrimSpace(fmt.Sprint(raw)); id != "" {
				return x.normalize(id), true
			}
		}
	}
	if e.Message != "" {
		if match := x.pattern().FindString(e.Message); match != "" {
			return x.normalize(match), true
		}
	}
	return "", false
}

// normalize upper-cases the prefix and unifies the delimiter so that
// "vtid:0042" and "VTID-0042" name the same ledger entry.
func (x *Extractor) normalize(id string) string {
	prefix := strings.ToUpper(x.Prefix)
	if len(id) > len(prefix) && strings.EqualFold(id[:len(prefix)], prefix) {
		sep := id[len(prefix)]
		if sep == ':' || sep == '-' {
			return prefix + "-" + id[len(prefix)+1:]
		}
	}
	return id
}
