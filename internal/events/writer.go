package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsledger/internal/domain"
)

// TopicLedgerSync is the summary event emitted after each projection batch.
const TopicLedgerSync = "ledger_sync"

// Writer appends events to the append-only log. Rows are never updated or
// deleted; readers derive everything else.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append inserts one event, assigning its uid and created_at unless the
// caller provided them. The stored row (with id) is returned.
func (w Writer) Append(ctx context.Context, e domain.Event) (domain.Event, error) {
	return w.append(ctx, nil, e)
}

// AppendTx is Append inside an existing transaction.
func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, e domain.Event) (domain.Event, error) {
	return w.append(ctx, tx, e)
}

func (w Writer) append(ctx context.Context, tx *sql.Tx, e domain.Event) (domain.Event, error) {
	if e.Topic == "" {
		return e, fmt.Errorf("event topic required")
	}
	if e.UID == "" {
		e.UID = uuid.New().String()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = w.now().UTC().Format(time.RFC3339)
	} else {
		// Store timestamps in UTC so the ledger's recency checks can compare
		// them lexicographically. A caller-provided zone offset would
		// otherwise sort an earlier instant after a later one.
		ts, err := time.Parse(time.RFC3339, e.CreatedAt)
		if err != nil {
			return e, fmt.Errorf("invalid event timestamp %q: %w", e.CreatedAt, err)
		}
		e.CreatedAt = ts.UTC().Format(time.RFC3339)
	}
	var metadata any
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return e, fmt.Errorf("marshal event metadata: %w", err)
		}
		metadata = string(data)
	}
	const q = `INSERT INTO events(uid,created_at,topic,service,status,message,vtid,metadata_json) VALUES (?,?,?,?,?,?,?,?)`
	args := []any{e.UID, e.CreatedAt, e.Topic, nullable(e.Service), nullable(e.Status), nullable(e.Message), nullableStringPtr(e.VTID), metadata}
	var (
		res sql.Result
		err error
	)
	if tx != nil {
		res, err = tx.ExecContext(ctx, q, args...)
	} else {
		res, err = w.DB.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return e, err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
