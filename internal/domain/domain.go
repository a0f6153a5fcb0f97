package domain

// Event is an immutable row in the append-only event log. Producers insert
// events; nothing ever updates or deletes them. The ledger is derived state.
type Event struct {
	ID        int64          `json:"id"`
	UID       string         `json:"uid"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	Topic     string         `json:"topic"`
	Service   string         `json:"service,omitempty"`
	Status    string         `json:"status,omitempty"`
	Message   string         `json:"message,omitempty"`
	VTID      *string        `json:"vtid,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// LedgerEntry is the materialized per-task view computed from the event stream.
type LedgerEntry struct {
	VTID        string  `json:"vtid"`
	Status      string  `json:"status" enum:"pending,active,complete,blocked,cancelled"`
	Layer       *string `json:"layer,omitempty"`
	Module      *string `json:"module,omitempty"`
	Title       *string `json:"title,omitempty"`
	Summary     *string `json:"summary,omitempty"`
	LastEventID int64   `json:"last_event_id"`
	LastEventAt string  `json:"last_event_at" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// ProjectorOffset is the durable bookmark for one projector.
type ProjectorOffset struct {
	ProjectorName   string `json:"projector_name"`
	LastEventID     int64  `json:"last_event_id"`
	LastEventAt     string `json:"last_event_at,omitempty" format:"date-time"`
	LastProcessedAt string `json:"last_processed_at" format:"date-time"`
	EventsProcessed int64  `json:"events_processed"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
