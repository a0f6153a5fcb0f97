package server

import (
	"opsledger/internal/domain"
	"opsledger/internal/projector"
)

// Request payloads

type AppendEventRequest struct {
	UID      *string        `json:"uid,omitempty"`
	Topic    string         `json:"topic"`
	Service  string         `json:"service,omitempty"`
	Status   string         `json:"status,omitempty"`
	Message  string         `json:"message,omitempty"`
	VTID     *string        `json:"vtid,omitempty"`
	TS       *string        `json:"ts,omitempty" format:"date-time"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type RunSyncRequest struct {
	Cursor    *int64 `json:"cursor,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type EventResponse struct {
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

type LedgerEntryResponse struct {
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

type OffsetResponse struct {
	ProjectorName   string `json:"projector_name"`
	LastEventID     int64  `json:"last_event_id"`
	LastEventAt     string `json:"last_event_at,omitempty" format:"date-time"`
	LastProcessedAt string `json:"last_processed_at,omitempty" format:"date-time"`
	EventsProcessed int64  `json:"events_processed"`
}

type SyncResultResponse struct {
	NextCursor  int64  `json:"next_cursor"`
	LastEventAt string `json:"last_event_at,omitempty"`
	Processed   int    `json:"processed"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Skipped     int    `json:"skipped"`
	Errors      int    `json:"errors"`
	SyncEventID int64  `json:"sync_event_id,omitempty"`
}

type LedgerSummaryResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present on creation; the plaintext is never stored.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedLedger struct {
	Items      []LedgerEntryResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

// Converters

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		UID:       e.UID,
		CreatedAt: e.CreatedAt,
		Topic:     e.Topic,
		Service:   e.Service,
		Status:    e.Status,
		Message:   e.Message,
		VTID:      e.VTID,
		Metadata:  e.Metadata,
	}
}

func ledgerEntryResponse(l domain.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		VTID:        l.VTID,
		Status:      l.Status,
		Layer:       l.Layer,
		Module:      l.Module,
		Title:       l.Title,
		Summary:     l.Summary,
		LastEventID: l.LastEventID,
		LastEventAt: l.LastEventAt,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
}

func offsetResponse(o domain.ProjectorOffset) OffsetResponse {
	return OffsetResponse{
		ProjectorName:   o.ProjectorName,
		LastEventID:     o.LastEventID,
		LastEventAt:     o.LastEventAt,
		LastProcessedAt: o.LastProcessedAt,
		EventsProcessed: o.EventsProcessed,
	}
}

func syncResultResponse(r projector.Result) SyncResultResponse {
	return SyncResultResponse{
		NextCursor:  r.NextCursor,
		LastEventAt: r.LastEventAt,
		Processed:   r.Processed,
		Created:     r.Created,
		Updated:     r.Updated,
		Skipped:     r.Skipped,
		Errors:      r.Errors,
		SyncEventID: r.SyncEventID,
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
