package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"opsledger/internal/config"
	"opsledger/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- events ---

const eventColumns = `id,uid,created_at,topic,COALESCE(service,''),COALESCE(status,''),COALESCE(message,''),vtid,metadata_json`

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var vtid, metadata sql.NullString
	err := scan(&e.ID, &e.UID, &e.CreatedAt, &e.Topic, &e.Service, &e.Status, &e.Message, &vtid, &metadata)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if vtid.Valid {
		e.VTID = &vtid.String
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
	}
	return e, nil
}

func (r Repo) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

// EventsAfter returns events with IDs greater than the cursor in arrival
// order. Arrival order keeps the cursor sound across partial batches; events
// whose timestamps arrive out of order are the stale guard's problem, not
// the cursor's.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type EventFilters struct {
	Topic    string
	Service  string
	VTID     string
	Limit    int
	CursorID int64
}

// LatestEvents returns events newest first for tailing and dashboards.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Topic != "" {
		clauses = append(clauses, "topic=?")
		args = append(args, f.Topic)
	}
	if f.Service != "" {
		clauses = append(clauses, "service=?")
		args = append(args, f.Service)
	}
	if f.VTID != "" {
		clauses = append(clauses, "vtid=?")
		args = append(args, f.VTID)
	}
	if f.CursorID > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.CursorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- ledger entries ---

const ledgerColumns = `vtid,status,layer,module,title,summary,last_event_id,last_event_at,created_at,updated_at`

func scanLedgerEntry(scan func(dest ...any) error) (domain.LedgerEntry, error) {
	var l domain.LedgerEntry
	var layer, module, title, summary sql.NullString
	err := scan(&l.VTID, &l.Status, &layer, &module, &title, &summary, &l.LastEventID, &l.LastEventAt, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if layer.Valid {
		l.Layer = &layer.String
	}
	if module.Valid {
		l.Module = &module.String
	}
	if title.Valid {
		l.Title = &title.String
	}
	if summary.Valid {
		l.Summary = &summary.String
	}
	return l, nil
}

func (r Repo) GetLedgerEntry(ctx context.Context, vtid string) (domain.LedgerEntry, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE vtid=?`, vtid)
	return scanLedgerEntry(row.Scan)
}

func (r Repo) GetLedgerEntryTx(ctx context.Context, tx *sql.Tx, vtid string) (domain.LedgerEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE vtid=?`, vtid)
	return scanLedgerEntry(row.Scan)
}

// UpsertLedgerEntry writes the full entry row. Callers decide validity via
// the state machine first; this is storage only.
func (r Repo) UpsertLedgerEntry(ctx context.Context, tx *sql.Tx, l domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(vtid,status,layer,module,title,summary,last_event_id,last_event_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(vtid) DO UPDATE SET
  status=excluded.status,
  layer=excluded.layer,
  module=excluded.module,
  title=excluded.title,
  summary=excluded.summary,
  last_event_id=excluded.last_event_id,
  last_event_at=excluded.last_event_at,
  updated_at=excluded.updated_at`,
		l.VTID, l.Status, nullableStringPtr(l.Layer), nullableStringPtr(l.Module), nullableStringPtr(l.Title), nullableStringPtr(l.Summary),
		l.LastEventID, l.LastEventAt, l.CreatedAt, l.UpdatedAt)
	return err
}

type LedgerFilters struct {
	Status          string
	Layer           string
	Limit           int
	CursorCreatedAt string
	CursorVTID      string
}

func (r Repo) ListLedgerEntries(ctx context.Context, f LedgerFilters) ([]domain.LedgerEntry, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Layer != "" {
		clauses = append(clauses, "layer=?")
		args = append(args, f.Layer)
	}
	if f.CursorCreatedAt != "" && f.CursorVTID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND vtid < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorVTID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries ` + where + ` ORDER BY created_at DESC, vtid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		l, err := scanLedgerEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CountLedgerByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM ledger_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- projector offsets ---

func (r Repo) GetOffset(ctx context.Context, projectorName string) (domain.ProjectorOffset, error) {
	var o domain.ProjectorOffset
	var lastEventAt sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT projector_name,last_event_id,last_event_at,last_processed_at,events_processed FROM projector_offsets WHERE projector_name=?`, projectorName).
		Scan(&o.ProjectorName, &o.LastEventID, &lastEventAt, &o.LastProcessedAt, &o.EventsProcessed)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if lastEventAt.Valid {
		o.LastEventAt = lastEventAt.String
	}
	return o, err
}

// UpsertOffset advances the projector bookmark. It is written only after a
// batch's ledger writes, so a crash before this point reprocesses the batch.
func (r Repo) UpsertOffset(ctx context.Context, o domain.ProjectorOffset) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projector_offsets(projector_name,last_event_id,last_event_at,last_processed_at,events_processed)
VALUES (?,?,?,?,?)
ON CONFLICT(projector_name) DO UPDATE SET
  last_event_id=excluded.last_event_id,
  last_event_at=excluded.last_event_at,
  last_processed_at=excluded.last_processed_at,
  events_processed=excluded.events_processed`,
		o.ProjectorName, o.LastEventID, nullable(o.LastEventAt), o.LastProcessedAt, o.EventsProcessed)
	return err
}

// --- mapping config ---

// UpsertMappingConfig stores the validated YAML config in the DB so servers
// and projectors share one rule table.
func (r Repo) UpsertMappingConfig(ctx context.Context, name string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO mapping_configs(name,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, name, string(payload), now, now)
	return err
}

func (r Repo) GetMappingConfig(ctx context.Context, name string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM mapping_configs WHERE name=?`, name).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(payload))
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
