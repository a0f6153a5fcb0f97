package projector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"opsledger/internal/config"
	"opsledger/internal/domain"
	"opsledger/internal/events"
	"opsledger/internal/ledger"
	"opsledger/internal/repo"
	"opsledger/internal/statusmap"
	"opsledger/internal/vtid"
)

// Projector folds the event stream into ledger entries. Each batch run is
// resumable: the offset row is written only after the batch's ledger writes,
// so a crash replays the batch and the stale-timestamp guard plus upserts
// keep the replay harmless.
type Projector struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Extractor *vtid.Extractor
	Mapper    *statusmap.Mapper
	Cfg       *config.Config
	Name      string
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Projector {
	return &Projector{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Extractor: vtid.New(cfg.VTID.Prefix, cfg.VTID.MetadataKey),
		Mapper:    statusmap.FromConfig(cfg),
		Cfg:       cfg,
		Name:      cfg.Projector.Name,
	}
}

func (p *Projector) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// Params controls a single batch run. Cursor is the event ID high-water
// mark; events with greater IDs are eligible.
type Params struct {
	Cursor    int64
	BatchSize int
}

// Result summarizes a batch run. NextCursor equals Params.Cursor when the
// batch was empty.
type Result struct {
	NextCursor  int64  `json:"next_cursor"`
	LastEventAt string `json:"last_event_at,omitempty"`
	Processed   int    `json:"processed"`
	Created     int    `json:"created"`
	Updated     int    `json:"updated"`
	Skipped     int    `json:"skipped"`
	Errors      int    `json:"errors"`
	SyncEventID int64  `json:"sync_event_id,omitempty"`
}

// LoadCursor returns the persisted offset for this projector, or zero when
// it has never run.
func (p *Projector) LoadCursor(ctx context.Context) (int64, error) {
	off, err := p.Repo.GetOffset(ctx, p.Name)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return off.LastEventID, nil
}

// RunFromOffset loads the persisted cursor and processes one batch.
func (p *Projector) RunFromOffset(ctx context.Context, batchSize int) (Result, error) {
	cursor, err := p.LoadCursor(ctx)
	if err != nil {
		return Result{}, err
	}
	return p.Run(ctx, Params{Cursor: cursor, BatchSize: batchSize})
}

// Run processes one batch of events past the cursor. Individual events that
// fail are logged and counted, never fatal; only batch fetch and offset
// bookkeeping errors abort the run, leaving the stored offset untouched.
func (p *Projector) Run(ctx context.Context, params Params) (Result, error) {
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = p.Cfg.Projector.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	res := Result{NextCursor: params.Cursor}
	batch, err := p.Repo.EventsAfter(ctx, batchSize, params.Cursor)
	if err != nil {
		return res, fmt.Errorf("fetch events after %d: %w", params.Cursor, err)
	}
	if len(batch) == 0 {
		return res, nil
	}

	for _, e := range batch {
		if e.ID > res.NextCursor {
			res.NextCursor = e.ID
			res.LastEventAt = e.CreatedAt
		}
		if e.Topic == events.TopicLedgerSync {
			continue
		}
		res.Processed++
		if err := p.apply(ctx, e, &res); err != nil {
			res.Errors++
			log.Printf("projector %s: event %d (%s): %v", p.Name, e.ID, e.Topic, err)
		}
	}

	if err := p.saveOffset(ctx, res); err != nil {
		return res, fmt.Errorf("save offset: %w", err)
	}

	// A batch of nothing but prior sync events gets no summary, otherwise
	// an idle loop would feed itself forever.
	if res.Processed > 0 {
		syncEvent, err := p.Events.Append(ctx, p.summaryEvent(res))
		if err != nil {
			// The batch and offset landed; the missing summary only costs audit trail.
			log.Printf("projector %s: append summary: %v", p.Name, err)
		} else {
			res.SyncEventID = syncEvent.ID
		}
	}
	return res, nil
}

// apply folds a single event into its ledger entry.
func (p *Projector) apply(ctx context.Context, e domain.Event, res *Result) error {
	id, ok := p.Extractor.Extract(e)
	if !ok {
		res.Skipped++
		return nil
	}

	status, statusKnown := p.Mapper.Map(e.Topic, e.Status)
	fields := p.fields(e)
	now := p.now().Format(time.RFC3339)

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing *domain.LedgerEntry
	entry, err := p.Repo.GetLedgerEntryTx(ctx, tx, id)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil {
		existing = &entry
	}

	decision := ledger.Apply(existing, id, status, statusKnown, fields, e.ID, e.CreatedAt, now)
	switch decision.Outcome {
	case ledger.OutcomeCreate:
		res.Created++
	case ledger.OutcomeUpdate, ledger.OutcomeTouch:
		res.Updated++
	case ledger.OutcomeSkipStale, ledger.OutcomeSkipInvalid:
		res.Skipped++
		log.Printf("projector %s: skip %s: %s", p.Name, id, decision.Reason)
		return nil
	}

	if err := p.Repo.UpsertLedgerEntry(ctx, tx, decision.Entry); err != nil {
		return err
	}
	return tx.Commit()
}

// fields pulls descriptive metadata off the event using the configured keys.
func (p *Projector) fields(e domain.Event) ledger.Fields {
	f := ledger.Fields{
		Layer:   metaString(e.Metadata, p.Cfg.Metadata.LayerKey),
		Module:  metaString(e.Metadata, p.Cfg.Metadata.ModuleKey),
		Title:   metaString(e.Metadata, p.Cfg.Metadata.TitleKey),
		Summary: metaString(e.Metadata, p.Cfg.Metadata.SummaryKey),
		Message: e.Message,
	}
	if f.Layer == "" {
		f.Layer = metaString(e.Metadata, p.Cfg.Metadata.LayerFallback)
	}
	return f
}

func (p *Projector) saveOffset(ctx context.Context, res Result) error {
	prev, err := p.Repo.GetOffset(ctx, p.Name)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return p.Repo.UpsertOffset(ctx, domain.ProjectorOffset{
		ProjectorName:   p.Name,
		LastEventID:     res.NextCursor,
		LastEventAt:     res.LastEventAt,
		LastProcessedAt: p.now().Format(time.RFC3339),
		EventsProcessed: prev.EventsProcessed + int64(res.Processed),
	})
}

// summaryEvent builds the ledger_sync audit event for a completed batch.
// Warning status signals partial failure without failing the run.
func (p *Projector) summaryEvent(res Result) domain.Event {
	status := "success"
	if res.Errors > 0 {
		status = "warning"
	}
	return domain.Event{
		Topic:   events.TopicLedgerSync,
		Service: p.Name,
		Status:  status,
		Message: fmt.Sprintf("ledger sync: %d processed, %d created, %d updated, %d errors", res.Processed, res.Created, res.Updated, res.Errors),
		Metadata: map[string]any{
			"processed":   res.Processed,
			"created":     res.Created,
			"updated":     res.Updated,
			"skipped":     res.Skipped,
			"errors":      res.Errors,
			"next_cursor": res.NextCursor,
		},
	}
}

// Loop polls for new events until the context is cancelled. One run per
// tick; an immediate run happens before the first tick.
func (p *Projector) Loop(ctx context.Context, interval time.Duration, batchSize int) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if res, err := p.RunFromOffset(ctx, batchSize); err != nil {
			log.Printf("projector %s: run: %v", p.Name, err)
		} else if res.Processed > 0 {
			log.Printf("projector %s: processed %d (cursor %d)", p.Name, res.Processed, res.NextCursor)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func metaString(m map[string]any, key string) string {
	if key == "" || m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
