package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinic-booking-pipeline/internal/events"
)

type eventSource interface {
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]events.Event, error)
	Delete(ctx context.Context, ids []string) (int, error)
}

// Retention moves terminal webhook events older than the retention window
// to S3 and deletes them from Postgres. Rows are only deleted after their
// batch is written.
type Retention struct {
	source    eventSource
	store     *Store
	logger    *slog.Logger
	retention time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

func NewRetention(source eventSource, store *Store, retention time.Duration, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Retention{
		source:    source,
		store:     store,
		logger:    logger,
		retention: retention,
		interval:  time.Hour,
		batchSize: 500,
		now:       time.Now,
	}
}

func (r *Retention) WithInterval(d time.Duration) *Retention {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Retention) WithBatchSize(n int) *Retention {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Retention) Run(ctx context.Context) {
	if r.source == nil || !r.store.Enabled() {
		r.logger.Info("webhook event archive disabled")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("webhook event archive failed", "error", err)
			}
		}
	}
}

// RunOnce archives and deletes one batch, returning how many rows were removed.
func (r *Retention) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	evts, err := r.source.ListTerminalBefore(ctx, now.Add(-r.retention), r.batchSize)
	if err != nil || len(evts) == 0 {
		return 0, err
	}
	records := make([]EventRecord, 0, len(evts))
	ids := make([]string, 0, len(evts))
	for i := range evts {
		records = append(records, toRecord(&evts[i]))
		ids = append(ids, evts[i].ID)
	}
	if _, err := r.store.ArchiveBatch(ctx, uuid.NewString(), records, now); err != nil {
		return 0, err
	}
	deleted, err := r.source.Delete(ctx, ids)
	if err != nil {
		return 0, err
	}
	r.logger.Info("webhook events archived", "archived", len(records), "deleted", deleted)
	return deleted, nil
}

func toRecord(e *events.Event) EventRecord {
	return EventRecord{
		Version:     "1.0",
		EventID:     e.ID,
		OrgID:       e.OrgID,
		Type:        e.Type,
		Status:      string(e.Status),
		Attempts:    e.Attempts,
		LastError:   ScrubPII(e.LastError),
		PhoneHash:   HashPhone(e.Hint.PhoneNumber),
		Payload:     ScrubPII(string(e.Payload)),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		CompletedAt: e.CompletedAt,
	}
}
