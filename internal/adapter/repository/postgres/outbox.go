package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	domain "github.com/zenamanage/writepath/internal/domain/outbox"
	"gorm.io/gorm"
)

// OutboxEventModel is the database DTO with Gorm tags.
type OutboxEventModel struct {
	ID            int64  `gorm:"primaryKey"`
	TenantID      string `gorm:"type:varchar(64);not null;index:idx_outbox_tenant_created"`
	EventType     string `gorm:"type:varchar(100);not null"`
	EventName     string `gorm:"type:varchar(255);not null"`
	Payload       []byte `gorm:"type:jsonb"`
	CorrelationID string `gorm:"type:varchar(64)"`
	Status        string `gorm:"type:varchar(50);not null;index:idx_outbox_status_created"`
	RetryCount    int    `gorm:"not null;default:0"`
	ErrorMessage  string `gorm:"type:text"`
	ProcessedAt   *time.Time
	CreatedAt     time.Time `gorm:"index:idx_outbox_tenant_created;index:idx_outbox_status_created"`
	UpdatedAt     time.Time
}

func (OutboxEventModel) TableName() string {
	return "outbox_events"
}

// OutboxRepository persists outbox events in Postgres.
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Append inserts using the caller's transaction handle, never its own.
func (r *OutboxRepository) Append(tx *gorm.DB, event *domain.Event) error {
	if tx == nil {
		return errors.New("outbox append requires the caller's transaction")
	}
	model := toOutboxModel(event)
	return tx.Create(&model).Error
}

// ClaimPending selects the oldest pending rows with FOR UPDATE SKIP LOCKED
// and flips them to processing in the same transaction, so concurrent
// dispatcher instances never advance the same row.
func (r *OutboxRepository) ClaimPending(ctx context.Context, batchSize int) ([]domain.Event, error) {
	var models []OutboxEventModel
	now := time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT * FROM outbox_events
			 WHERE status = ?
			 ORDER BY created_at ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			domain.StatusPending,
			batchSize,
		).Scan(&models).Error; err != nil {
			return err
		}

		if len(models) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(models))
		for i := range models {
			ids = append(ids, models[i].ID)
			models[i].Status = string(domain.StatusProcessing)
		}

		return tx.Model(&OutboxEventModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":     domain.StatusProcessing,
				"updated_at": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	events := make([]domain.Event, 0, len(models))
	for _, m := range models {
		events = append(events, *toOutboxDomain(m))
	}
	return events, nil
}

// MarkCompleted finalizes only rows still processing; a row already completed
// by a racing dispatcher is skipped, keeping processing idempotent.
func (r *OutboxRepository) MarkCompleted(ctx context.Context, eventID int64, processedAt time.Time) error {
	return r.db.WithContext(ctx).Model(&OutboxEventModel{}).
		Where("id = ? AND status = ?", eventID, domain.StatusProcessing).
		Updates(map[string]any{
			"status":        domain.StatusCompleted,
			"processed_at":  processedAt,
			"updated_at":    processedAt,
			"error_message": "",
		}).Error
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, eventID int64, errMsg string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&OutboxEventModel{}).
		Where("id = ? AND status = ?", eventID, domain.StatusProcessing).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": errMsg,
			"updated_at":    now,
		}).Error
}

func (r *OutboxRepository) RequeueFailed(ctx context.Context, batchSize, maxRetries int) (int64, error) {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, error_message = '', updated_at = ?
		 WHERE id IN (
		   SELECT id FROM outbox_events
		   WHERE status = ? AND retry_count < ?
		   ORDER BY created_at ASC
		   LIMIT ?
		   FOR UPDATE SKIP LOCKED
		 )`,
		domain.StatusPending,
		time.Now().UTC(),
		domain.StatusFailed,
		maxRetries,
		batchSize,
	)
	return result.RowsAffected, result.Error
}

// RequeueStale returns processing rows whose claim has gone quiet back to
// pending. A dispatcher that dies between claiming and finalizing leaves its
// batch in processing forever; this sweep makes those rows claimable again.
func (r *OutboxRepository) RequeueStale(ctx context.Context, batchSize int, olderThan time.Duration) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Exec(
		`UPDATE outbox_events
		 SET status = ?, updated_at = ?
		 WHERE id IN (
		   SELECT id FROM outbox_events
		   WHERE status = ? AND updated_at < ?
		   ORDER BY created_at ASC
		   LIMIT ?
		   FOR UPDATE SKIP LOCKED
		 )`,
		domain.StatusPending,
		now,
		domain.StatusProcessing,
		now.Add(-olderThan),
		batchSize,
	)
	return result.RowsAffected, result.Error
}

func (r *OutboxRepository) Metrics(ctx context.Context) (*domain.Metrics, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&OutboxEventModel{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	m := &domain.Metrics{}
	for _, row := range rows {
		m.Total += row.Count
		switch domain.EventStatus(row.Status) {
		case domain.StatusPending:
			m.Pending = row.Count
		case domain.StatusProcessing:
			m.Processing = row.Count
		case domain.StatusCompleted:
			m.Completed = row.Count
		case domain.StatusFailed:
			m.Failed = row.Count
		}
	}

	// min(created_at) is SQL NULL when the backlog is drained; NullTime
	// keeps that from surfacing as a scan error.
	var oldest sql.NullTime
	err := r.db.WithContext(ctx).Model(&OutboxEventModel{}).
		Where("status = ?", domain.StatusPending).
		Select("min(created_at)").
		Scan(&oldest).Error
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		m.OldestPendingAge = time.Since(oldest.Time)
	}

	m.Health = domain.ResolveHealth(m.Total, m.Failed, m.OldestPendingAge)
	return m, nil
}

// Mappers

func toOutboxModel(e *domain.Event) OutboxEventModel {
	return OutboxEventModel{
		ID:            e.ID,
		TenantID:      e.TenantID,
		EventType:     e.EventType,
		EventName:     e.EventName,
		Payload:       e.Payload,
		CorrelationID: e.CorrelationID,
		Status:        string(e.Status),
		RetryCount:    e.RetryCount,
		ErrorMessage:  e.ErrorMessage,
		ProcessedAt:   e.ProcessedAt,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func toOutboxDomain(m OutboxEventModel) *domain.Event {
	return &domain.Event{
		ID:            m.ID,
		TenantID:      m.TenantID,
		EventType:     m.EventType,
		EventName:     m.EventName,
		Payload:       m.Payload,
		CorrelationID: m.CorrelationID,
		Status:        domain.EventStatus(m.Status),
		RetryCount:    m.RetryCount,
		ErrorMessage:  m.ErrorMessage,
		ProcessedAt:   m.ProcessedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}
