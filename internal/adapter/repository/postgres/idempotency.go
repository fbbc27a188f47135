// Package postgres implements the write pipeline's repositories on
// PostgreSQL via gorm.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	domain "github.com/zenamanage/writepath/internal/domain/idempotency"
	"gorm.io/gorm"
)

// IdempotencyRecordModel is the database DTO with Gorm tags. The unique index
// on scope_key is what serializes concurrent claims.
type IdempotencyRecordModel struct {
	ScopeKey        string `gorm:"primaryKey;type:varchar(512)"`
	Fingerprint     string `gorm:"type:varchar(64);not null"`
	Status          string `gorm:"type:varchar(32);not null"`
	ResponseStatus  int
	ResponseHeaders []byte    `gorm:"type:jsonb"`
	ResponseBody    []byte    `gorm:"type:bytea"`
	ContentType     string    `gorm:"type:varchar(128)"`
	CreatedAt       time.Time `gorm:"not null"`
	ExpiresAt       time.Time `gorm:"not null;index"`
}

func (IdempotencyRecordModel) TableName() string {
	return "idempotency_records"
}

// IdempotencyRepository persists idempotency records in Postgres.
type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// ClaimPending wins or loses the per-key race on the primary key constraint.
// An expired row under the same key is taken over in place.
func (r *IdempotencyRepository) ClaimPending(ctx context.Context, rec *domain.Record) error {
	model := toRecordModel(rec)

	err := r.db.WithContext(ctx).Create(&model).Error
	if err == nil {
		return nil
	}
	if !isDuplicateKey(err) {
		return err
	}

	// Key exists; only an expired record may be replaced.
	result := r.db.WithContext(ctx).Model(&IdempotencyRecordModel{}).
		Where("scope_key = ? AND expires_at <= ?", rec.ScopeKey, rec.CreatedAt).
		Updates(map[string]any{
			"fingerprint":      rec.Fingerprint,
			"status":           domain.StatusPending,
			"response_status":  0,
			"response_headers": nil,
			"response_body":    nil,
			"content_type":     "",
			"created_at":       rec.CreatedAt,
			"expires_at":       rec.ExpiresAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrDuplicateKey
	}
	return nil
}

func (r *IdempotencyRepository) FindByScopeKey(ctx context.Context, scopeKey string) (*domain.Record, error) {
	var model IdempotencyRecordModel
	if err := r.db.WithContext(ctx).Where("scope_key = ?", scopeKey).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return toRecordDomain(model)
}

func (r *IdempotencyRepository) Complete(ctx context.Context, scopeKey string, snap domain.Snapshot, expiresAt time.Time) error {
	headers, err := json.Marshal(snap.Headers)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Model(&IdempotencyRecordModel{}).
		Where("scope_key = ? AND status = ?", scopeKey, domain.StatusPending).
		Updates(map[string]any{
			"status":           domain.StatusCompleted,
			"response_status":  snap.StatusCode,
			"response_headers": headers,
			"response_body":    snap.Body,
			"content_type":     snap.ContentType,
			"expires_at":       expiresAt,
		}).Error
}

func (r *IdempotencyRepository) DeleteClaim(ctx context.Context, scopeKey string) error {
	return r.db.WithContext(ctx).
		Where("scope_key = ? AND status = ?", scopeKey, domain.StatusPending).
		Delete(&IdempotencyRecordModel{}).Error
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&IdempotencyRecordModel{})
	return result.RowsAffected, result.Error
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// gorm's duplicate translation requires TranslateError; fall back to the
	// SQLSTATE in the message for drivers that skip it.
	return err != nil && (strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key"))
}

// Mappers

func toRecordModel(rec *domain.Record) IdempotencyRecordModel {
	headers, _ := json.Marshal(rec.Response.Headers)
	return IdempotencyRecordModel{
		ScopeKey:        rec.ScopeKey,
		Fingerprint:     rec.Fingerprint,
		Status:          string(rec.Status),
		ResponseStatus:  rec.Response.StatusCode,
		ResponseHeaders: headers,
		ResponseBody:    rec.Response.Body,
		ContentType:     rec.Response.ContentType,
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       rec.ExpiresAt,
	}
}

func toRecordDomain(m IdempotencyRecordModel) (*domain.Record, error) {
	var headers map[string]string
	if len(m.ResponseHeaders) > 0 {
		if err := json.Unmarshal(m.ResponseHeaders, &headers); err != nil {
			return nil, err
		}
	}
	return &domain.Record{
		ScopeKey:    m.ScopeKey,
		Fingerprint: m.Fingerprint,
		Status:      domain.RecordStatus(m.Status),
		Response: domain.Snapshot{
			StatusCode:  m.ResponseStatus,
			ContentType: m.ContentType,
			Headers:     headers,
			Body:        m.ResponseBody,
		},
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}, nil
}
