package repository

import (
	"context"
	"fmt"
	"time"

	"lexcollab/internal/models"

	"gorm.io/gorm"
)

// SessionRepo persists the membership history of collaboration sessions:
// who joined which case document, and when they left. Document content is
// never stored here.
type SessionRepo struct {
	db *gorm.DB
}

// NewSessionRepo creates a session repository.
func NewSessionRepo(db *gorm.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// RecordJoin inserts a membership record. The record's ID is populated on
// return.
func (r *SessionRepo) RecordJoin(ctx context.Context, rec *models.SessionRecord) error {
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record session join: %w", err)
	}
	return nil
}

// Touch refreshes a membership's last-active timestamp.
func (r *SessionRepo) Touch(ctx context.Context, recordID string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.SessionRecord{}).
		Where("id = ?", recordID).
		Update("last_active_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to touch session record: %w", err)
	}
	return nil
}

// RecordLeave closes a membership record.
func (r *SessionRepo) RecordLeave(ctx context.Context, recordID string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.SessionRecord{}).
		Where("id = ?", recordID).
		Updates(map[string]any{"left_at": at, "last_active_at": at}).Error
	if err != nil {
		return fmt.Errorf("failed to record session leave: %w", err)
	}
	return nil
}

// HistoryForDocument lists the most recent memberships for a document,
// newest first.
func (r *SessionRepo) HistoryForDocument(ctx context.Context, documentID string, limit int) ([]*models.SessionRecord, error) {
	var records []*models.SessionRecord
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("connected_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	return records, nil
}
