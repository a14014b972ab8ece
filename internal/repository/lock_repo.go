package repository

import (
	"context"
	"fmt"

	"lexcollab/internal/models"

	"gorm.io/gorm"
)

// LockAuditRepo is the append-only trail of lock decisions. Legal review
// workflows use it to answer "who held this section when".
type LockAuditRepo struct {
	db *gorm.DB
}

// NewLockAuditRepo creates a lock audit repository.
func NewLockAuditRepo(db *gorm.DB) *LockAuditRepo {
	return &LockAuditRepo{db: db}
}

// Record appends one lock decision.
func (r *LockAuditRepo) Record(ctx context.Context, entry *models.LockAudit) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to record lock audit: %w", err)
	}
	return nil
}

// ForDocument lists the most recent lock decisions for a document, newest
// first.
func (r *LockAuditRepo) ForDocument(ctx context.Context, documentID string, limit int) ([]*models.LockAudit, error) {
	var entries []*models.LockAudit
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load lock audit: %w", err)
	}
	return entries, nil
}
