package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// SessionRecord is the persisted trace of one participant's membership in a
// collaboration session. Document content is never persisted here; this is
// metadata for auditing who worked on a case document and when.
type SessionRecord struct {
	ID           string         `json:"id" gorm:"type:char(27);primaryKey"`
	SessionID    string         `json:"session_id" gorm:"type:char(27);index;not null"`
	DocumentID   string         `json:"document_id" gorm:"type:text;index;not null"`
	UserID       string         `json:"user_id" gorm:"type:text;not null"`
	UserName     string         `json:"user_name" gorm:"type:text"`
	Participants pq.StringArray `json:"participants" gorm:"type:text[]"`
	ConnectedAt  time.Time      `json:"connected_at" gorm:"autoCreateTime"`
	LastActiveAt time.Time      `json:"last_active_at"`
	LeftAt       *time.Time     `json:"left_at,omitempty"`
}

// BeforeCreate hook generates a KSUID before inserting.
func (r *SessionRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	return nil
}

// LockAction enumerates the auditable outcomes of the lock protocol.
type LockAction string

const (
	LockActionGranted  LockAction = "granted"
	LockActionDenied   LockAction = "denied"
	LockActionReleased LockAction = "released"
)

// LockAudit is an append-only record of every lock decision the authority
// makes. Legal review workflows want to know who held which section when.
type LockAudit struct {
	ID         string     `json:"id" gorm:"type:char(27);primaryKey"`
	DocumentID string     `json:"document_id" gorm:"type:text;index;not null"`
	SectionID  string     `json:"section_id" gorm:"type:text"`
	UserID     string     `json:"user_id" gorm:"type:text;not null"`
	Action     LockAction `json:"action" gorm:"type:varchar(20);not null"`
	GrantID    string     `json:"grant_id" gorm:"type:char(36)"`
	CreatedAt  time.Time  `json:"created_at" gorm:"autoCreateTime"`
}

// BeforeCreate hook generates a KSUID before inserting.
func (a *LockAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = ksuid.New().String()
	}
	return nil
}
