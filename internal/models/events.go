package models

import "encoding/json"

// Wire event names for the collaboration protocol. The set is closed: every
// inbound event a client handles and every outbound event it produces is
// named here, and the coordinator dispatches over these names exhaustively.
const (
	// Outbound (client → authority)
	EventJoin        = "collaboration:join"
	EventLeave       = "collaboration:leave"
	EventCursor      = "collaboration:cursor"
	EventChange      = "collaboration:change"
	EventLockAcquire = "collaboration:lock:acquire"
	EventLockRelease = "collaboration:lock:release"

	// Inbound (authority → client)
	EventJoined            = "collaboration:joined"
	EventParticipantJoined = "collaboration:participant:joined"
	EventParticipantLeft   = "collaboration:participant:left"
	EventCursorUpdate      = "collaboration:cursor:update"
	EventCursorRemoved     = "cursor:removed"
	EventChangeApply       = "collaboration:change:apply"
	EventChangeAck         = "collaboration:change:ack"
	EventVersionConflict   = "collaboration:version:conflict"
	EventLockSuccess       = "collaboration:lock:success"
	EventLockDenied        = "collaboration:lock:denied"
	EventLockReleased      = "collaboration:lock:released"
)

// JoinRequest asks the authority to add this client to a document session.
type JoinRequest struct {
	DocumentID string `json:"documentId"`
}

// LeaveRequest is the fire-and-forget departure notification.
type LeaveRequest struct {
	DocumentID string `json:"documentId"`
}

// ParticipantJoined announces a new participant, carrying the full updated
// participant list so receivers replace rather than patch.
type ParticipantJoined struct {
	SessionID    string   `json:"sessionId"`
	UserID       string   `json:"userId"`
	UserName     string   `json:"userName"`
	Participants []string `json:"participants"`
}

// ParticipantLeft announces a departure with the updated participant list.
type ParticipantLeft struct {
	SessionID    string   `json:"sessionId"`
	UserID       string   `json:"userId"`
	Participants []string `json:"participants"`
}

// CursorBroadcast is the outbound cursor/selection advertisement. Loss is
// tolerated: a stale cursor self-corrects on the next move.
type CursorBroadcast struct {
	DocumentID string          `json:"documentId"`
	Position   CursorPosition  `json:"position"`
	Selection  *SelectionRange `json:"selection,omitempty"`
	Color      string          `json:"color"`
	IsIdle     bool            `json:"isIdle,omitempty"`
}

// CursorRemoved tells receivers to drop a participant's cursor without a
// participant-list change (idle sweep on the authority side).
type CursorRemoved struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

// ChangeSubmit is the outbound edit batch, tagged with the version the
// sender believes results from applying it.
type ChangeSubmit struct {
	DocumentID string            `json:"documentId"`
	Operations []json.RawMessage `json:"operations"`
	Version    int64             `json:"version"`
}

// ChangeAck confirms the sender's own change; receivers advance their
// version without re-applying operations.
type ChangeAck struct {
	DocumentID string `json:"documentId"`
	Version    int64  `json:"version"`
}

// LockRequest identifies a lock target. An empty SectionID means the whole
// document.
type LockRequest struct {
	DocumentID string `json:"documentId"`
	SectionID  string `json:"sectionId,omitempty"`
}

// Key returns the identity of the lock target.
func (r LockRequest) Key() string {
	if r.SectionID == "" {
		return r.DocumentID
	}
	return r.DocumentID + "/" + r.SectionID
}

// LockGrant is the authority's answer to an acquire: on success UserID is
// the requester, on denial it is the current holder.
type LockGrant struct {
	DocumentID string `json:"documentId"`
	SectionID  string `json:"sectionId,omitempty"`
	UserID     string `json:"userId"`
	GrantID    string `json:"grantId,omitempty"`
}

// LockReleased announces that a section became free.
type LockReleased struct {
	DocumentID string `json:"documentId"`
	SectionID  string `json:"sectionId,omitempty"`
}
