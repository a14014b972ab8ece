package collab

import (
	"lexcollab/internal/channel"
	"lexcollab/internal/models"
)

// PresenceTracker broadcasts this client's cursor and selection. Cursor
// state is advisory and ephemeral: sends are fire-and-forget with no retry,
// because a dropped update self-corrects on the next move. Last write wins
// per participant; there is no cross-participant ordering.
type PresenceTracker struct {
	ch channel.Channel
}

// NewPresenceTracker returns a tracker speaking over ch.
func NewPresenceTracker(ch channel.Channel) *PresenceTracker {
	return &PresenceTracker{ch: ch}
}

// UpdateCursor advertises the local cursor position, optional selection and
// display color for a document.
func (p *PresenceTracker) UpdateCursor(documentID string, position models.CursorPosition, selection *models.SelectionRange, color string) error {
	return p.Broadcast(models.CursorBroadcast{
		DocumentID: documentID,
		Position:   position,
		Selection:  selection,
		Color:      color,
	})
}

// Broadcast sends a fully specified cursor advertisement, including the
// sender-computed idle hint. Receivers never compute idleness themselves.
func (p *PresenceTracker) Broadcast(b models.CursorBroadcast) error {
	return p.ch.Send(models.EventCursor, b)
}
