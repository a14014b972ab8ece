package collab

import (
	"encoding/json"
	"sync"

	"lexcollab/internal/channel"
	"lexcollab/internal/models"
)

// ChangeOutcome classifies an incoming change against the locally observed
// document version.
type ChangeOutcome int

const (
	// ChangeApply: the change is the exact successor of the local version.
	ChangeApply ChangeOutcome = iota
	// ChangeStale: the change's version is not ahead of the local version;
	// it has already been observed (commonly the echo of our own edit).
	ChangeStale
	// ChangeConflict: the change skips ahead of the expected version. The
	// local view is missing history and must resynchronize.
	ChangeConflict
)

// ChangePropagator sends ordered edit batches and classifies incoming ones.
// It is optimistic: Submit does not wait for acknowledgment, it only records
// the last version sent per document so concurrent inbound changes can be
// checked against it. It never buffers or reorders; gaps are detected and
// reported, nothing more.
type ChangePropagator struct {
	ch channel.Channel

	mu       sync.Mutex
	lastSent map[string]int64
}

// NewChangePropagator returns a propagator speaking over ch.
func NewChangePropagator(ch channel.Channel) *ChangePropagator {
	return &ChangePropagator{
		ch:       ch,
		lastSent: make(map[string]int64),
	}
}

// Submit transmits an operation batch tagged with the version the sender
// believes results from it. Fire-and-forget; the acknowledgment arrives
// later as a change:ack event.
func (p *ChangePropagator) Submit(documentID string, operations []json.RawMessage, version int64) error {
	err := p.ch.Send(models.EventChange, models.ChangeSubmit{
		DocumentID: documentID,
		Operations: operations,
		Version:    version,
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if version > p.lastSent[documentID] {
		p.lastSent[documentID] = version
	}
	p.mu.Unlock()
	return nil
}

// LastSent reports the highest version submitted for a document, zero if
// none.
func (p *ChangePropagator) LastSent(documentID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSent[documentID]
}

// Evaluate classifies an incoming change against the current local version.
// Conflict detection is purely version-based; content is never diffed.
func (p *ChangePropagator) Evaluate(current int64, incoming *models.DocumentChange) ChangeOutcome {
	switch {
	case incoming.Version == current+1:
		return ChangeApply
	case incoming.Version <= current:
		return ChangeStale
	default:
		return ChangeConflict
	}
}

// Reset forgets per-document send tracking. Called when a session ends.
func (p *ChangePropagator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSent = make(map[string]int64)
}
