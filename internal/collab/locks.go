package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"lexcollab/internal/channel"
	"lexcollab/internal/models"
)

// LockManager is the client side of the section-lock protocol. It holds no
// authoritative lock table: correctness (one holder per section) is the
// remote authority's job, and duplicating its state here could only desync.
// All this type does is correlate acquire requests with their success/denied
// answers and guarantee listener cleanup.
//
// Client-observed states per section: UNLOCKED -> PENDING (acquire sent) ->
// LOCKED on success, back to UNLOCKED on denial or timeout. There is no
// grant-on-send; only an explicit success event moves to LOCKED.
type LockManager struct {
	ch      channel.Channel
	timeout time.Duration

	mu          sync.Mutex
	nextID      int
	releasedFns map[int]func(models.LockReleased)
	offReleased func()
}

// NewLockManager returns a manager speaking over ch. Acquire calls give up
// after timeout.
func NewLockManager(ch channel.Channel, timeout time.Duration) *LockManager {
	m := &LockManager{
		ch:          ch,
		timeout:     timeout,
		releasedFns: make(map[int]func(models.LockReleased)),
	}
	m.offReleased = ch.On(models.EventLockReleased, m.handleReleased)
	return m
}

// Acquire requests an exclusive lock on a section (empty sectionID locks the
// whole document). It resolves true only on a correlated success event;
// denial and timeout both resolve false — either way the caller does not
// hold the lock and must not proceed with an exclusive edit. Every listener
// registered for this call is removed before Acquire returns, whichever way
// it settles.
func (m *LockManager) Acquire(ctx context.Context, documentID, sectionID string) (bool, error) {
	target := models.LockRequest{DocumentID: documentID, SectionID: sectionID}
	result := make(chan bool, 1)

	var once sync.Once
	settle := func(granted bool) {
		once.Do(func() { result <- granted })
	}

	match := func(payload json.RawMessage) (models.LockGrant, bool) {
		var g models.LockGrant
		if err := json.Unmarshal(payload, &g); err != nil {
			log.Printf("collab: malformed lock event: %v", err)
			return g, false
		}
		return g, g.DocumentID == documentID && g.SectionID == sectionID
	}

	offSuccess := m.ch.On(models.EventLockSuccess, func(payload json.RawMessage) {
		if _, ok := match(payload); ok {
			settle(true)
		}
	})
	defer offSuccess()

	offDenied := m.ch.On(models.EventLockDenied, func(payload json.RawMessage) {
		if g, ok := match(payload); ok {
			log.Printf("collab: lock denied for %s (held by %s)", target.Key(), g.UserID)
			settle(false)
		}
	})
	defer offDenied()

	if err := m.ch.Send(models.EventLockAcquire, target); err != nil {
		return false, err
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case granted := <-result:
		return granted, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Release gives up a lock. Fire-and-forget: the system favors always being
// able to release over waiting for confirmation.
func (m *LockManager) Release(documentID, sectionID string) error {
	return m.ch.Send(models.EventLockRelease, models.LockRequest{
		DocumentID: documentID,
		SectionID:  sectionID,
	})
}

// OnReleased subscribes to lock-released announcements, used by editor
// surfaces to clear "locked by another user" indicators. Returns an
// unsubscribe func.
func (m *LockManager) OnReleased(fn func(models.LockReleased)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.releasedFns[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.releasedFns, id)
	}
}

func (m *LockManager) handleReleased(payload json.RawMessage) {
	var rel models.LockReleased
	if err := json.Unmarshal(payload, &rel); err != nil {
		log.Printf("collab: malformed lock:released event: %v", err)
		return
	}

	m.mu.Lock()
	fns := make([]func(models.LockReleased), 0, len(m.releasedFns))
	for _, fn := range m.releasedFns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		notifySafely(func() { fn(rel) })
	}
}

// cleanup drops the released subscription and all subscribers. Idempotent.
func (m *LockManager) cleanup() {
	m.mu.Lock()
	off := m.offReleased
	m.offReleased = nil
	m.releasedFns = make(map[int]func(models.LockReleased))
	m.mu.Unlock()
	if off != nil {
		off()
	}
}
