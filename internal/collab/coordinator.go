// Package collab implements the client side of real-time collaboration on
// case documents: session lifecycle, participant presence, ordered change
// propagation with version-conflict detection, and section locking. The
// Coordinator is the only entry point; it speaks over a channel.Channel and
// fans inbound events out to per-instance subscriber sets. Construct one
// coordinator per collaboration surface and tear it down with Cleanup.
package collab

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"lexcollab/internal/channel"
	"lexcollab/internal/models"
)

const (
	// DefaultJoinTimeout bounds how long Join waits for the joined snapshot.
	DefaultJoinTimeout = 5 * time.Second
	// DefaultLockTimeout bounds how long Acquire waits for a lock answer.
	DefaultLockTimeout = 5 * time.Second
)

// ChangeEvent is one notification on the change stream: either a remote
// change to apply or a version conflict to resolve. Exactly one field is
// set.
type ChangeEvent struct {
	Change   *models.DocumentChange
	Conflict *models.VersionConflict
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJoinTimeout overrides the join acknowledgment timeout.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.joinTimeout = d }
}

// WithLockTimeout overrides the lock acquire timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTimeout = d }
}

// Coordinator owns the single live Session and is its only writer. Presence,
// change propagation and locking are delegated to sub-components that hold
// no session state of their own; ending a session clears everything, so
// nothing leaks into the next one.
type Coordinator struct {
	ch          channel.Channel
	joinTimeout time.Duration
	lockTimeout time.Duration

	presence *PresenceTracker
	changes  *ChangePropagator
	locks    *LockManager

	mu       sync.Mutex
	session  *models.Session
	joinWait chan struct{}
	closed   bool
	offs     []func()

	nextSubID       int
	sessionSubs     map[int]func(*models.Session)
	cursorSubs      map[int]func([]models.CursorState)
	changeSubs      map[int]func(ChangeEvent)
	participantSubs map[int]func([]string)
}

// NewCoordinator builds a coordinator over ch and registers its inbound
// event handlers. The caller owns the channel's lifetime.
func NewCoordinator(ch channel.Channel, opts ...Option) *Coordinator {
	c := &Coordinator{
		ch:              ch,
		joinTimeout:     DefaultJoinTimeout,
		lockTimeout:     DefaultLockTimeout,
		sessionSubs:     make(map[int]func(*models.Session)),
		cursorSubs:      make(map[int]func([]models.CursorState)),
		changeSubs:      make(map[int]func(ChangeEvent)),
		participantSubs: make(map[int]func([]string)),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.presence = NewPresenceTracker(ch)
	c.changes = NewChangePropagator(ch)
	c.locks = NewLockManager(ch, c.lockTimeout)

	// Inbound dispatch table. Every contracted event name is bound here;
	// join/lock request-response correlation is handled per call.
	c.offs = []func(){
		ch.On(models.EventJoined, c.handleJoined),
		ch.On(models.EventParticipantJoined, c.handleParticipantJoined),
		ch.On(models.EventParticipantLeft, c.handleParticipantLeft),
		ch.On(models.EventCursorUpdate, c.handleCursorUpdate),
		ch.On(models.EventCursorRemoved, c.handleCursorRemoved),
		ch.On(models.EventChangeApply, c.handleChangeApply),
		ch.On(models.EventChangeAck, c.handleChangeAck),
		ch.On(models.EventVersionConflict, c.handleVersionConflict),
	}
	return c
}

// Join requests membership in a document's collaboration session and blocks
// until the authority's joined snapshot arrives, the timeout elapses, or ctx
// is canceled. A timed-out join leaves no partial state behind. Joining
// while a session is active is rejected; Leave first.
func (c *Coordinator) Join(ctx context.Context, documentID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCoordinatorClosed
	}
	if c.session != nil {
		c.mu.Unlock()
		return ErrSessionActive
	}
	if c.joinWait != nil {
		c.mu.Unlock()
		return ErrJoinInProgress
	}
	wait := make(chan struct{})
	c.joinWait = wait
	c.mu.Unlock()

	if err := c.ch.Send(models.EventJoin, models.JoinRequest{DocumentID: documentID}); err != nil {
		c.abortJoin(wait)
		return err
	}

	timer := time.NewTimer(c.joinTimeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-timer.C:
		if c.abortJoin(wait) {
			return nil // snapshot won the race with the timer
		}
		return ErrJoinTimeout
	case <-ctx.Done():
		if c.abortJoin(wait) {
			return nil
		}
		return ctx.Err()
	}
}

// abortJoin withdraws a pending join waiter. Returns true if the join had
// already completed, in which case the session stands.
func (c *Coordinator) abortJoin(wait chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinWait == wait {
		c.joinWait = nil
		return false
	}
	return c.session != nil
}

// Leave announces departure and clears local state immediately, without
// waiting for confirmation. Optimistic by design: the local view updates
// first, trading a small stale-rejoin race for responsiveness. A Leave with
// no matching session is a no-op and sends nothing.
func (c *Coordinator) Leave(documentID string) {
	c.mu.Lock()
	if c.session == nil || c.session.DocumentID != documentID {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.changes.Reset()
	notify := c.snapshotAllLocked()
	c.mu.Unlock()

	if err := c.ch.Send(models.EventLeave, models.LeaveRequest{DocumentID: documentID}); err != nil {
		log.Printf("collab: leave notification failed: %v", err)
	}
	notify()
}

// UpdateCursor broadcasts the local cursor state. Fire-and-forget.
func (c *Coordinator) UpdateCursor(documentID string, position models.CursorPosition, selection *models.SelectionRange, color string) error {
	return c.presence.UpdateCursor(documentID, position, selection, color)
}

// SendChange transmits an edit batch tagged with the version the caller
// believes results from it. Optimistic: further local edits need not wait
// for the acknowledgment.
func (c *Coordinator) SendChange(documentID string, operations []json.RawMessage, version int64) error {
	return c.changes.Submit(documentID, operations, version)
}

// AcquireLock requests an exclusive section lock; true means granted,
// false means denied or timed out. See LockManager.Acquire.
func (c *Coordinator) AcquireLock(ctx context.Context, documentID, sectionID string) (bool, error) {
	return c.locks.Acquire(ctx, documentID, sectionID)
}

// ReleaseLock gives up a section lock. Fire-and-forget.
func (c *Coordinator) ReleaseLock(documentID, sectionID string) error {
	return c.locks.Release(documentID, sectionID)
}

// OnLockReleased subscribes to lock-released announcements.
func (c *Coordinator) OnLockReleased(fn func(models.LockReleased)) func() {
	return c.locks.OnReleased(fn)
}

// CurrentSession returns a copy of the live session, nil if none.
func (c *Coordinator) CurrentSession() *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// CurrentCursors returns the live cursor states sorted by user ID.
func (c *Coordinator) CurrentCursors() []models.CursorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursorListLocked()
}

// CurrentParticipants returns the live participant list, empty if no
// session.
func (c *Coordinator) CurrentParticipants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return append([]string(nil), c.session.Participants...)
}

// Version returns the last observed document version, zero if no session.
func (c *Coordinator) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return 0
	}
	return c.session.Version
}

// SubscribeSession registers for session snapshot changes. If a session is
// already live the subscriber fires immediately with the current snapshot,
// so a surface mounted mid-session renders without waiting for the next
// event. Returns an unsubscribe func.
func (c *Coordinator) SubscribeSession(fn func(*models.Session)) func() {
	c.mu.Lock()
	id := c.addSubLocked()
	c.sessionSubs[id] = fn
	var current *models.Session
	replay := c.session != nil
	if replay {
		current = c.session.Clone()
	}
	c.mu.Unlock()

	if replay {
		notifySafely(func() { fn(current) })
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.sessionSubs, id)
	}
}

// SubscribeCursors registers for cursor list changes, with immediate replay
// mid-session. Returns an unsubscribe func.
func (c *Coordinator) SubscribeCursors(fn func([]models.CursorState)) func() {
	c.mu.Lock()
	id := c.addSubLocked()
	c.cursorSubs[id] = fn
	var current []models.CursorState
	replay := c.session != nil
	if replay {
		current = c.cursorListLocked()
	}
	c.mu.Unlock()

	if replay {
		notifySafely(func() { fn(current) })
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.cursorSubs, id)
	}
}

// SubscribeChanges registers for the change stream: applied remote changes
// and version conflicts. No replay; changes are a stream, not a state.
// Returns an unsubscribe func.
func (c *Coordinator) SubscribeChanges(fn func(ChangeEvent)) func() {
	c.mu.Lock()
	id := c.addSubLocked()
	c.changeSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.changeSubs, id)
	}
}

// SubscribeParticipants registers for participant list changes, with
// immediate replay mid-session. Returns an unsubscribe func.
func (c *Coordinator) SubscribeParticipants(fn func([]string)) func() {
	c.mu.Lock()
	id := c.addSubLocked()
	c.participantSubs[id] = fn
	var current []string
	replay := c.session != nil
	if replay {
		current = append([]string(nil), c.session.Participants...)
	}
	c.mu.Unlock()

	if replay {
		notifySafely(func() { fn(current) })
	}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.participantSubs, id)
	}
}

// Cleanup leaves any active session, clears all four subscriber sets and
// removes every channel registration. Idempotent: UI lifecycles may call it
// more than once.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	var leaveDoc string
	if c.session != nil {
		leaveDoc = c.session.DocumentID
		c.session = nil
	}
	c.joinWait = nil
	offs := c.offs
	c.offs = nil
	c.sessionSubs = make(map[int]func(*models.Session))
	c.cursorSubs = make(map[int]func([]models.CursorState))
	c.changeSubs = make(map[int]func(ChangeEvent))
	c.participantSubs = make(map[int]func([]string))
	c.mu.Unlock()

	if leaveDoc != "" {
		if err := c.ch.Send(models.EventLeave, models.LeaveRequest{DocumentID: leaveDoc}); err != nil {
			log.Printf("collab: leave on cleanup failed: %v", err)
		}
	}
	for _, off := range offs {
		off()
	}
	c.changes.Reset()
	c.locks.cleanup()
}

// --- inbound event handling ---

func (c *Coordinator) handleJoined(payload json.RawMessage) {
	snapshot := &models.Session{}
	if err := json.Unmarshal(payload, snapshot); err != nil {
		log.Printf("collab: malformed joined snapshot: %v", err)
		return
	}
	if snapshot.Cursors == nil {
		snapshot.Cursors = make(map[string]models.CursorState)
	}

	c.mu.Lock()
	switch {
	case c.joinWait != nil:
		c.session = snapshot
		close(c.joinWait)
		c.joinWait = nil
	case c.session != nil:
		// Re-derived snapshot after a channel reconnect: replace wholesale.
		c.session = snapshot
	default:
		// Stray snapshot with no join pending (e.g. after a timed-out
		// join): discard, the caller already observed the failure.
		c.mu.Unlock()
		log.Printf("collab: ignoring unsolicited joined snapshot for %s", snapshot.DocumentID)
		return
	}
	notify := c.snapshotAllLocked()
	c.mu.Unlock()

	notify()
}

func (c *Coordinator) handleParticipantJoined(payload json.RawMessage) {
	var ev models.ParticipantJoined
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("collab: malformed participant:joined: %v", err)
		return
	}

	c.mu.Lock()
	if c.session == nil || (ev.SessionID != "" && ev.SessionID != c.session.SessionID) {
		c.mu.Unlock()
		return
	}
	c.session.Participants = append([]string(nil), ev.Participants...)
	participants := append([]string(nil), c.session.Participants...)
	fns := participantFns(c.participantSubs)
	c.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		notifySafely(func() { fn(participants) })
	}
}

func (c *Coordinator) handleParticipantLeft(payload json.RawMessage) {
	var ev models.ParticipantLeft
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("collab: malformed participant:left: %v", err)
		return
	}

	c.mu.Lock()
	if c.session == nil || (ev.SessionID != "" && ev.SessionID != c.session.SessionID) {
		c.mu.Unlock()
		return
	}
	// Participant list and cursor removal are one atomic update: no
	// subscriber may observe the participant gone with its cursor lingering.
	c.session.Participants = append([]string(nil), ev.Participants...)
	delete(c.session.Cursors, ev.UserID)
	participants := append([]string(nil), c.session.Participants...)
	cursors := c.cursorListLocked()
	pFns := participantFns(c.participantSubs)
	cFns := cursorFns(c.cursorSubs)
	c.mu.Unlock()

	for _, fn := range pFns {
		fn := fn
		notifySafely(func() { fn(participants) })
	}
	for _, fn := range cFns {
		fn := fn
		notifySafely(func() { fn(cursors) })
	}
}

func (c *Coordinator) handleCursorUpdate(payload json.RawMessage) {
	var state models.CursorState
	if err := json.Unmarshal(payload, &state); err != nil {
		log.Printf("collab: malformed cursor:update: %v", err)
		return
	}
	if state.UserID == "" {
		return
	}

	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return
	}
	// Upsert: one cursor per user, a new update replaces the old one.
	c.session.Cursors[state.UserID] = state
	cursors := c.cursorListLocked()
	fns := cursorFns(c.cursorSubs)
	c.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		notifySafely(func() { fn(cursors) })
	}
}

func (c *Coordinator) handleCursorRemoved(payload json.RawMessage) {
	var ev models.CursorRemoved
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("collab: malformed cursor:removed: %v", err)
		return
	}

	c.mu.Lock()
	if c.session == nil || c.session.DocumentID != ev.DocumentID {
		c.mu.Unlock()
		return
	}
	if _, ok := c.session.Cursors[ev.UserID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.session.Cursors, ev.UserID)
	cursors := c.cursorListLocked()
	fns := cursorFns(c.cursorSubs)
	c.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		notifySafely(func() { fn(cursors) })
	}
}

func (c *Coordinator) handleChangeApply(payload json.RawMessage) {
	change := &models.DocumentChange{}
	if err := json.Unmarshal(payload, change); err != nil {
		log.Printf("collab: malformed change:apply: %v", err)
		return
	}

	c.mu.Lock()
	if c.session == nil || c.session.DocumentID != change.DocumentID {
		c.mu.Unlock()
		return
	}

	var event ChangeEvent
	switch c.changes.Evaluate(c.session.Version, change) {
	case ChangeApply:
		c.session.Version = change.Version
		event.Change = change
	case ChangeStale:
		current := c.session.Version
		c.mu.Unlock()
		log.Printf("collab: ignoring stale change v%d for %s (at v%d)",
			change.Version, change.DocumentID, current)
		return
	case ChangeConflict:
		event.Conflict = &models.VersionConflict{
			DocumentID:      change.DocumentID,
			ExpectedVersion: c.session.Version + 1,
			CurrentVersion:  change.Version,
		}
		log.Printf("collab: version conflict on %s: expected v%d, received v%d",
			change.DocumentID, event.Conflict.ExpectedVersion, change.Version)
	}
	fns := changeFns(c.changeSubs)
	c.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		notifySafely(func() { fn(event) })
	}
}

func (c *Coordinator) handleChangeAck(payload json.RawMessage) {
	var ack models.ChangeAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		log.Printf("collab: malformed change:ack: %v", err)
		return
	}

	c.mu.Lock()
	if c.session == nil || c.session.DocumentID != ack.DocumentID || ack.Version <= c.session.Version {
		c.mu.Unlock()
		return
	}
	// Our own change confirmed: advance the version, never re-deliver the
	// operations (that would double-apply the local edit).
	c.session.Version = ack.Version
	snapshot := c.session.Clone()
	fns := sessionFns(c.sessionSubs)
	c.mu.Unlock()

	for _, fn := range fns {
		fn := fn
		notifySafely(func() { fn(snapshot) })
	}
}

func (c *Coordinator) handleVersionConflict(payload json.RawMessage) {
	conflict := &models.VersionConflict{}
	if err := json.Unmarshal(payload, conflict); err != nil {
		log.Printf("collab: malformed version:conflict: %v", err)
		return
	}
	log.Printf("collab: authority reported version conflict on %s: expected v%d, have v%d",
		conflict.DocumentID, conflict.ExpectedVersion, conflict.CurrentVersion)

	c.mu.Lock()
	fns := changeFns(c.changeSubs)
	c.mu.Unlock()

	// Resolution is the editor surface's job (re-fetch and rebase); merge
	// policy for legal redlining may need human review.
	for _, fn := range fns {
		fn := fn
		notifySafely(func() { fn(ChangeEvent{Conflict: conflict}) })
	}
}

// --- internals ---

func (c *Coordinator) addSubLocked() int {
	id := c.nextSubID
	c.nextSubID++
	return id
}

func (c *Coordinator) cursorListLocked() []models.CursorState {
	if c.session == nil {
		return []models.CursorState{}
	}
	out := make([]models.CursorState, 0, len(c.session.Cursors))
	for _, state := range c.session.Cursors {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// snapshotAllLocked captures the current state and every subscriber under
// the lock, returning a func that performs the fan-out after unlock.
func (c *Coordinator) snapshotAllLocked() func() {
	session := c.session.Clone()
	cursors := c.cursorListLocked()
	var participants []string
	if c.session != nil {
		participants = append([]string(nil), c.session.Participants...)
	} else {
		participants = []string{}
	}
	sFns := sessionFns(c.sessionSubs)
	cFns := cursorFns(c.cursorSubs)
	pFns := participantFns(c.participantSubs)

	return func() {
		for _, fn := range sFns {
			fn := fn
			notifySafely(func() { fn(session) })
		}
		for _, fn := range pFns {
			fn := fn
			notifySafely(func() { fn(participants) })
		}
		for _, fn := range cFns {
			fn := fn
			notifySafely(func() { fn(cursors) })
		}
	}
}

func sessionFns(m map[int]func(*models.Session)) []func(*models.Session) {
	return sortedFns(m)
}

func cursorFns(m map[int]func([]models.CursorState)) []func([]models.CursorState) {
	return sortedFns(m)
}

func changeFns(m map[int]func(ChangeEvent)) []func(ChangeEvent) {
	return sortedFns(m)
}

func participantFns(m map[int]func([]string)) []func([]string) {
	return sortedFns(m)
}

func sortedFns[T any](m map[int]T) []T {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// notifySafely shields the fan-out from a panicking subscriber: one bad
// listener must not starve the rest or crash the event source.
func notifySafely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("collab: subscriber panic recovered: %v", r)
		}
	}()
	fn()
}
