// Package hub is the server-side collaboration authority: it owns the
// per-document rooms, the authoritative version counter, and the section
// lock table that clients' coordinators talk to. A document's room lives on
// exactly one hub instance (sticky routing per document); the optional redis
// relay only fans presence out across replicas.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"lexcollab/internal/channel"
	"lexcollab/internal/models"
	"lexcollab/internal/repository"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// cursorColors are assigned round-robin as participants join so peers can
// tell each other apart without a lookup.
var cursorColors = []string{
	"#2563EB", "#DC2626", "#059669", "#D97706",
	"#7C3AED", "#DB2777", "#0891B2", "#65A30D",
}

type room struct {
	id         string
	documentID string
	conns      map[*Conn]bool
	version    int64
	cursors    map[string]models.CursorState
}

func (r *room) participants() []string {
	seen := make(map[string]bool, len(r.conns))
	out := make([]string, 0, len(r.conns))
	for c := range r.conns {
		if !seen[c.userID] {
			seen[c.userID] = true
			out = append(out, c.userID)
		}
	}
	sort.Strings(out)
	return out
}

func (r *room) snapshot() *models.Session {
	cursors := make(map[string]models.CursorState, len(r.cursors))
	for k, v := range r.cursors {
		cursors[k] = v
	}
	return &models.Session{
		SessionID:    r.id,
		DocumentID:   r.documentID,
		Participants: r.participants(),
		Cursors:      cursors,
		Version:      r.version,
	}
}

type lockHolder struct {
	userID  string
	grantID string
}

// Options tune hub housekeeping.
type Options struct {
	SweepInterval time.Duration // how often stale state is swept
	SessionTTL    time.Duration // drop connections idle longer than this
	CursorTTL     time.Duration // forget cursors not refreshed within this
}

// DefaultOptions mirror the production deployment.
func DefaultOptions() Options {
	return Options{
		SweepInterval: 30 * time.Second,
		SessionTTL:    5 * time.Minute,
		CursorTTL:     2 * time.Minute,
	}
}

// RoomInfo is the read-only view of one active room for the admin API.
type RoomInfo struct {
	SessionID    string   `json:"sessionId"`
	DocumentID   string   `json:"documentId"`
	Participants []string `json:"participants"`
	Version      int64    `json:"version"`
}

// Hub coordinates every active collaboration room on this instance.
type Hub struct {
	replicaID string
	opts      Options

	sessions *repository.SessionRepo
	audits   *repository.LockAuditRepo
	relay    *Relay

	mu    sync.RWMutex
	rooms map[string]*room
	locks map[models.LockRequest]lockHolder

	done     chan struct{}
	stopOnce sync.Once
}

// New builds a hub. sessions, audits and relay may each be nil; the
// collaboration path has no hard dependency on postgres or redis.
func New(opts Options, sessions *repository.SessionRepo, audits *repository.LockAuditRepo, relay *Relay) *Hub {
	return &Hub{
		replicaID: ksuid.New().String(),
		opts:      opts,
		sessions:  sessions,
		audits:    audits,
		relay:     relay,
		rooms:     make(map[string]*room),
		locks:     make(map[models.LockRequest]lockHolder),
		done:      make(chan struct{}),
	}
}

// Start launches the housekeeping sweeper.
func (h *Hub) Start() {
	go h.sweepLoop()
	log.Printf("✓ Collaboration hub started (replica %s)", h.replicaID)
}

// Shutdown closes every connection and stops housekeeping.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	var conns []*Conn
	for _, r := range h.rooms {
		for c := range r.conns {
			conns = append(conns, c)
		}
	}
	h.rooms = make(map[string]*room)
	h.locks = make(map[models.LockRequest]lockHolder)
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if h.relay != nil {
		h.relay.Close()
	}
	log.Println("✓ Collaboration hub shutdown complete")
}

// Rooms reports the active rooms for the admin API.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, RoomInfo{
			SessionID:    r.id,
			DocumentID:   r.documentID,
			Participants: r.participants(),
			Version:      r.version,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

func (h *Hub) markActive(c *Conn) {
	h.mu.Lock()
	c.lastActive = time.Now()
	h.mu.Unlock()
}

// dispatch routes one inbound envelope. Unknown events are dropped; the
// event set is closed on the client side, so anything else is a protocol
// mismatch worth a log line.
func (h *Hub) dispatch(ctx context.Context, c *Conn, env channel.Envelope) {
	switch env.Event {
	case models.EventJoin:
		var req models.JoinRequest
		if decode(env, &req, c) {
			h.join(ctx, c, req)
		}
	case models.EventLeave:
		var req models.LeaveRequest
		if decode(env, &req, c) {
			h.leave(ctx, c, req.DocumentID)
		}
	case models.EventCursor:
		var b models.CursorBroadcast
		if decode(env, &b, c) {
			h.cursor(ctx, c, b)
		}
	case models.EventChange:
		var sub models.ChangeSubmit
		if decode(env, &sub, c) {
			h.change(ctx, c, sub)
		}
	case models.EventLockAcquire:
		var req models.LockRequest
		if decode(env, &req, c) {
			h.lockAcquire(ctx, c, req)
		}
	case models.EventLockRelease:
		var req models.LockRequest
		if decode(env, &req, c) {
			h.lockRelease(ctx, c, req)
		}
	default:
		log.Printf("hub: unknown event %q from user %s", env.Event, c.userID)
	}
}

func decode(env channel.Envelope, v any, c *Conn) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		log.Printf("hub: malformed %s payload from user %s: %v", env.Event, c.userID, err)
		return false
	}
	return true
}

// join adds the connection to the document's room (creating it on first
// join), acknowledges with the full session snapshot, and announces the new
// participant to peers.
func (h *Hub) join(ctx context.Context, c *Conn, req models.JoinRequest) {
	if req.DocumentID == "" {
		return
	}

	h.mu.Lock()
	if c.room != nil && c.room.documentID != req.DocumentID {
		// A client joining a second document must leave the first; be
		// tolerant of coordinators that did not.
		h.leaveLocked(ctx, c, c.room.documentID)
	}

	r := h.rooms[req.DocumentID]
	if r == nil {
		r = &room{
			id:         ksuid.New().String(),
			documentID: req.DocumentID,
			conns:      make(map[*Conn]bool),
			cursors:    make(map[string]models.CursorState),
		}
		h.rooms[req.DocumentID] = r
		if h.relay != nil {
			h.relay.Subscribe(req.DocumentID, h.relayDeliver)
		}
	}
	r.conns[c] = true
	c.room = r
	c.lastActive = time.Now()
	if c.color == "" {
		c.color = cursorColors[(len(r.conns)-1)%len(cursorColors)]
	}

	snapshot := r.snapshot()
	announce := models.ParticipantJoined{
		SessionID:    r.id,
		UserID:       c.userID,
		UserName:     c.userName,
		Participants: snapshot.Participants,
	}
	h.mu.Unlock()

	c.sendEvent(models.EventJoined, snapshot)
	h.broadcast(r, models.EventParticipantJoined, announce, c)

	log.Printf("  user %s joined document %s (%d participants)",
		c.userID, req.DocumentID, len(snapshot.Participants))

	if h.sessions != nil {
		rec := &models.SessionRecord{
			SessionID:    r.id,
			DocumentID:   r.documentID,
			UserID:       c.userID,
			UserName:     c.userName,
			Participants: snapshot.Participants,
			LastActiveAt: time.Now(),
		}
		if err := h.sessions.RecordJoin(ctx, rec); err != nil {
			log.Printf("hub: recording join failed: %v", err)
		} else {
			h.mu.Lock()
			c.recordID = rec.ID
			h.mu.Unlock()
		}
	}
}

// leave removes the connection from its room and announces the departure.
// The cursor entry goes in the same announcement turn as the participant
// list, so peers never see a removed participant with a lingering cursor.
func (h *Hub) leave(ctx context.Context, c *Conn, documentID string) {
	h.mu.Lock()
	h.leaveLocked(ctx, c, documentID)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(ctx context.Context, c *Conn, documentID string) {
	r := c.room
	if r == nil || (documentID != "" && r.documentID != documentID) {
		return
	}
	delete(r.conns, c)
	c.room = nil

	userGone := true
	for other := range r.conns {
		if other.userID == c.userID {
			userGone = false
			break
		}
	}

	var released []models.LockReleased
	if userGone {
		delete(r.cursors, c.userID)
		released = h.releaseUserLocksLocked(r.documentID, c.userID)
	}

	announce := models.ParticipantLeft{
		SessionID:    r.id,
		UserID:       c.userID,
		Participants: r.participants(),
	}

	empty := len(r.conns) == 0
	if empty {
		delete(h.rooms, r.documentID)
		if h.relay != nil {
			h.relay.Unsubscribe(r.documentID)
		}
	}
	recordID := c.recordID
	c.recordID = ""

	// Announce outside the critical path would race room teardown; the
	// broadcast only enqueues, so holding the lock here is cheap.
	if userGone && !empty {
		h.broadcastLocked(r, models.EventParticipantLeft, announce, nil)
		for _, rel := range released {
			h.broadcastLocked(r, models.EventLockReleased, rel, nil)
		}
	}

	if empty {
		log.Printf("  document %s room closed", r.documentID)
	} else {
		log.Printf("  user %s left document %s (%d participants remain)",
			c.userID, r.documentID, len(announce.Participants))
	}

	if h.sessions != nil && recordID != "" {
		go func() {
			if err := h.sessions.RecordLeave(context.Background(), recordID, time.Now()); err != nil {
				log.Printf("hub: recording leave failed: %v", err)
			}
		}()
	}
}

// drop handles an unannounced disconnect the same way as an explicit leave.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	h.leaveLocked(context.Background(), c, "")
	h.mu.Unlock()
	c.close()
}

// cursor stores the participant's presence and relays it to peers. Loss
// here is acceptable; the next move corrects it.
func (h *Hub) cursor(ctx context.Context, c *Conn, b models.CursorBroadcast) {
	h.mu.Lock()
	r := c.room
	if r == nil || r.documentID != b.DocumentID {
		h.mu.Unlock()
		return
	}
	color := b.Color
	if color == "" {
		color = c.color
	}
	state := models.CursorState{
		UserID:       c.userID,
		DisplayName:  c.userName,
		DisplayColor: color,
		Position:     b.Position,
		Selection:    b.Selection,
		Timestamp:    models.Now(),
		IsIdle:       b.IsIdle,
	}
	r.cursors[c.userID] = state
	h.mu.Unlock()

	h.broadcast(r, models.EventCursorUpdate, state, c)
	h.publishRelay(ctx, b.DocumentID, models.EventCursorUpdate, state)
}

// change is the version authority. A submission must carry exactly the
// successor of the room's version: then it is accepted, acked to the sender
// and applied at the peers. Anything else is answered with a conflict and
// changes nothing.
func (h *Hub) change(ctx context.Context, c *Conn, sub models.ChangeSubmit) {
	h.mu.Lock()
	r := c.room
	if r == nil || r.documentID != sub.DocumentID {
		h.mu.Unlock()
		return
	}

	if sub.Version != r.version+1 {
		conflict := models.VersionConflict{
			DocumentID:      sub.DocumentID,
			ExpectedVersion: r.version + 1,
			CurrentVersion:  r.version,
		}
		h.mu.Unlock()
		log.Printf("  version conflict on %s from user %s: submitted v%d, expected v%d",
			sub.DocumentID, c.userID, sub.Version, conflict.ExpectedVersion)
		c.sendEvent(models.EventVersionConflict, conflict)
		return
	}

	r.version = sub.Version
	apply := models.DocumentChange{
		UserID:     c.userID,
		DocumentID: sub.DocumentID,
		Timestamp:  models.Now(),
		Operations: sub.Operations,
		Version:    sub.Version,
	}
	h.mu.Unlock()

	c.sendEvent(models.EventChangeAck, models.ChangeAck{
		DocumentID: sub.DocumentID,
		Version:    sub.Version,
	})
	h.broadcast(r, models.EventChangeApply, apply, c)
}

// lockAcquire grants or denies a section lock. Re-acquiring a section one
// already holds succeeds with the original grant.
func (h *Hub) lockAcquire(ctx context.Context, c *Conn, req models.LockRequest) {
	h.mu.Lock()
	if c.room == nil || c.room.documentID != req.DocumentID {
		h.mu.Unlock()
		return
	}

	key := models.LockRequest{DocumentID: req.DocumentID, SectionID: req.SectionID}
	holder, held := h.locks[key]
	granted := !held || holder.userID == c.userID
	if granted && !held {
		holder = lockHolder{userID: c.userID, grantID: uuid.NewString()}
		h.locks[key] = holder
	}
	h.mu.Unlock()

	grant := models.LockGrant{
		DocumentID: req.DocumentID,
		SectionID:  req.SectionID,
		UserID:     holder.userID,
		GrantID:    holder.grantID,
	}
	if granted {
		c.sendEvent(models.EventLockSuccess, grant)
		h.audit(ctx, req, c.userID, models.LockActionGranted, holder.grantID)
		log.Printf("  lock %s granted to user %s", key.Key(), c.userID)
	} else {
		c.sendEvent(models.EventLockDenied, grant)
		h.audit(ctx, req, c.userID, models.LockActionDenied, holder.grantID)
		log.Printf("  lock %s denied to user %s (held by %s)", key.Key(), c.userID, holder.userID)
	}
}

// lockRelease frees a section lock, but only for its holder, and announces
// the release to the whole room.
func (h *Hub) lockRelease(ctx context.Context, c *Conn, req models.LockRequest) {
	h.mu.Lock()
	r := c.room
	if r == nil || r.documentID != req.DocumentID {
		h.mu.Unlock()
		return
	}
	key := models.LockRequest{DocumentID: req.DocumentID, SectionID: req.SectionID}
	holder, held := h.locks[key]
	if !held || holder.userID != c.userID {
		h.mu.Unlock()
		return
	}
	delete(h.locks, key)
	h.mu.Unlock()

	h.broadcast(r, models.EventLockReleased, models.LockReleased{
		DocumentID: req.DocumentID,
		SectionID:  req.SectionID,
	}, nil)
	h.audit(ctx, req, c.userID, models.LockActionReleased, holder.grantID)
	log.Printf("  lock %s released by user %s", key.Key(), c.userID)
}

// releaseUserLocksLocked frees every lock a departing user held in a
// document. Caller holds h.mu.
func (h *Hub) releaseUserLocksLocked(documentID, userID string) []models.LockReleased {
	var released []models.LockReleased
	for key, holder := range h.locks {
		if holder.userID != userID || key.DocumentID != documentID {
			continue
		}
		delete(h.locks, key)
		released = append(released, models.LockReleased{
			DocumentID: key.DocumentID,
			SectionID:  key.SectionID,
		})
	}
	return released
}

func (h *Hub) audit(ctx context.Context, req models.LockRequest, userID string, action models.LockAction, grantID string) {
	if h.audits == nil {
		return
	}
	entry := &models.LockAudit{
		DocumentID: req.DocumentID,
		SectionID:  req.SectionID,
		UserID:     userID,
		Action:     action,
		GrantID:    grantID,
	}
	if err := h.audits.Record(ctx, entry); err != nil {
		log.Printf("hub: lock audit failed: %v", err)
	}
}

// broadcast fans an event out to every connection in the room except the
// excluded one.
func (h *Hub) broadcast(r *room, event string, payload any, exclude *Conn) {
	h.mu.RLock()
	h.broadcastLocked(r, event, payload, exclude)
	h.mu.RUnlock()
}

func (h *Hub) broadcastLocked(r *room, event string, payload any, exclude *Conn) {
	data, err := channel.EncodeEnvelope(event, payload)
	if err != nil {
		log.Printf("hub: encoding %s failed: %v", event, err)
		return
	}
	for c := range r.conns {
		if c == exclude {
			continue
		}
		if !c.enqueue(data) {
			log.Printf("hub: send buffer full for user %s, dropping connection", c.userID)
			go h.drop(c)
		}
	}
}

func (h *Hub) publishRelay(ctx context.Context, documentID, event string, payload any) {
	if h.relay == nil {
		return
	}
	data, err := channel.EncodeEnvelope(event, payload)
	if err != nil {
		return
	}
	if err := h.relay.Publish(ctx, documentID, data); err != nil {
		log.Printf("hub: relay publish failed: %v", err)
	}
}

// relayDeliver forwards a presence envelope from a peer replica to the
// local room's connections.
func (h *Hub) relayDeliver(documentID string, data []byte) {
	h.mu.RLock()
	r := h.rooms[documentID]
	if r == nil {
		h.mu.RUnlock()
		return
	}
	for c := range r.conns {
		c.enqueue(data)
	}
	h.mu.RUnlock()
}

// sweepLoop periodically drops idle connections and forgets stale cursors.
func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(h.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	now := time.Now()

	h.mu.Lock()
	var idle []*Conn
	type touch struct {
		recordID string
		at       time.Time
	}
	var touches []touch
	type removal struct {
		r  *room
		ev models.CursorRemoved
	}
	var removals []removal
	for _, r := range h.rooms {
		for c := range r.conns {
			if now.Sub(c.lastActive) > h.opts.SessionTTL {
				idle = append(idle, c)
			} else if c.recordID != "" {
				touches = append(touches, touch{recordID: c.recordID, at: c.lastActive})
			}
		}
		for userID, state := range r.cursors {
			if now.Sub(state.Timestamp.Time) > h.opts.CursorTTL {
				delete(r.cursors, userID)
				removals = append(removals, removal{r: r, ev: models.CursorRemoved{
					DocumentID: r.documentID,
					UserID:     userID,
				}})
			}
		}
	}
	for _, rem := range removals {
		h.broadcastLocked(rem.r, models.EventCursorRemoved, rem.ev, nil)
	}
	h.mu.Unlock()

	for _, c := range idle {
		log.Printf("  dropping idle connection for user %s", c.userID)
		h.drop(c)
	}

	if h.sessions != nil {
		for _, t := range touches {
			if err := h.sessions.Touch(context.Background(), t.recordID, t.at); err != nil {
				log.Printf("hub: touching session record failed: %v", err)
			}
		}
	}
}
