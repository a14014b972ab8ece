package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"lexcollab/internal/channel"
	"lexcollab/internal/models"
)

// fakeChannel records outbound sends and lets tests emit inbound events
// synchronously.
type fakeChannel struct {
	*channel.Emitter
	mu   sync.Mutex
	sent []channel.Envelope
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{Emitter: channel.NewEmitter()}
}

func (f *fakeChannel) Send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, channel.Envelope{Event: event, Payload: raw})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) sentCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, env := range f.sent {
		if env.Event == event {
			n++
		}
	}
	return n
}

func (f *fakeChannel) lastSent(t *testing.T, event string) channel.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Event == event {
			return f.sent[i]
		}
	}
	t.Fatalf("no %s event was sent", event)
	return channel.Envelope{}
}

// waitFor polls until at least one event with the given name was sent.
func (f *fakeChannel) waitFor(t *testing.T, event string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.sentCount(event) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to be sent", event)
}

func (f *fakeChannel) emit(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling %s payload: %v", event, err)
	}
	f.Emit(event, raw)
}

func testSnapshot() *models.Session {
	return &models.Session{
		SessionID:    "s1",
		DocumentID:   "doc-1",
		Participants: []string{"u1"},
		Cursors:      map[string]models.CursorState{},
		Version:      0,
	}
}

// joinSession drives a full join handshake.
func joinSession(t *testing.T, f *fakeChannel, c *Coordinator, snapshot *models.Session) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Join(context.Background(), snapshot.DocumentID) }()
	f.waitFor(t, models.EventJoin)
	f.emit(t, models.EventJoined, snapshot)
	if err := <-done; err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func cursorAt(userID string, x, y float64) models.CursorState {
	return models.CursorState{
		UserID:       userID,
		DisplayName:  userID,
		DisplayColor: "#2563EB",
		Position:     models.CursorPosition{X: &x, Y: &y},
		Timestamp:    models.Now(),
	}
}

func TestJoinDeliversSnapshot(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	s := c.CurrentSession()
	if s == nil {
		t.Fatal("no session after join")
	}
	if s.Version != 0 {
		t.Errorf("version = %d, want 0", s.Version)
	}
	if len(s.Participants) != 1 || s.Participants[0] != "u1" {
		t.Errorf("participants = %v, want [u1]", s.Participants)
	}

	env := f.lastSent(t, models.EventJoin)
	var req models.JoinRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		t.Fatalf("unmarshal join request: %v", err)
	}
	if req.DocumentID != "doc-1" {
		t.Errorf("join documentId = %q, want doc-1", req.DocumentID)
	}
}

func TestJoinTimeoutLeavesNoState(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f, WithJoinTimeout(30*time.Millisecond))
	defer c.Cleanup()

	err := c.Join(context.Background(), "doc-1")
	if err != ErrJoinTimeout {
		t.Fatalf("Join error = %v, want ErrJoinTimeout", err)
	}
	if c.CurrentSession() != nil {
		t.Error("session retained after timed-out join")
	}

	// A straggling acknowledgment must not resurrect the session.
	f.emit(t, models.EventJoined, testSnapshot())
	if c.CurrentSession() != nil {
		t.Error("stray joined snapshot was applied after timeout")
	}
}

func TestJoinWhileActiveRejected(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	if err := c.Join(context.Background(), "doc-2"); err != ErrSessionActive {
		t.Errorf("second Join error = %v, want ErrSessionActive", err)
	}
}

func TestJoinRetryAfterTimeoutSucceeds(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f, WithJoinTimeout(30*time.Millisecond))
	defer c.Cleanup()

	if err := c.Join(context.Background(), "doc-1"); err != ErrJoinTimeout {
		t.Fatalf("first Join error = %v, want ErrJoinTimeout", err)
	}
	joinSession(t, f, c, testSnapshot())
	if c.CurrentSession() == nil {
		t.Fatal("no session after retried join")
	}
}

func TestCursorUpdateReplacesNotAppends(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	f.emit(t, models.EventCursorUpdate, cursorAt("u2", 10, 20))
	f.emit(t, models.EventCursorUpdate, cursorAt("u2", 30, 40))

	cursors := c.CurrentCursors()
	if len(cursors) != 1 {
		t.Fatalf("cursor count = %d, want 1", len(cursors))
	}
	if cursors[0].UserID != "u2" {
		t.Errorf("cursor userId = %q, want u2", cursors[0].UserID)
	}
	if cursors[0].Position.X == nil || *cursors[0].Position.X != 30 {
		t.Errorf("cursor position = %+v, want x=30", cursors[0].Position)
	}
}

func TestParticipantLeftClearsCursorSynchronously(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	snapshot := testSnapshot()
	snapshot.Participants = []string{"u1", "u2"}
	joinSession(t, f, c, snapshot)

	f.emit(t, models.EventCursorUpdate, cursorAt("u2", 10, 20))
	if len(c.CurrentCursors()) != 1 {
		t.Fatal("cursor for u2 not stored")
	}

	// Both the participant list and the cursor list must be consistent in
	// the very notification announcing the departure.
	var notifiedParticipants []string
	var notifiedCursors []models.CursorState
	participantSeen := false
	cursorSeen := false
	c.SubscribeParticipants(func(p []string) {
		notifiedParticipants = p
		participantSeen = true
	})
	c.SubscribeCursors(func(cs []models.CursorState) {
		notifiedCursors = cs
		cursorSeen = true
	})
	participantSeen, cursorSeen = false, false // drop the replay

	f.emit(t, models.EventParticipantLeft, models.ParticipantLeft{
		SessionID:    "s1",
		UserID:       "u2",
		Participants: []string{"u1"},
	})

	if !participantSeen || !cursorSeen {
		t.Fatal("participant and cursor subscribers must both be notified")
	}
	if len(notifiedParticipants) != 1 || notifiedParticipants[0] != "u1" {
		t.Errorf("notified participants = %v, want [u1]", notifiedParticipants)
	}
	if len(notifiedCursors) != 0 {
		t.Errorf("notified cursors = %v, want empty", notifiedCursors)
	}
	if len(c.CurrentCursors()) != 0 {
		t.Error("cursor for departed participant lingers")
	}
}

func TestCursorRemovedDropsEntry(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())
	f.emit(t, models.EventCursorUpdate, cursorAt("u2", 10, 20))

	f.emit(t, models.EventCursorRemoved, models.CursorRemoved{
		DocumentID: "doc-1",
		UserID:     "u2",
	})

	if len(c.CurrentCursors()) != 0 {
		t.Error("cursor survived cursor:removed")
	}
}

func TestParticipantJoinedReplacesList(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	f.emit(t, models.EventParticipantJoined, models.ParticipantJoined{
		SessionID:    "s1",
		UserID:       "u2",
		UserName:     "Beth",
		Participants: []string{"u1", "u2"},
	})

	got := c.CurrentParticipants()
	if len(got) != 2 {
		t.Fatalf("participants = %v, want two entries", got)
	}
}

func TestSubscriberPanicDoesNotStopFanOut(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	firstSeen, thirdSeen := false, false
	c.SubscribeCursors(func([]models.CursorState) { firstSeen = true })
	c.SubscribeCursors(func([]models.CursorState) { panic("bad subscriber") })
	c.SubscribeCursors(func([]models.CursorState) { thirdSeen = true })
	firstSeen, thirdSeen = false, false // drop the replay

	f.emit(t, models.EventCursorUpdate, cursorAt("u2", 1, 2))

	if !firstSeen || !thirdSeen {
		t.Errorf("fan-out interrupted: first=%v third=%v, want both true", firstSeen, thirdSeen)
	}
}

func TestSubscribeReplaysCurrentState(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	snapshot := testSnapshot()
	snapshot.Participants = []string{"u1", "u2"}
	joinSession(t, f, c, snapshot)
	f.emit(t, models.EventCursorUpdate, cursorAt("u2", 5, 5))

	// A surface mounted mid-session must render without waiting for the
	// next event.
	var gotSession *models.Session
	c.SubscribeSession(func(s *models.Session) { gotSession = s })
	if gotSession == nil || gotSession.SessionID != "s1" {
		t.Errorf("session replay = %+v, want snapshot s1", gotSession)
	}

	var gotCursors []models.CursorState
	c.SubscribeCursors(func(cs []models.CursorState) { gotCursors = cs })
	if len(gotCursors) != 1 {
		t.Errorf("cursor replay = %v, want one entry", gotCursors)
	}

	var gotParticipants []string
	c.SubscribeParticipants(func(p []string) { gotParticipants = p })
	if len(gotParticipants) != 2 {
		t.Errorf("participant replay = %v, want two entries", gotParticipants)
	}
}

func TestNoReplayWithoutSession(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	called := false
	c.SubscribeSession(func(*models.Session) { called = true })
	if called {
		t.Error("subscriber invoked with no active session")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	count := 0
	off := c.SubscribeCursors(func([]models.CursorState) { count++ })
	count = 0 // drop the replay

	f.emit(t, models.EventCursorUpdate, cursorAt("u2", 1, 1))
	off()
	f.emit(t, models.EventCursorUpdate, cursorAt("u2", 2, 2))

	if count != 1 {
		t.Errorf("subscriber fired %d times after unsubscribe, want 1", count)
	}
}

func TestLeaveClearsStateAndNotifies(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	var lastSession *models.Session = testSnapshot()
	c.SubscribeSession(func(s *models.Session) { lastSession = s })

	c.Leave("doc-1")

	if f.sentCount(models.EventLeave) != 1 {
		t.Error("leave notification not sent")
	}
	if c.CurrentSession() != nil {
		t.Error("session survived Leave")
	}
	if lastSession != nil {
		t.Error("session subscribers not told the session ended")
	}
	if got := c.CurrentParticipants(); len(got) != 0 {
		t.Errorf("participants after leave = %v, want empty", got)
	}
}

func TestLeaveWithoutMatchingSessionSendsNothing(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	// No session at all: nothing goes on the wire.
	c.Leave("doc-1")
	if n := f.sentCount(models.EventLeave); n != 0 {
		t.Errorf("leave sent %d times with no session, want 0", n)
	}

	// A session for a different document must survive untouched.
	joinSession(t, f, c, testSnapshot())
	c.Leave("doc-other")
	if n := f.sentCount(models.EventLeave); n != 0 {
		t.Errorf("leave sent %d times for a foreign document, want 0", n)
	}
	if c.CurrentSession() == nil {
		t.Error("session cleared by a leave for a different document")
	}
}

func TestUpdateCursorSendsBroadcast(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	line, col := 12, 4
	err := c.UpdateCursor("doc-1",
		models.CursorPosition{Line: &line, Column: &col},
		&models.SelectionRange{
			Start: models.TextPoint{Line: 12, Column: 4},
			End:   models.TextPoint{Line: 12, Column: 18},
		},
		"#DC2626")
	if err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}

	env := f.lastSent(t, models.EventCursor)
	var b models.CursorBroadcast
	if err := json.Unmarshal(env.Payload, &b); err != nil {
		t.Fatalf("unmarshal cursor broadcast: %v", err)
	}
	if b.DocumentID != "doc-1" || b.Color != "#DC2626" {
		t.Errorf("broadcast = %+v, want doc-1 / #DC2626", b)
	}
	if b.Position.Line == nil || *b.Position.Line != 12 {
		t.Errorf("broadcast position = %+v, want line 12", b.Position)
	}
	if b.Selection == nil || b.Selection.End.Column != 18 {
		t.Errorf("broadcast selection = %+v, want end column 18", b.Selection)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)

	joinSession(t, f, c, testSnapshot())

	c.Cleanup()
	if c.CurrentSession() != nil {
		t.Error("session survived Cleanup")
	}
	c.Cleanup() // must be a no-op, not a panic

	if f.sentCount(models.EventLeave) != 1 {
		t.Errorf("leave sent %d times across double cleanup, want 1", f.sentCount(models.EventLeave))
	}
	if err := c.Join(context.Background(), "doc-1"); err != ErrCoordinatorClosed {
		t.Errorf("Join after Cleanup = %v, want ErrCoordinatorClosed", err)
	}
}

func TestCleanupRemovesChannelHandlers(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)

	joinSession(t, f, c, testSnapshot())
	c.Cleanup()

	for _, event := range []string{
		models.EventJoined,
		models.EventParticipantJoined,
		models.EventParticipantLeft,
		models.EventCursorUpdate,
		models.EventCursorRemoved,
		models.EventChangeApply,
		models.EventChangeAck,
		models.EventVersionConflict,
		models.EventLockReleased,
	} {
		if n := f.HandlerCount(event); n != 0 {
			t.Errorf("%d handlers left for %s after Cleanup, want 0", n, event)
		}
	}
}

func TestEventsForOtherSessionIgnored(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	f.emit(t, models.EventParticipantJoined, models.ParticipantJoined{
		SessionID:    "someone-elses-session",
		UserID:       "u9",
		Participants: []string{"u9"},
	})

	got := c.CurrentParticipants()
	if len(got) != 1 || got[0] != "u1" {
		t.Errorf("participants = %v, want [u1] untouched", got)
	}
}
