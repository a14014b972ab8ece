package collab

import (
	"encoding/json"
	"testing"

	"lexcollab/internal/models"
)

func TestEvaluateClassifiesByVersion(t *testing.T) {
	p := NewChangePropagator(newFakeChannel())

	tests := []struct {
		name     string
		current  int64
		incoming int64
		want     ChangeOutcome
	}{
		{"exact successor applies", 4, 5, ChangeApply},
		{"first change on fresh doc", 0, 1, ChangeApply},
		{"echo of current version is stale", 4, 4, ChangeStale},
		{"older than current is stale", 4, 2, ChangeStale},
		{"gap of one is a conflict", 4, 6, ChangeConflict},
		{"large gap is a conflict", 4, 40, ChangeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change := &models.DocumentChange{DocumentID: "doc-1", Version: tt.incoming}
			if got := p.Evaluate(tt.current, change); got != tt.want {
				t.Errorf("Evaluate(%d, v%d) = %v, want %v", tt.current, tt.incoming, got, tt.want)
			}
		})
	}
}

func TestSubmitSendsAndTracksVersion(t *testing.T) {
	f := newFakeChannel()
	p := NewChangePropagator(f)

	ops := []json.RawMessage{json.RawMessage(`{"type":"insert","at":10,"text":"hereinafter"}`)}
	if err := p.Submit("doc-1", ops, 3); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	env := f.lastSent(t, models.EventChange)
	var sent models.ChangeSubmit
	if err := json.Unmarshal(env.Payload, &sent); err != nil {
		t.Fatalf("unmarshal change: %v", err)
	}
	if sent.DocumentID != "doc-1" || sent.Version != 3 {
		t.Errorf("sent change = %+v, want doc-1 v3", sent)
	}
	if len(sent.Operations) != 1 {
		t.Errorf("sent %d operations, want 1", len(sent.Operations))
	}

	if got := p.LastSent("doc-1"); got != 3 {
		t.Errorf("LastSent = %d, want 3", got)
	}
	if got := p.LastSent("doc-2"); got != 0 {
		t.Errorf("LastSent for untouched doc = %d, want 0", got)
	}
}

func TestSubmitKeepsHighestVersion(t *testing.T) {
	p := NewChangePropagator(newFakeChannel())

	p.Submit("doc-1", nil, 7)
	p.Submit("doc-1", nil, 5) // out-of-order retry must not regress tracking

	if got := p.LastSent("doc-1"); got != 7 {
		t.Errorf("LastSent = %d, want 7", got)
	}
}

func TestResetForgetsTracking(t *testing.T) {
	p := NewChangePropagator(newFakeChannel())

	p.Submit("doc-1", nil, 7)
	p.Reset()

	if got := p.LastSent("doc-1"); got != 0 {
		t.Errorf("LastSent after Reset = %d, want 0", got)
	}
}

func TestSequentialChangeAdvancesVersion(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	snapshot := testSnapshot()
	snapshot.Version = 4
	joinSession(t, f, c, snapshot)

	var got ChangeEvent
	received := false
	c.SubscribeChanges(func(ev ChangeEvent) {
		got = ev
		received = true
	})

	f.emit(t, models.EventChangeApply, models.DocumentChange{
		DocumentID: "doc-1",
		UserID:     "u2",
		Operations: []json.RawMessage{json.RawMessage(`{"type":"insert","at":0,"text":"WHEREAS"}`)},
		Version:    5,
		Timestamp:  models.Now(),
	})

	if c.Version() != 5 {
		t.Errorf("version = %d, want 5", c.Version())
	}
	if !received || got.Change == nil {
		t.Fatalf("change subscriber got %+v, want an applied change", got)
	}
	if got.Change.Version != 5 || len(got.Change.Operations) != 1 {
		t.Errorf("delivered change = %+v, want v5 with one operation", got.Change)
	}
}

func TestStaleChangeIgnored(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	snapshot := testSnapshot()
	snapshot.Version = 4
	joinSession(t, f, c, snapshot)

	notified := false
	c.SubscribeChanges(func(ChangeEvent) { notified = true })

	f.emit(t, models.EventChangeApply, models.DocumentChange{
		DocumentID: "doc-1",
		Version:    4,
	})

	if c.Version() != 4 {
		t.Errorf("version = %d, want 4 unchanged", c.Version())
	}
	if notified {
		t.Error("stale change reached subscribers")
	}
}

func TestVersionGapReportsConflict(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	snapshot := testSnapshot()
	snapshot.Version = 4
	joinSession(t, f, c, snapshot)

	var got ChangeEvent
	received := false
	c.SubscribeChanges(func(ev ChangeEvent) {
		got = ev
		received = true
	})

	f.emit(t, models.EventChangeApply, models.DocumentChange{
		DocumentID: "doc-1",
		Version:    7,
	})

	if c.Version() != 4 {
		t.Errorf("version = %d, want 4 unchanged on conflict", c.Version())
	}
	if !received || got.Conflict == nil {
		t.Fatalf("change subscriber got %+v, want a conflict", got)
	}
	if got.Conflict.ExpectedVersion != 5 || got.Conflict.CurrentVersion != 7 {
		t.Errorf("conflict = %+v, want expected 5 / current 7", got.Conflict)
	}
	if got.Change != nil {
		t.Error("conflicting operations were delivered for application")
	}
}

func TestChangeAckAdvancesWithoutRedelivery(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	snapshot := testSnapshot()
	snapshot.Version = 4
	joinSession(t, f, c, snapshot)

	changeSeen := false
	c.SubscribeChanges(func(ChangeEvent) { changeSeen = true })

	var lastSession *models.Session
	c.SubscribeSession(func(s *models.Session) { lastSession = s })
	lastSession = nil // drop the replay

	f.emit(t, models.EventChangeAck, models.ChangeAck{
		DocumentID: "doc-1",
		Version:    5,
	})

	if c.Version() != 5 {
		t.Errorf("version = %d, want 5 after ack", c.Version())
	}
	if changeSeen {
		t.Error("ack re-delivered operations to the change stream")
	}
	if lastSession == nil || lastSession.Version != 5 {
		t.Errorf("session subscribers saw %+v, want snapshot at v5", lastSession)
	}
}

func TestAckForOlderVersionIgnored(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	snapshot := testSnapshot()
	snapshot.Version = 4
	joinSession(t, f, c, snapshot)

	f.emit(t, models.EventChangeAck, models.ChangeAck{DocumentID: "doc-1", Version: 3})

	if c.Version() != 4 {
		t.Errorf("version = %d, want 4 unchanged", c.Version())
	}
}

func TestAuthorityConflictReachesSubscribers(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	var got ChangeEvent
	c.SubscribeChanges(func(ev ChangeEvent) { got = ev })

	f.emit(t, models.EventVersionConflict, models.VersionConflict{
		DocumentID:      "doc-1",
		ExpectedVersion: 9,
		CurrentVersion:  8,
	})

	if got.Conflict == nil || got.Conflict.ExpectedVersion != 9 {
		t.Errorf("subscriber got %+v, want the authority's conflict", got)
	}
}

func TestChangeForOtherDocumentIgnored(t *testing.T) {
	f := newFakeChannel()
	c := NewCoordinator(f)
	defer c.Cleanup()

	joinSession(t, f, c, testSnapshot())

	f.emit(t, models.EventChangeApply, models.DocumentChange{
		DocumentID: "doc-other",
		Version:    1,
	})

	if c.Version() != 0 {
		t.Errorf("version = %d, want 0 untouched by foreign change", c.Version())
	}
}
