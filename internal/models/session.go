package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Session is the shared collaborative context for one document. It tracks
// who is present, where their cursors are, and the last document version
// this client has observed. The coordinator owns the single live instance;
// everything else only reads copies of it.
type Session struct {
	SessionID    string                 `json:"sessionId"`
	DocumentID   string                 `json:"documentId"`
	Participants []string               `json:"participants"`
	Cursors      map[string]CursorState `json:"cursors"`
	Version      int64                  `json:"version"`
}

// Clone returns a deep copy safe to hand to subscribers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := &Session{
		SessionID:    s.SessionID,
		DocumentID:   s.DocumentID,
		Participants: append([]string(nil), s.Participants...),
		Cursors:      make(map[string]CursorState, len(s.Cursors)),
		Version:      s.Version,
	}
	for k, v := range s.Cursors {
		out.Cursors[k] = v
	}
	return out
}

// CursorState is ephemeral per-participant presence: cursor position,
// optional selection, and an idle hint. One entry per user; a new update
// replaces the previous one, never appends.
type CursorState struct {
	UserID       string          `json:"userId"`
	DisplayName  string          `json:"displayName"`
	DisplayColor string          `json:"displayColor"`
	Position     CursorPosition  `json:"position"`
	Selection    *SelectionRange `json:"selection,omitempty"`
	Timestamp    WireTime        `json:"timestamp"`
	IsIdle       bool            `json:"isIdle,omitempty"`
}

// CursorPosition locates a cursor on an editing surface. Exactly one shape
// is populated: a free-form 2D point, a (line, column) pair for text, or a
// reference to a named element.
type CursorPosition struct {
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Line      *int     `json:"line,omitempty"`
	Column    *int     `json:"column,omitempty"`
	ElementID string   `json:"elementId,omitempty"`
}

// TextPoint is a (line, column) coordinate in a text surface.
type TextPoint struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// SelectionRange is an ordered start/end pair of text coordinates.
type SelectionRange struct {
	Start TextPoint `json:"start"`
	End   TextPoint `json:"end"`
}

// DocumentChange is one propagated edit. Operations are opaque to the
// coordinator; interpreting them is the editor surface's job. Version is the
// resulting document version after the change is applied.
type DocumentChange struct {
	UserID     string            `json:"userId"`
	DocumentID string            `json:"documentId"`
	Timestamp  WireTime          `json:"timestamp"`
	Operations []json.RawMessage `json:"operations"`
	Version    int64             `json:"version"`
}

// VersionConflict reports a mismatch between the version a client sent and
// the version the authority holds. Never auto-resolved here; the editor
// surface re-fetches and rebases.
type VersionConflict struct {
	DocumentID      string `json:"documentId"`
	ExpectedVersion int64  `json:"expectedVersion"`
	CurrentVersion  int64  `json:"currentVersion"`
}

// WireTime is a wall-clock timestamp that tolerates the formats peers put on
// the wire: RFC3339 strings, epoch milliseconds, or epoch seconds. It is
// normalized to a time.Time on receipt and only used for idle detection,
// never for ordering.
type WireTime struct {
	time.Time
}

// Now returns the current time as a WireTime.
func Now() WireTime {
	return WireTime{time.Now()}
}

func (t WireTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *WireTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if s != "" && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, str)
		}
		if err != nil {
			return fmt.Errorf("unparseable timestamp %q: %w", str, err)
		}
		t.Time = parsed
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("unparseable timestamp %s: %w", s, err)
	}
	// Large values are epoch milliseconds, small ones epoch seconds.
	if n > 1e12 {
		t.Time = time.UnixMilli(int64(n))
	} else {
		t.Time = time.Unix(int64(n), 0)
	}
	return nil
}
