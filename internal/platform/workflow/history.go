package workflow

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Entry is a single immutable record of a status change.
type Entry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   uuid.UUID `json:"actorId"`
	ActorName string    `json:"actorName"`
	Action    Event     `json:"action"`
	Reason    string    `json:"reason,omitempty"`
}

// History is an ordered, append-only log of entries. The zero value is an
// empty history. There is deliberately no way to edit or drop an entry.
type History struct {
	entries []Entry
}

// NewHistory rebuilds a history from persisted entries.
func NewHistory(entries ...Entry) History {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return History{entries: cp}
}

// Append adds e to the end of the log.
func (h *History) Append(e Entry) error {
	if !e.Status.Valid() {
		return errors.New("history entry: unknown status " + string(e.Status))
	}
	if e.Action == "" {
		return errors.New("history entry: action is required")
	}
	if e.ActorID == uuid.Nil {
		return errors.New("history entry: actor is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if last, ok := h.Last(); ok && e.Timestamp.Before(last.Timestamp) {
		e.Timestamp = last.Timestamp
	}
	h.entries = append(h.entries, e)
	return nil
}

// Len returns the number of entries.
func (h History) Len() int { return len(h.entries) }

// Entries returns a copy of the log in order.
func (h History) Entries() []Entry {
	cp := make([]Entry, len(h.entries))
	copy(cp, h.entries)
	return cp
}

// Last returns the most recent entry.
func (h History) Last() (Entry, bool) {
	if len(h.entries) == 0 {
		return Entry{}, false
	}
	return h.entries[len(h.entries)-1], true
}

// Since returns a copy of the entries appended after the first n.
func (h History) Since(n int) []Entry {
	if n >= len(h.entries) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	cp := make([]Entry, len(h.entries)-n)
	copy(cp, h.entries[n:])
	return cp
}

func (h History) MarshalJSON() ([]byte, error) {
	if h.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h.entries)
}

func (h *History) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	h.entries = entries
	return nil
}
