package workflow

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/planflow/internal/platform/apperror"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from Status
		ev   Event
		want Status
		ok   bool
	}{
		{StatusDraft, EventSubmit, StatusPendingBCBAReview, true},
		{StatusPendingBCBAReview, EventApprove, StatusPendingClinicalDirector, true},
		{StatusPendingClinicalDirector, EventApprove, StatusApproved, true},
		{StatusPendingBCBAReview, EventReject, StatusRejected, true},
		{StatusPendingClinicalDirector, EventReject, StatusRejected, true},
		{StatusApproved, EventActivate, StatusActive, true},
		{StatusDraft, EventApprove, "", false},
		{StatusDraft, EventReject, "", false},
		{StatusRejected, EventSubmit, "", false},
		{StatusRejected, EventApprove, "", false},
		{StatusApproved, EventReject, "", false},
		{StatusActive, EventSubmit, "", false},
		{Status("ARCHIVED"), EventSubmit, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Next(tt.from, tt.ev)
			if !tt.ok {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
				assert.True(t, errors.Is(err, apperror.ErrConflict))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRejectedIsTerminal(t *testing.T) {
	for _, ev := range []Event{EventSubmit, EventApprove, EventReject, EventActivate, EventCreate} {
		assert.False(t, CanApply(StatusRejected, ev), "REJECTED must not accept %s", ev)
	}
	assert.True(t, StatusRejected.IsRevisable())
	assert.False(t, StatusDraft.IsRevisable())
}

func TestParseStatus(t *testing.T) {
	for _, s := range Statuses() {
		got, err := ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseStatus("draft")
	assert.Error(t, err)
}

func TestHistory_AppendOnly(t *testing.T) {
	actor := uuid.New()
	var h History

	require.NoError(t, h.Append(Entry{Status: StatusDraft, ActorID: actor, ActorName: "B", Action: EventCreate}))
	require.NoError(t, h.Append(Entry{Status: StatusPendingBCBAReview, ActorID: actor, ActorName: "B", Action: EventSubmit}))
	assert.Equal(t, 2, h.Len())

	entries := h.Entries()
	entries[0].Status = StatusRejected
	assert.Equal(t, StatusDraft, h.Entries()[0].Status, "Entries must return a copy")

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, EventSubmit, last.Action)
	assert.False(t, last.Timestamp.IsZero())
}

func TestHistory_AppendValidates(t *testing.T) {
	var h History
	assert.Error(t, h.Append(Entry{Status: "BOGUS", ActorID: uuid.New(), Action: EventSubmit}))
	assert.Error(t, h.Append(Entry{Status: StatusDraft, ActorID: uuid.New()}))
	assert.Error(t, h.Append(Entry{Status: StatusDraft, Action: EventCreate}))
	assert.Equal(t, 0, h.Len())
}

func TestHistory_TimestampsNeverGoBackwards(t *testing.T) {
	actor := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHistory(Entry{Status: StatusDraft, Timestamp: now, ActorID: actor, Action: EventCreate})

	require.NoError(t, h.Append(Entry{Status: StatusPendingBCBAReview, Timestamp: now.Add(-time.Hour), ActorID: actor, Action: EventSubmit}))
	last, _ := h.Last()
	assert.Equal(t, now, last.Timestamp)
}

func TestHistory_Since(t *testing.T) {
	actor := uuid.New()
	h := NewHistory(Entry{Status: StatusDraft, ActorID: actor, Action: EventCreate})
	require.NoError(t, h.Append(Entry{Status: StatusPendingBCBAReview, ActorID: actor, Action: EventSubmit}))

	delta := h.Since(1)
	require.Len(t, delta, 1)
	assert.Equal(t, EventSubmit, delta[0].Action)
	assert.Nil(t, h.Since(2))
}

func TestHistory_JSON(t *testing.T) {
	actor := uuid.New()
	var empty History
	b, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(b))

	h := NewHistory(Entry{
		Status:    StatusRejected,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ActorID:   actor,
		ActorName: "Dana Director",
		Action:    EventReject,
		Reason:    "goals not measurable",
	})
	b, err = json.Marshal(h)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"actorId":"`+actor.String()+`"`)
	assert.Contains(t, string(b), `"reason":"goals not measurable"`)

	var back History
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, h.Entries(), back.Entries())
}
