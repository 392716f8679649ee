// Package workflow defines the clinical document review lifecycle: its
// states, the events that move a document between them, and the
// append-only history every transition leaves behind.
package workflow

import (
	"errors"
	"fmt"

	"github.com/ehr/planflow/internal/platform/apperror"
)

// Status is the review state of a clinical document.
type Status string

const (
	StatusDraft                   Status = "DRAFT"
	StatusPendingBCBAReview       Status = "PENDING_BCBA_REVIEW"
	StatusPendingClinicalDirector Status = "PENDING_CLINICAL_DIRECTOR"
	StatusApproved                Status = "APPROVED"
	StatusActive                  Status = "ACTIVE"
	StatusRejected                Status = "REJECTED"
)

// Event is an action applied to a document.
type Event string

const (
	EventCreate   Event = "create"
	EventSubmit   Event = "submit"
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventActivate Event = "activate"
	EventRevise   Event = "revise"
)

// ErrInvalidTransition is returned when an event is not defined for the
// document's current status.
var ErrInvalidTransition = fmt.Errorf("%w: invalid workflow transition", apperror.ErrConflict)

// transitions is the complete graph. REJECTED and ACTIVE have no outgoing
// edges: a rejected or active plan changes only by creating a new revision.
var transitions = map[Status]map[Event]Status{
	StatusDraft: {
		EventSubmit: StatusPendingBCBAReview,
	},
	StatusPendingBCBAReview: {
		EventApprove: StatusPendingClinicalDirector,
		EventReject:  StatusRejected,
	},
	StatusPendingClinicalDirector: {
		EventApprove: StatusApproved,
		EventReject:  StatusRejected,
	},
	StatusApproved: {
		EventActivate: StatusActive,
	},
	StatusActive:   {},
	StatusRejected: {},
}

// revisable lists the states from which a new revision may be opened.
var revisable = map[Status]bool{
	StatusRejected: true,
	StatusApproved: true,
	StatusActive:   true,
}

// Next returns the status reached by applying ev to from.
func Next(from Status, ev Event) (Status, error) {
	edges, ok := transitions[from]
	if !ok {
		return "", fmt.Errorf("unknown status %q: %w", from, ErrInvalidTransition)
	}
	to, ok := edges[ev]
	if !ok {
		return "", fmt.Errorf("%s from %s: %w", ev, from, ErrInvalidTransition)
	}
	return to, nil
}

// CanApply reports whether ev is defined for from.
func CanApply(from Status, ev Event) bool {
	_, err := Next(from, ev)
	return err == nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsPending reports whether s awaits a reviewer decision.
func (s Status) IsPending() bool {
	return s == StatusPendingBCBAReview || s == StatusPendingClinicalDirector
}

// IsRevisable reports whether a new revision may be opened from s.
func (s Status) IsRevisable() bool { return revisable[s] }

// ParseStatus validates a status string received from outside the process.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", errors.New("unknown workflow status: " + v)
	}
	return s, nil
}

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusDraft,
		StatusPendingBCBAReview,
		StatusPendingClinicalDirector,
		StatusApproved,
		StatusActive,
		StatusRejected,
	}
}
