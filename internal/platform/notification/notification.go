// Package notification delivers in-app notifications and outbound email.
// Delivery is fire-and-forget: callers never observe a delivery failure.
package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type classifies an in-app notification.
type Type string

const (
	TypePlanSubmitted      Type = "plan_submitted"
	TypePlanAwaitsDirector Type = "plan_awaits_director"
	TypePlanApproved       Type = "plan_approved"
	TypePlanRejected       Type = "plan_rejected"
	TypePlanActivated      Type = "plan_activated"
	TypeStaffInvited       Type = "staff_invited"
)

// Notification is a message for one user inside one organization.
type Notification struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	TargetUserID   uuid.UUID  `json:"target_user_id"`
	Type           Type       `json:"type"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Link           string     `json:"link,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Dispatcher accepts notifications for delivery. Dispatch returns before
// delivery happens and reports nothing back.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification)
}

// NotificationError wraps a failed delivery. It is logged, never returned to
// the operation that triggered the notification.
type NotificationError struct {
	Notification Notification
	Err          error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notification %s to %s: %v", e.Notification.Type, e.Notification.TargetUserID, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// Store persists in-app notifications.
type Store interface {
	Save(ctx context.Context, n Notification) error
	ListForUser(ctx context.Context, orgID, userID uuid.UUID, unreadOnly bool, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, orgID, userID, id uuid.UUID, at time.Time) error
}

// AsyncDispatcher saves each notification on its own goroutine.
type AsyncDispatcher struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsyncDispatcher(store Store, logger zerolog.Logger) *AsyncDispatcher {
	return &AsyncDispatcher{
		store:   store,
		logger:  logger.With().Str("component", "notification").Logger(),
		timeout: 5 * time.Second,
	}
}

func (d *AsyncDispatcher) Dispatch(ctx context.Context, n Notification) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	// Delivery outlives the request that triggered it.
	base := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.fail(&NotificationError{Notification: n, Err: fmt.Errorf("panic: %v", r)})
			}
		}()

		sendCtx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()
		if err := d.store.Save(sendCtx, n); err != nil {
			d.fail(&NotificationError{Notification: n, Err: err})
		}
	}()
}

func (d *AsyncDispatcher) fail(err *NotificationError) {
	d.logger.Error().
		Err(err.Err).
		Str("type", string(err.Notification.Type)).
		Str("target_user_id", err.Notification.TargetUserID.String()).
		Str("organization_id", err.Notification.OrganizationID.String()).
		Msg("notification not delivered")
}

// Wait blocks until every dispatched notification has been attempted.
func (d *AsyncDispatcher) Wait() { d.wg.Wait() }

// Fanout dispatches a copy of n to every target except skip.
func Fanout(ctx context.Context, d Dispatcher, n Notification, targets []uuid.UUID, skip uuid.UUID) {
	seen := make(map[uuid.UUID]bool, len(targets))
	for _, id := range targets {
		if id == uuid.Nil || id == skip || seen[id] {
			continue
		}
		seen[id] = true
		c := n
		c.ID = uuid.Nil
		c.TargetUserID = id
		d.Dispatch(ctx, c)
	}
}
