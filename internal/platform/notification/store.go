package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/planflow/internal/platform/apperror"
	"github.com/ehr/planflow/internal/platform/db"
)

// PGStore keeps notifications in the notification table.
type PGStore struct {
	db db.Querier
}

func NewPGStore(q db.Querier) *PGStore {
	return &PGStore{db: q}
}

func (s *PGStore) Save(ctx context.Context, n Notification) error {
	var link *string
	if n.Link != "" {
		link = &n.Link
	}
	_, err := db.Conn(ctx, s.db).Exec(ctx, `
		INSERT INTO notification (id, organization_id, target_user_id, type, title, message, link, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.OrganizationID, n.TargetUserID, string(n.Type), n.Title, n.Message, link, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", db.MapError(err))
	}
	return nil
}

func (s *PGStore) ListForUser(ctx context.Context, orgID, userID uuid.UUID, unreadOnly bool, limit int) ([]Notification, error) {
	query := `
		SELECT id, organization_id, target_user_id, type, title, message, link, read_at, created_at
		FROM notification
		WHERE organization_id = $1 AND target_user_id = $2`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $3`

	rows, err := db.Conn(ctx, s.db).Query(ctx, query, orgID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", db.MapError(err))
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkRead(ctx context.Context, orgID, userID, id uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, s.db).Exec(ctx, `
		UPDATE notification SET read_at = COALESCE(read_at, $4)
		WHERE id = $1 AND organization_id = $2 AND target_user_id = $3`,
		id, orgID, userID, at)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", db.MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFoundf("notification %s", id)
	}
	return nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var (
		n    Notification
		typ  string
		link *string
	)
	if err := row.Scan(&n.ID, &n.OrganizationID, &n.TargetUserID, &typ, &n.Title, &n.Message, &link, &n.ReadAt, &n.CreatedAt); err != nil {
		return Notification{}, fmt.Errorf("scan notification: %w", err)
	}
	n.Type = Type(typ)
	if link != nil {
		n.Link = *link
	}
	return n, nil
}

// MemoryStore is an in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu    sync.RWMutex
	items []Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, n)
	return nil
}

func (s *MemoryStore) ListForUser(_ context.Context, orgID, userID uuid.UUID, unreadOnly bool, limit int) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Notification
	for _, n := range s.items {
		if n.OrganizationID != orgID || n.TargetUserID != userID {
			continue
		}
		if unreadOnly && n.ReadAt != nil {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, orgID, userID, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		n := &s.items[i]
		if n.ID == id && n.OrganizationID == orgID && n.TargetUserID == userID {
			if n.ReadAt == nil {
				t := at
				n.ReadAt = &t
			}
			return nil
		}
	}
	return apperror.NotFoundf("notification %s", id)
}

// All returns every stored notification in insertion order.
func (s *MemoryStore) All() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, len(s.items))
	copy(out, s.items)
	return out
}
