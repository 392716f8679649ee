package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/planflow/internal/platform/auth"
	"github.com/ehr/planflow/internal/platform/db"
	"github.com/ehr/planflow/internal/platform/tenant"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// AuditEntry is one immutable compliance event.
type AuditEntry struct {
	ID             uuid.UUID         `json:"id"`
	OrganizationID uuid.UUID         `json:"organization_id,omitempty"`
	ActorID        uuid.UUID         `json:"actor_id,omitempty"`
	ActorRole      string            `json:"actor_role,omitempty"`
	Action         string            `json:"action"`
	ResourceType   string            `json:"resource_type"`
	ResourceID     string            `json:"resource_id,omitempty"`
	PHIAccessed    bool              `json:"phi_accessed"`
	Outcome        string            `json:"outcome"`
	Rule           string            `json:"rule,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
	IPAddress      string            `json:"ip_address,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// EntryFor starts a successful entry attributed to the tenant caller.
func EntryFor(tc tenant.Context, action, resourceType, resourceID string) AuditEntry {
	return AuditEntry{
		OrganizationID: tc.OrganizationID(),
		ActorID:        tc.UserID(),
		ActorRole:      tc.Role().String(),
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Outcome:        OutcomeSuccess,
	}
}

// WithPHI marks the entry as touching protected health information.
func (e AuditEntry) WithPHI() AuditEntry {
	e.PHIAccessed = true
	return e
}

// WithDetail adds a key to the entry's detail map.
func (e AuditEntry) WithDetail(key, value string) AuditEntry {
	d := make(map[string]string, len(e.Detail)+1)
	for k, v := range e.Detail {
		d[k] = v
	}
	d[key] = value
	e.Detail = d
	return e
}

// WithError classifies err: permission denials record the rule, anything
// else is a failure.
func (e AuditEntry) WithError(err error) AuditEntry {
	if err == nil {
		return e
	}
	var pd *auth.PermissionDeniedError
	if errors.As(err, &pd) {
		e.Outcome = OutcomeDenied
		e.Rule = pd.Rule
		return e
	}
	e.Outcome = OutcomeFailure
	return e.WithDetail("error", err.Error())
}

// AuditWriteError reports an entry that never reached the sink. It is logged,
// never returned to the operation that produced the entry.
type AuditWriteError struct {
	Entry AuditEntry
	Err   error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("audit write %s: %v", e.Entry.Action, e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// ErrAuditQueueFull is the cause of an AuditWriteError when the recorder's
// buffer is saturated.
var ErrAuditQueueFull = errors.New("audit queue full")

// ErrRecorderClosed is the cause of an AuditWriteError for entries recorded
// after Close.
var ErrRecorderClosed = errors.New("audit recorder closed")

// AuditSink persists entries.
type AuditSink interface {
	WriteAudit(ctx context.Context, e AuditEntry) error
}

type requestMetaKey struct{}

type requestMeta struct {
	ip        string
	requestID string
}

// WithRequestMeta attaches the client address and request id that Record
// copies onto entries lacking them.
func WithRequestMeta(ctx context.Context, ip, requestID string) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, requestMeta{ip: ip, requestID: requestID})
}

// Recorder queues audit entries and writes them on a background goroutine.
// Record never blocks the caller and never returns an error.
type Recorder struct {
	sink         AuditSink
	logger       zerolog.Logger
	queue        chan AuditEntry
	writeTimeout time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder starts the background writer. Call Close on shutdown to drain
// pending entries.
func NewRecorder(sink AuditSink, logger zerolog.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		sink:         sink,
		logger:       logger.With().Str("component", "audit").Logger(),
		queue:        make(chan AuditEntry, queueSize),
		writeTimeout: 5 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		done:         make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues e. Failures surface only in the operational log.
func (r *Recorder) Record(ctx context.Context, e AuditEntry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}
	if meta, ok := ctx.Value(requestMetaKey{}).(requestMeta); ok {
		if e.IPAddress == "" {
			e.IPAddress = meta.ip
		}
		if e.RequestID == "" {
			e.RequestID = meta.requestID
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.fail(&AuditWriteError{Entry: e, Err: ErrRecorderClosed})
		return
	}
	select {
	case r.queue <- e:
	default:
		r.fail(&AuditWriteError{Entry: e, Err: ErrAuditQueueFull})
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
		if err := r.sink.WriteAudit(ctx, e); err != nil {
			r.fail(&AuditWriteError{Entry: e, Err: err})
		}
		cancel()
	}
}

func (r *Recorder) fail(err *AuditWriteError) {
	r.logger.Error().
		Err(err.Err).
		Str("audit_id", err.Entry.ID.String()).
		Str("action", err.Entry.Action).
		Str("resource_type", err.Entry.ResourceType).
		Str("resource_id", err.Entry.ResourceID).
		Str("organization_id", err.Entry.OrganizationID.String()).
		Msg("audit entry not persisted")
}

// Pending returns the number of queued entries.
func (r *Recorder) Pending() int { return len(r.queue) }

// HealthCheck fails when the queue is more than 90% full.
func (r *Recorder) HealthCheck(context.Context) error {
	if c := cap(r.queue); c > 0 && len(r.queue)*10 > c*9 {
		return fmt.Errorf("audit queue %d/%d", len(r.queue), c)
	}
	return nil
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain: %w (%d entries pending)", ctx.Err(), len(r.queue))
	}
}

// PGAuditSink writes entries to the audit_log table.
type PGAuditSink struct {
	db db.Querier
}

func NewPGAuditSink(q db.Querier) *PGAuditSink {
	return &PGAuditSink{db: q}
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PGAuditSink) WriteAudit(ctx context.Context, e AuditEntry) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]string{}
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_log (
			id, organization_id, actor_id, actor_role, action, resource_type, resource_id,
			phi_accessed, outcome, rule, detail, ip_address, request_id, occurred_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, nullUUID(e.OrganizationID), nullUUID(e.ActorID), nullString(e.ActorRole),
		e.Action, e.ResourceType, nullString(e.ResourceID),
		e.PHIAccessed, e.Outcome, nullString(e.Rule), detailJSON,
		nullString(e.IPAddress), nullString(e.RequestID), e.OccurredAt,
	)
	return db.MapError(err)
}
