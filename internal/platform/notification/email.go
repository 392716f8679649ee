package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// LogEmailSender writes outbound mail to the log instead of delivering it.
// Mail transport is provided by the deployment; this sender keeps local and
// test environments working without one.
type LogEmailSender struct {
	logger zerolog.Logger
}

func NewLogEmailSender(logger zerolog.Logger) *LogEmailSender {
	return &LogEmailSender{logger: logger.With().Str("component", "email").Logger()}
}

func (s *LogEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("to", to).Str("subject", subject).Int("body_bytes", len(body)).Msg("email queued for delivery")
	return nil
}

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
