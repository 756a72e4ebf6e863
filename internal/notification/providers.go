package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Provider delivers a notification over one channel
type Provider interface {
	Send(ctx context.Context, notification *Notification) error
}

// LogProvider writes notifications to the structured log. It is the
// delivery channel used until an email or SMS gateway is configured.
type LogProvider struct {
	log zerolog.Logger
}

// NewLogProvider creates a provider that logs each notification
func NewLogProvider(log zerolog.Logger) *LogProvider {
	return &LogProvider{log: log.With().Str("component", "notification").Logger()}
}

// Send logs the notification
func (p *LogProvider) Send(ctx context.Context, n *Notification) error {
	p.log.Info().
		Str("notification_id", n.ID).
		Str("kind", string(n.Kind)).
		Str("recipient_id", n.RecipientID.String()).
		Str("subject", n.Subject).
		Msg("notification delivered")
	return nil
}

// MockProvider records notifications in memory for testing
type MockProvider struct {
	mu         sync.RWMutex
	sent       []*Notification
	failOnSend bool
}

// NewMockProvider creates a new mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Send records the notification (mock implementation)
func (p *MockProvider) Send(ctx context.Context, n *Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failOnSend {
		return fmt.Errorf("mock send failure")
	}
	p.sent = append(p.sent, n)
	return nil
}

// SetFailOnSend sets whether Send should fail
func (p *MockProvider) SetFailOnSend(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOnSend = fail
}

// Sent returns all delivered notifications
func (p *MockProvider) Sent() []*Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Notification, len(p.sent))
	copy(out, p.sent)
	return out
}
