package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier queues notifications for delivery
type Notifier interface {
	Notify(ctx context.Context, notification *Notification) error
}

// Send queues n on notifier when one is configured. Delivery is best
// effort; a full queue is logged and otherwise ignored.
func Send(ctx context.Context, notifier Notifier, log *zerolog.Logger, n *Notification) {
	if notifier == nil || n == nil {
		return
	}
	if err := notifier.Notify(ctx, n); err != nil && log != nil {
		log.Warn().Err(err).Str("kind", string(n.Kind)).Msg("failed to queue notification")
	}
}

// Service delivers notifications through a provider from a worker pool
type Service struct {
	provider Provider
	log      zerolog.Logger

	mu    sync.RWMutex
	stats Stats

	notifCh chan *Notification
	config  ServiceConfig

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// ServiceConfig holds service configuration
type ServiceConfig struct {
	Workers       int
	BufferSize    int
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultServiceConfig returns default configuration
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Workers:       2,
		BufferSize:    500,
		RetryAttempts: 3,
		RetryDelay:    5 * time.Second,
	}
}

// NewService creates a new notification service
func NewService(provider Provider, config ServiceConfig, log zerolog.Logger) *Service {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &Service{
		provider: provider,
		log:      log,
		stats:    Stats{ByKind: make(map[Kind]int64)},
		notifCh:  make(chan *Notification, config.BufferSize),
		config:   config,
		stopCh:   make(chan struct{}),
	}
}

// Start starts the delivery workers
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}
	s.started = true

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	return nil
}

// Stop stops the workers and waits for in-flight deliveries
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Notify queues a notification without blocking
func (s *Service) Notify(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.Status = StatusPending

	select {
	case s.notifCh <- n:
		return nil
	default:
		return fmt.Errorf("notification buffer full")
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case n := <-s.notifCh:
			s.deliver(ctx, n)
		}
	}
}

// deliver sends n, retrying up to RetryAttempts times
func (s *Service) deliver(ctx context.Context, n *Notification) {
	for {
		err := s.provider.Send(ctx, n)
		if err == nil {
			now := time.Now()
			n.SentAt = &now
			n.Status = StatusSent
			s.record(n, true)
			return
		}

		n.RetryCount++
		n.ErrorMessage = err.Error()
		if n.RetryCount >= s.config.RetryAttempts {
			n.Status = StatusFailed
			s.record(n, false)
			s.log.Warn().Err(err).Str("notification_id", n.ID).Str("kind", string(n.Kind)).Msg("notification delivery failed")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(s.config.RetryDelay):
		}
	}
}

func (s *Service) record(n *Notification, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if success {
		s.stats.TotalSent++
		s.stats.ByKind[n.Kind]++
	} else {
		s.stats.TotalFailed++
	}
}

// Stats returns a copy of the delivery statistics
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Stats{TotalSent: s.stats.TotalSent, TotalFailed: s.stats.TotalFailed, ByKind: make(map[Kind]int64, len(s.stats.ByKind))}
	for k, v := range s.stats.ByKind {
		out.ByKind[k] = v
	}
	return out
}
