package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Deferrer postpones a notification the user chose to deal with later.
type Deferrer interface {
	Defer(ctx context.Context, n Notification) error
}

// Snoozer shows a deferred notification again after a fixed delay.
type Snoozer struct {
	display Display
	delay   time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

var _ Deferrer = (*Snoozer)(nil)

func NewSnoozer(display Display, delay time.Duration, logger zerolog.Logger) *Snoozer {
	return &Snoozer{display: display, delay: delay, logger: logger, timers: map[string]*time.Timer{}}
}

func (s *Snoozer) Defer(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	again := n
	again.ID = uuid.NewString()
	again.ShownAt = time.Time{}

	s.timers[again.ID] = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		delete(s.timers, again.ID)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
		if err := s.display.Show(context.Background(), again); err != nil {
			s.logger.Warn().Err(err).Str("tag", again.Tag).Msg("failed to re-show snoozed notification")
			return
		}
		notificationsTotal.WithLabelValues("reshown").Inc()
		s.logger.Info().Str("notification", again.ID).Str("tag", again.Tag).Msg("snoozed notification shown again")
	})
	s.logger.Info().Str("notification", n.ID).Dur("delay", s.delay).Msg("notification snoozed")
	return nil
}

// Pending returns how many snoozed notifications are waiting.
func (s *Snoozer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending re-show.
func (s *Snoozer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
