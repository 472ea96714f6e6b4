package offline0

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"offline0/internal/intercept"
	"offline0/internal/notify"
	"offline0/internal/resource"
)

// Event is one of the lifecycle, request, push, notification and sync events
// the service reacts to. Dispatch returns once the event's work is complete
// and fills in the event's result fields.
type Event interface {
	event()
}

// InstallEvent populates a new generation from the configured manifest.
type InstallEvent struct {
	// Version overrides generation.version for this install.
	Version string

	ID      string
	Entries int
	Took    time.Duration
}

// ActivateEvent makes an installed generation current. An empty ID means the
// most recently installed one.
type ActivateEvent struct {
	ID string
}

// FetchEvent carries one proxied request, already aimed at the origin.
type FetchEvent struct {
	Request *http.Request

	Response *resource.Response
	Outcome  intercept.Outcome
}

type PushEvent struct {
	Payload []byte

	Notification notify.Notification
}

type NotificationEvent struct {
	NotificationID string
	Action         string

	Result notify.Result
}

type SyncEvent struct {
	Tag string
}

func (*InstallEvent) event()      {}
func (*ActivateEvent) event()     {}
func (*FetchEvent) event()        {}
func (*PushEvent) event()         {}
func (*NotificationEvent) event() {}
func (*SyncEvent) event()         {}

func (s *Service) Dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case *InstallEvent:
		return s.install(ctx, e)
	case *ActivateEvent:
		return s.activate(ctx, e)
	case *FetchEvent:
		resp, outcome, err := s.strategy.Handle(ctx, e.Request)
		e.Response, e.Outcome = resp, outcome
		return err
	case *PushEvent:
		n, err := s.router.OnPush(ctx, e.Payload)
		e.Notification = n
		return err
	case *NotificationEvent:
		res, err := s.router.OnInteraction(ctx, e.NotificationID, e.Action)
		e.Result = res
		return err
	case *SyncEvent:
		return s.syncs.OnWake(ctx, e.Tag)
	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}
