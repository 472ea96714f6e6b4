package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"offline0/internal/clients"
)

var ErrNotShown = errors.New("notification is not shown")

// Windows is the set of application windows a click can focus or open.
type Windows interface {
	List() []clients.Client
	Focus(id string) (clients.Client, error)
	OpenWindow(url string) clients.Client
}

type Config struct {
	Title       string
	Tag         string
	DefaultBody string
	Icon        string
	Badge       string
	Vibrate     []int
	Actions     []Action
	DefaultPath string
}

// Result describes what an interaction did.
type Result struct {
	Notification Notification    `json:"notification"`
	Action       string          `json:"action"`
	Kind         string          `json:"kind"`
	Client       *clients.Client `json:"client,omitempty"`
}

type Router struct {
	cfg      Config
	display  Display
	deferrer Deferrer
	windows  Windows
	logger   zerolog.Logger
}

func NewRouter(cfg Config, display Display, deferrer Deferrer, windows Windows, logger zerolog.Logger) *Router {
	return &Router{cfg: cfg, display: display, deferrer: deferrer, windows: windows, logger: logger}
}

// OnPush shows a notification carrying payload as its body and returns once
// it is displayed.
func (r *Router) OnPush(ctx context.Context, payload []byte) (Notification, error) {
	body := strings.TrimSpace(string(payload))
	if body == "" {
		body = r.cfg.DefaultBody
	}
	n := Notification{
		ID:      uuid.NewString(),
		Tag:     r.cfg.Tag,
		Title:   r.cfg.Title,
		Body:    body,
		Icon:    r.cfg.Icon,
		Badge:   r.cfg.Badge,
		Vibrate: append([]int(nil), r.cfg.Vibrate...),
		Actions: append([]Action(nil), r.cfg.Actions...),
	}
	if err := r.display.Show(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("show notification: %w", err)
	}
	notificationsTotal.WithLabelValues("shown").Inc()
	r.logger.Info().Str("notification", n.ID).Str("tag", n.Tag).Msg("notification shown")
	return n, nil
}

// OnInteraction closes the notification, then acts on actionID. Unknown and
// empty actions bring the application to front.
func (r *Router) OnInteraction(ctx context.Context, id, actionID string) (Result, error) {
	n, ok := r.display.Close(ctx, id)
	if !ok {
		return Result{}, fmt.Errorf("notification %s: %w", id, ErrNotShown)
	}
	notificationsTotal.WithLabelValues("closed").Inc()

	res := Result{Notification: n, Action: actionID, Kind: r.kindOf(n, actionID)}
	log := r.logger.With().Str("notification", id).Str("action", actionID).Logger()

	switch res.Kind {
	case KindAcknowledge:
		notificationsTotal.WithLabelValues("acknowledged").Inc()
		log.Info().Msg("reminder acknowledged")
	case KindDefer:
		if err := r.deferrer.Defer(ctx, n); err != nil {
			return res, fmt.Errorf("defer notification %s: %w", id, err)
		}
		notificationsTotal.WithLabelValues("deferred").Inc()
	default:
		c := r.bringToFront()
		res.Client = &c
		log.Info().Str("client", c.ID).Str("url", c.URL).Msg("application brought to front")
	}
	return res, nil
}

func (r *Router) kindOf(n Notification, actionID string) string {
	if actionID == "" {
		return KindOpen
	}
	for _, a := range n.Actions {
		if a.ID == actionID {
			if a.Kind == "" {
				return KindAcknowledge
			}
			return a.Kind
		}
	}
	return KindOpen
}

func (r *Router) bringToFront() clients.Client {
	if open := r.windows.List(); len(open) > 0 {
		if c, err := r.windows.Focus(open[0].ID); err == nil {
			notificationsTotal.WithLabelValues("focused").Inc()
			return c
		}
	}
	notificationsTotal.WithLabelValues("opened").Inc()
	return r.windows.OpenWindow(r.cfg.DefaultPath)
}
