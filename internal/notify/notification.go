// Package notify turns push payloads into shown notifications and routes the
// user's interaction with them.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	KindAcknowledge = "acknowledge"
	KindDefer       = "defer"
	KindOpen        = "open"
)

type Action struct {
	ID    string `json:"action"`
	Title string `json:"title"`
	Icon  string `json:"icon,omitempty"`

	// Kind is what a click on this action does: acknowledge, defer or open.
	Kind string `json:"-"`
}

type Notification struct {
	ID      string    `json:"id"`
	Tag     string    `json:"tag"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Icon    string    `json:"icon,omitempty"`
	Badge   string    `json:"badge,omitempty"`
	Vibrate []int     `json:"vibrate,omitempty"`
	Actions []Action  `json:"actions,omitempty"`
	ShownAt time.Time `json:"shownAt"`
}

// Display shows and closes notifications.
type Display interface {
	Show(ctx context.Context, n Notification) error
	// Close removes the notification and returns it; ok is false when it is
	// not shown.
	Close(ctx context.Context, id string) (n Notification, ok bool)
}

// Tray is an in-process Display. Showing a notification replaces any shown
// one with the same tag.
type Tray struct {
	mu    sync.Mutex
	shown map[string]Notification
}

var _ Display = (*Tray)(nil)

func NewTray() *Tray {
	return &Tray{shown: map[string]Notification{}}
}

func (t *Tray) Show(_ context.Context, n Notification) error {
	if n.ShownAt.IsZero() {
		n.ShownAt = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.Tag != "" {
		for id, other := range t.shown {
			if other.Tag == n.Tag {
				delete(t.shown, id)
			}
		}
	}
	t.shown[n.ID] = n
	return nil
}

func (t *Tray) Close(_ context.Context, id string) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.shown[id]
	if ok {
		delete(t.shown, id)
	}
	return n, ok
}

// List returns the shown notifications, oldest first.
func (t *Tray) List() []Notification {
	t.mu.Lock()
	out := make([]Notification, 0, len(t.shown))
	for _, n := range t.shown {
		out = append(out, n)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShownAt.Equal(out[j].ShownAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ShownAt.Before(out[j].ShownAt)
	})
	return out
}
