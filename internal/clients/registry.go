// Package clients tracks the application windows served through the proxy.
package clients

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("client not found")

type Client struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Focused bool   `json:"focused"`

	// Controller is the generation serving this client, empty until claimed.
	Controller string    `json:"controller,omitempty"`
	OpenedAt   time.Time `json:"openedAt"`

	seq uint64
}

type Registry struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	seq     uint64
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger, clients: map[string]*Client{}}
}

// Register records an already open window.
func (r *Registry) Register(url string) Client {
	c := &Client{ID: uuid.NewString(), URL: url, OpenedAt: time.Now()}
	r.mu.Lock()
	r.seq++
	c.seq = r.seq
	r.clients[c.ID] = c
	r.mu.Unlock()
	r.logger.Debug().Str("client", c.ID).Str("url", url).Msg("client registered")
	return *c
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	return true
}

// List returns the windows in the order they were opened.
func (r *Registry) List() []Client {
	r.mu.Lock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Focus gives id the focus and takes it from every other window.
func (r *Registry) Focus(id string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.clients[id]
	if !ok {
		return Client{}, ErrNotFound
	}
	for _, c := range r.clients {
		c.Focused = false
	}
	target.Focused = true
	r.logger.Info().Str("client", id).Str("url", target.URL).Msg("client focused")
	return *target, nil
}

// OpenWindow opens a new focused window at url.
func (r *Registry) OpenWindow(url string) Client {
	c := &Client{ID: uuid.NewString(), URL: url, Focused: true, OpenedAt: time.Now()}
	r.mu.Lock()
	for _, other := range r.clients {
		other.Focused = false
	}
	r.seq++
	c.seq = r.seq
	r.clients[c.ID] = c
	r.mu.Unlock()
	r.logger.Info().Str("client", c.ID).Str("url", url).Msg("window opened")
	return *c
}

// Claim makes generationID the controller of every window.
func (r *Registry) Claim(_ context.Context, generationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Controller = generationID
	}
	return len(r.clients)
}
