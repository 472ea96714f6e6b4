// Package bgsync runs the handlers registered for background wake-ups.
package bgsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler does the work for one tag. The wake-up is finished when it returns.
type Handler func(ctx context.Context) error

// HandlerError is a failed or panicking handler. It is logged and counted,
// never returned to the waker.
type HandlerError struct {
	Tag   string
	Err   error
	Panic any
}

func (e *HandlerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("sync handler %q panicked: %v", e.Tag, e.Panic)
	}
	return fmt.Sprintf("sync handler %q: %v", e.Tag, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type Dispatcher struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{logger: logger, handlers: map[string]Handler{}}
}

// Register sets the handler for tag, replacing any previous one.
func (d *Dispatcher) Register(tag string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[tag]; dup {
		d.logger.Warn().Str("tag", tag).Msg("replacing sync handler")
	}
	d.handlers[tag] = h
}

func (d *Dispatcher) Tags() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// OnWake runs the handler for tag and waits for it. A tag without a handler
// completes at once. Handler failures are logged; the wake-up itself always
// succeeds.
func (d *Dispatcher) OnWake(ctx context.Context, tag string) error {
	d.mu.RLock()
	h, ok := d.handlers[tag]
	d.mu.RUnlock()
	if !ok {
		wakesTotal.WithLabelValues("unhandled").Inc()
		d.logger.Debug().Str("tag", tag).Msg("no sync handler registered")
		return nil
	}

	start := time.Now()
	if herr := run(ctx, tag, h); herr != nil {
		wakesTotal.WithLabelValues("failed").Inc()
		d.logger.Error().Err(herr).Str("tag", tag).Dur("took", time.Since(start)).Msg("sync handler failed")
		return nil
	}
	wakesTotal.WithLabelValues("ok").Inc()
	d.logger.Debug().Str("tag", tag).Dur("took", time.Since(start)).Msg("sync handler finished")
	return nil
}

func run(ctx context.Context, tag string, h Handler) (herr *HandlerError) {
	defer func() {
		if p := recover(); p != nil {
			herr = &HandlerError{Tag: tag, Panic: p}
		}
	}()
	if err := h(ctx); err != nil {
		return &HandlerError{Tag: tag, Err: err}
	}
	return nil
}
