// Package store implements named resource stores: one store per cache
// generation, each mapping a request key to a stored response.
//
// A store must be opened before it accepts writes. Once deleted, a store
// rejects writes with ErrStoreNotFound until it is opened again, so a late
// write can never bring a purged generation back.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"offline0/internal/resource"
)

var (
	// ErrNotFound is returned by Get when the store or the key does not exist.
	ErrNotFound = errors.New("store: entry not found")

	// ErrStoreNotFound is returned by Put when the named store is not open.
	ErrStoreNotFound = errors.New("store: store does not exist")

	// ErrNotCacheable is returned by Put for any response that is not a 200.
	ErrNotCacheable = errors.New("store: response is not cacheable")
)

// Backend is a set of named stores. Implementations are safe for concurrent
// use; concurrent Puts of one key resolve as last write wins.
type Backend interface {
	// Open creates the named store if it does not exist yet.
	Open(ctx context.Context, name string) error
	// Names lists existing stores in lexical order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the store and all of its entries. Missing stores are not an error.
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name, key string) (*resource.Response, error)
	Put(ctx context.Context, name, key string, resp *resource.Response) error

	// Marker returns the persisted name of the last activated store, "" if none.
	Marker(ctx context.Context) (string, error)
	SetMarker(ctx context.Context, name string) error

	Close() error
}

func checkPut(name string, resp *resource.Response) error {
	if name == "" {
		return fmt.Errorf("store: empty store name")
	}
	if !resp.Cacheable() {
		return ErrNotCacheable
	}
	return nil
}

func encodeResponse(resp *resource.Response) ([]byte, error) {
	b, err := msgpack.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return b, nil
}

func decodeResponse(b []byte) (*resource.Response, error) {
	var resp resource.Response
	if err := msgpack.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}
