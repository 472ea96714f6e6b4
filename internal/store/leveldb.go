package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"offline0/internal/resource"
)

// Key layout inside the single LevelDB database:
//
//	n:<store>            store name index
//	e:<store>\x00<key>   entries
//	x:marker             last activated store
const (
	nameKeyPrefix  = "n:"
	entryKeyPrefix = "e:"
	markerKey      = "x:marker"
)

// LevelDB keeps every store in one LevelDB database on disk.
type LevelDB struct {
	db *leveldb.DB

	// lifecycle serializes Open/Delete against Put, so a Put that saw the name
	// index cannot land after the store's entries were swept.
	lifecycle sync.RWMutex
}

var _ Backend = (*LevelDB)(nil)

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

func entryPrefix(name string) []byte {
	return []byte(entryKeyPrefix + name + "\x00")
}

func validName(name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return fmt.Errorf("store: invalid store name %q", name)
	}
	return nil
}

func (d *LevelDB) Open(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.db.Put([]byte(nameKeyPrefix+name), nil, nil)
}

func (d *LevelDB) Names(_ context.Context) ([]string, error) {
	it := d.db.NewIterator(util.BytesPrefix([]byte(nameKeyPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(nameKeyPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *LevelDB) Delete(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	batch := new(leveldb.Batch)
	batch.Delete([]byte(nameKeyPrefix + name))

	it := d.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("scan store %s: %w", name, err)
	}
	return d.db.Write(batch, nil)
}

func (d *LevelDB) Get(_ context.Context, name, key string) (*resource.Response, error) {
	b, err := d.db.Get(append(entryPrefix(name), key...), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeResponse(b)
}

func (d *LevelDB) Put(_ context.Context, name, key string, resp *resource.Response) error {
	if err := checkPut(name, resp); err != nil {
		return err
	}
	b, err := encodeResponse(resp)
	if err != nil {
		return err
	}

	d.lifecycle.RLock()
	defer d.lifecycle.RUnlock()

	ok, err := d.db.Has([]byte(nameKeyPrefix+name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoreNotFound
	}
	return d.db.Put(append(entryPrefix(name), key...), b, nil)
}

func (d *LevelDB) Marker(_ context.Context) (string, error) {
	b, err := d.db.Get([]byte(markerKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *LevelDB) SetMarker(_ context.Context, name string) error {
	return d.db.Put([]byte(markerKey), []byte(name), nil)
}

func (d *LevelDB) Close() error {
	return d.db.Close()
}
