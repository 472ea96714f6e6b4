package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

type Options struct {
	Backend string // leveldb | redis | sqlite | memory

	LevelDBPath string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	SQLitePath string
}

// OpenBackend opens the configured backend. Redis is pinged so that a wrong
// address fails at startup rather than on the first request.
func OpenBackend(ctx context.Context, opts Options) (Backend, error) {
	switch opts.Backend {
	case "", "leveldb":
		path := opts.LevelDBPath
		if path == "" {
			path = "./data/leveldb"
		}
		return OpenLevelDB(path)
	case "sqlite":
		path := opts.SQLitePath
		if path == "" {
			path = "./data/offline0.db"
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create storage dir: %w", err)
			}
		}
		return OpenSQLite(path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", opts.RedisAddr, err)
		}
		return NewRedis(client, opts.RedisNamespace), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
