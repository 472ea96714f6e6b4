// Package manifest assembles the ordered list of resources a new generation is
// populated with.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"offline0/internal/resource"
)

// Manifest is an ordered, duplicate-free list of paths or absolute URLs.
type Manifest []string

type Sources struct {
	Paths    []string
	File     string // JSON array, or a yaml list when the extension is .yaml/.yml
	Sitemaps []string
}

// Getter fetches a single resource; network.Origin implements it.
type Getter interface {
	Get(ctx context.Context, ref string) (*resource.Response, *url.URL, error)
}

type Loader struct {
	getter Getter
	logger zerolog.Logger
}

func NewLoader(getter Getter, logger zerolog.Logger) *Loader {
	return &Loader{getter: getter, logger: logger}
}

// Load merges inline paths, the manifest file and sitemap discoveries, in
// that order. The result is fixed for the lifetime of one generation.
func (l *Loader) Load(ctx context.Context, src Sources) (Manifest, error) {
	var m Manifest
	seen := map[string]struct{}{}
	add := func(entries ...string) {
		for _, e := range entries {
			e = strings.TrimSpace(e)
			if e == "" {
				continue
			}
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			m = append(m, e)
		}
	}

	add(src.Paths...)

	if src.File != "" {
		entries, err := ReadFile(src.File)
		if err != nil {
			return nil, err
		}
		add(entries...)
	}

	if len(src.Sitemaps) > 0 {
		paths, err := l.discover(ctx, src.Sitemaps)
		if err != nil {
			return nil, err
		}
		add(paths...)
	}

	if len(m) == 0 {
		return nil, fmt.Errorf("manifest is empty")
	}
	return m, nil
}

func ReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var entries []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &entries)
	default:
		err = json.Unmarshal(b, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return entries, nil
}
