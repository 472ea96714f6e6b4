package manifest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discover walks the sitemaps breadth first, following nested sitemap
// indexes once each, and returns the page paths in document order.
func (l *Loader) discover(ctx context.Context, roots []string) ([]string, error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(roots))
	for _, sm := range roots {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	var paths []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ref := queue[0]
		queue = queue[1:]
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}

		doc, err := l.fetchSitemap(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", ref, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, nested)
			}
		}

		found := 0
		for _, loc := range doc.URLs {
			if p := pathFromLoc(loc); p != "" {
				paths = append(paths, p)
				found++
			}
		}
		l.logger.Debug().Str("sitemap", ref).Int("urls", len(doc.URLs)).Int("kept", found).Msg("sitemap discovered")
	}
	return paths, nil
}

func (l *Loader) fetchSitemap(ctx context.Context, ref string) (sitemapDoc, error) {
	resp, u, err := l.getter.Get(ctx, ref)
	if err != nil {
		return sitemapDoc{}, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		snippet := resp.Body
		if len(snippet) > 2048 {
			snippet = snippet[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	body := resp.Body
	// A .gz sitemap may arrive already decoded if the server also set
	// Content-Encoding, so sniff the magic bytes as well.
	gz := strings.HasSuffix(strings.ToLower(u.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if gz {
		if zr, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(zr); err == nil {
				body = unzipped
			}
			_ = zr.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	return doc, nil
}

func pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
