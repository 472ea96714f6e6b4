// Package network performs the single network attempt behind every cache
// decision: fetching a manifest entry or a proxied request from the origin.
package network

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offline0/internal/resource"
)

// Fetcher performs exactly one network attempt. A non-2xx status is a
// response, not an error; only a failure to obtain any response is an error.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*resource.Response, error)
}

// hop-by-hop headers are never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type Origin struct {
	base       *url.URL
	httpClient *http.Client
	maxBody    int64
}

var _ Fetcher = (*Origin)(nil)

// NewOrigin builds a fetcher for origin. timeout bounds the whole exchange and
// maxBody bounds the response body; zero disables either limit.
func NewOrigin(origin string, timeout time.Duration, maxBody int64) (*Origin, error) {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin must be http or https, got %q", origin)
	}
	return &Origin{
		base:       u,
		httpClient: &http.Client{Timeout: timeout},
		maxBody:    maxBody,
	}, nil
}

// Resolve turns a manifest entry or request URI into an absolute origin URL.
// Absolute http(s) URLs are kept as they are.
func (o *Origin) Resolve(ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return url.Parse(ref)
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return o.base.Parse(ref)
}

// Base returns the origin URL.
func (o *Origin) Base() *url.URL {
	u := *o.base
	return &u
}

// NewRequest builds the outbound request for an inbound proxied request,
// keeping its method, body and end-to-end headers.
func (o *Origin) NewRequest(ctx context.Context, in *http.Request) (*http.Request, error) {
	target, err := o.Resolve(in.URL.RequestURI())
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if in.Body != nil && in.Body != http.NoBody {
		body = in.Body
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = in.ContentLength
	copyHeaders(req.Header, in.Header)
	return req, nil
}

func (o *Origin) Fetch(ctx context.Context, req *http.Request) (*resource.Response, error) {
	if req.Context() != ctx {
		req = req.WithContext(ctx)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if o.maxBody > 0 {
		r = io.LimitReader(resp.Body, o.maxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if o.maxBody > 0 && int64(len(body)) > o.maxBody {
		return nil, fmt.Errorf("response body from %s exceeds %d bytes", req.URL, o.maxBody)
	}

	out := &resource.Response{
		Status:   resp.StatusCode,
		Header:   resource.CloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
		URL:      req.URL.String(),
	}
	out.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out, nil
}

// Get fetches a manifest entry.
func (o *Origin) Get(ctx context.Context, ref string) (*resource.Response, *url.URL, error) {
	u, err := o.Resolve(ref)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := o.Fetch(ctx, req)
	return resp, u, err
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHop(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHop(k string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(k, h) {
			return true
		}
	}
	return false
}
