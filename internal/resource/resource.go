// Package resource holds the request identity and response types shared by the
// store, the network fetcher and the interception strategy.
package resource

import (
	"net/http"
	"net/url"
	"strings"
)

type Response struct {
	Status   int         `msgpack:"status"`
	Header   http.Header `msgpack:"header"`
	Body     []byte      `msgpack:"body"`
	StoredAt int64       `msgpack:"stored_at"` // unix seconds
	Hash32   uint32      `msgpack:"hash32"`

	// URL is the origin-qualified URL the response was fetched from.
	URL string `msgpack:"url"`
}

// Cacheable reports whether the response may be written to a store. Only an
// exact 200 qualifies; partial content, redirects and errors never do.
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK
}

// Clone returns a deep copy, so the caller and a detached store write never
// share header maps or body bytes.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = CloneHeader(r.Header)
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return &out
}

func CloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// Key returns the store key for a request: upper-cased method and the
// origin-qualified URL without fragment, e.g. "GET https://app.example/a?b=1".
func Key(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	if c.Path == "" {
		c.Path = "/"
	}
	return strings.ToUpper(method) + " " + c.String()
}
