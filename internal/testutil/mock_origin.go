// Package testutil provides a scriptable origin server for tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockResponse is what the mock origin answers for one path.
type MockResponse struct {
	Status  int
	Body    string
	Headers map[string]string
}

// MockOrigin is an httptest server whose per-path responses can be changed
// while tests run. Paths without a response get 404. Paths marked broken get
// their connection hijacked and closed, which clients see as a network error.
type MockOrigin struct {
	server *httptest.Server

	mu        sync.Mutex
	responses map[string]MockResponse
	broken    map[string]bool
	down      bool
	hits      map[string]int
}

func NewMockOrigin() *MockOrigin {
	m := &MockOrigin{
		responses: map[string]MockResponse{},
		broken:    map[string]bool{},
		hits:      map[string]int{},
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

func (m *MockOrigin) URL() string { return m.server.URL }

func (m *MockOrigin) Close() { m.server.Close() }

// Set registers a response for path.
func (m *MockOrigin) Set(path string, status int, body string) {
	m.SetResponse(path, MockResponse{Status: status, Body: body})
}

func (m *MockOrigin) SetResponse(path string, r MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = r
	delete(m.broken, path)
}

// Break makes requests for path fail at the connection level.
func (m *MockOrigin) Break(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken[path] = true
}

// SetDown makes every request fail at the connection level.
func (m *MockOrigin) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Hits returns how many requests reached path.
func (m *MockOrigin) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func (m *MockOrigin) TotalHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.hits {
		n += v
	}
	return n
}

func (m *MockOrigin) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.hits[r.URL.Path]++
	resp, ok := m.responses[r.URL.Path]
	broken := m.down || m.broken[r.URL.Path]
	m.mu.Unlock()

	if broken {
		hj, ok := w.(http.Hijacker)
		if !ok {
			panic("mock origin: response writer cannot hijack")
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write([]byte(resp.Body))
}
