package offline0

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"offline0/internal/clients"
	"offline0/internal/generation"
	"offline0/internal/intercept"
	"offline0/internal/notify"
	"offline0/internal/resource"
)

const statusHeader = "X-Offline0"

// maxControlBody bounds push payloads and client registrations.
const maxControlBody = 64 << 10

// Handler serves the control plane under the configured prefix, metrics at
// /metrics, and proxies everything else.
func (s *Service) Handler() http.Handler {
	p := s.cfg.Server.ControlPrefix
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+p+"/install", s.handleInstall)
	mux.HandleFunc("POST "+p+"/activate", s.handleActivate)
	mux.HandleFunc("GET "+p+"/generation", s.handleGeneration)
	mux.HandleFunc("POST "+p+"/push", s.handlePush)
	mux.HandleFunc("GET "+p+"/notifications", s.handleNotifications)
	mux.HandleFunc("POST "+p+"/notifications/{id}/click", s.handleNotificationClick)
	mux.HandleFunc("POST "+p+"/sync/{tag}", s.handleSync)
	mux.HandleFunc("GET "+p+"/clients", s.handleClientList)
	mux.HandleFunc("POST "+p+"/clients", s.handleClientRegister)
	mux.HandleFunc("DELETE "+p+"/clients/{id}", s.handleClientRemove)
	mux.HandleFunc("GET "+p+"/healthz", s.handleHealthz)
	mux.HandleFunc(p+"/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "unknown control endpoint")
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleProxy)
	return mux
}

func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	out, err := s.origin.NewRequest(r.Context(), r)
	if err != nil {
		setStatusHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	ev := &FetchEvent{Request: out}
	err = s.Dispatch(r.Context(), ev)
	switch {
	case errors.Is(err, intercept.ErrUnavailable):
		setStatusHeaders(w.Header(), string(intercept.OutcomeUnavailable))
		http.Error(w, "offline and not cached", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("origin unreachable")
		setStatusHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	writeEntry(w, ev.Response, string(ev.Outcome))
	if s.stats != nil {
		switch ev.Outcome {
		case intercept.OutcomeHit, intercept.OutcomeMiss, intercept.OutcomeNetwork, intercept.OutcomeFallback:
			s.stats.Observe(len(ev.Response.Body))
		}
	}
}

func writeEntry(w http.ResponseWriter, resp *resource.Response, outcome string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, statusHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setStatusHeaders(w.Header(), outcome)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setStatusHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(statusHeader, outcome)
	}
	// Browsers hide custom headers from cross-origin scripts unless exposed.
	ensureExposedHeader(h, statusHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) handleInstall(w http.ResponseWriter, r *http.Request) {
	ev := &InstallEvent{Version: r.URL.Query().Get("version")}
	if err := s.Dispatch(r.Context(), ev); err != nil {
		var mfe *generation.ManifestFetchError
		if errors.As(err, &mfe) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if activate := r.URL.Query().Get("activate"); activate == "1" || activate == "true" {
		if err := s.Dispatch(r.Context(), &ActivateEvent{ID: ev.ID}); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      ev.ID,
		"entries": ev.Entries,
		"tookMs":  ev.Took.Milliseconds(),
	})
}

func (s *Service) handleActivate(w http.ResponseWriter, r *http.Request) {
	ev := &ActivateEvent{ID: r.URL.Query().Get("id")}
	if err := s.Dispatch(r.Context(), ev); err != nil {
		if errors.Is(err, generation.ErrNotInstalled) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.handleGeneration(w, r)
}

func (s *Service) handleGeneration(w http.ResponseWriter, r *http.Request) {
	stores, err := s.backend.Names(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := map[string]any{"current": nil, "stores": stores}
	if g, ok := s.gens.Current(); ok {
		out["current"] = g
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev := &PushEvent{Payload: payload}
	if err := s.Dispatch(r.Context(), ev); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, ev.Notification)
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tray.List())
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	ev := &NotificationEvent{
		NotificationID: r.PathValue("id"),
		Action:         r.URL.Query().Get("action"),
	}
	if err := s.Dispatch(r.Context(), ev); err != nil {
		if errors.Is(err, notify.ErrNotShown) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ev.Result)
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.Dispatch(r.Context(), &SyncEvent{Tag: r.PathValue("tag")}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleClientList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.clients.List())
}

func (s *Service) handleClientRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.URL == "" {
		req.URL = s.cfg.Notifications.DefaultPath
	}
	c := s.clients.Register(req.URL)
	if g, ok := s.gens.Current(); ok {
		s.clients.Claim(r.Context(), g.ID)
		c.Controller = g.ID
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Service) handleClientRemove(w http.ResponseWriter, r *http.Request) {
	if !s.clients.Remove(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, clients.ErrNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok", "syncTags": s.syncs.Tags()}
	if g, ok := s.gens.Current(); ok {
		out["generation"] = g.ID
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
