// Package api serves the operator REST API over a Unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benaskins/portvisor/internal/audit"
	"github.com/benaskins/portvisor/internal/notify"
	"github.com/benaskins/portvisor/internal/procstat"
	"github.com/benaskins/portvisor/internal/supervisor"
)

const defaultLogLines = 50

// ServiceView is a service's status as served by the API.
type ServiceView struct {
	supervisor.ServiceStatus
	Uptime string          `json:"uptime,omitempty"`
	Usage  *procstat.Usage `json:"usage,omitempty"`
}

// StopAllResult is the stop-all response: the ids that had a process and
// were stopped, plus the resulting snapshot.
type StopAllResult struct {
	Stopped []string `json:"stopped"`
	supervisor.Snapshot
}

// Server serves the portvisor REST API.
type Server struct {
	sup      *supervisor.Supervisor
	history  *notify.History
	metrics  http.Handler
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	audit    *audit.Logger
	ctx      context.Context

	startingAll atomic.Bool
	background  sync.WaitGroup
}

// NewServer creates an API server backed by sup. history and metrics are
// optional; their endpoints return 404 when nil. ctx bounds operations that
// outlive a request, such as start-all.
func NewServer(ctx context.Context, sup *supervisor.Supervisor, history *notify.History, metrics http.Handler) *Server {
	s := &Server{
		sup:     sup,
		history: history,
		metrics: metrics,
		logger:  slog.With("component", "api"),
		ctx:     ctx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/services", s.listServices)
	mux.HandleFunc("GET /v1/services/{id}", s.getService)
	mux.HandleFunc("POST /v1/services/{id}/start", s.startService)
	mux.HandleFunc("POST /v1/services/{id}/stop", s.stopService)
	mux.HandleFunc("POST /v1/services/{id}/refresh", s.refreshService)
	mux.HandleFunc("GET /v1/services/{id}/url", s.serviceURL)
	mux.HandleFunc("GET /v1/services/{id}/logs", s.serviceLogs)
	mux.HandleFunc("POST /v1/start-all", s.startAll)
	mux.HandleFunc("POST /v1/stop-all", s.stopAll)
	mux.HandleFunc("POST /v1/refresh", s.refreshAll)
	mux.HandleFunc("GET /v1/events", s.events)
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /metrics", s.serveMetrics)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetAudit records every mutating request to l.
func (s *Server) SetAudit(l *audit.Logger) { s.audit = l }

func (s *Server) record(action audit.Action, id string, err error) {
	if err := s.audit.Record("api", action, id, err); err != nil {
		s.logger.Warn("audit write failed", "error", err)
	}
}

// Wait blocks until background work started by requests, such as start-all,
// has returned. Cancel the server's context first.
func (s *Server) Wait() { s.background.Wait() }

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func view(st supervisor.ServiceStatus) ServiceView {
	v := ServiceView{ServiceStatus: st}
	if up := st.Uptime(); up > 0 {
		v.Uptime = up.Truncate(time.Second).String()
	}
	if st.HasProcess && st.PID > 0 {
		if u, err := procstat.Sample(st.PID); err == nil {
			v.Usage = &u
		}
	}
	return v
}

func (s *Server) listServices(w http.ResponseWriter, r *http.Request) {
	snap := s.sup.Snapshot()
	views := make([]ServiceView, 0, len(snap.Services))
	for _, st := range snap.Services {
		views = append(views, view(st))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getService(w http.ResponseWriter, r *http.Request) {
	st, err := s.sup.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(st))
}

func (s *Server) startService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.sup.Start(id)
	s.record(audit.ActionStart, id, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) stopService(w http.ResponseWriter, r *http.Request) {
	// A dropped client must not force a kill, so the stop runs on s.ctx.
	id := r.PathValue("id")
	err := s.sup.Stop(s.ctx, id)
	s.record(audit.ActionStop, id, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) refreshService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.sup.Refresh(id)
	s.record(audit.ActionRefresh, id, err)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.sup.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view(st))
}

func (s *Server) serviceURL(w http.ResponseWriter, r *http.Request) {
	url, err := s.sup.OpenURL(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) serviceLogs(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", defaultLogLines)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	lines, err := s.sup.Output(r.PathValue("id"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) startAll(w http.ResponseWriter, r *http.Request) {
	if !s.startingAll.CompareAndSwap(false, true) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "start-all already in progress"})
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer s.startingAll.Store(false)
		err := s.sup.StartAll(s.ctx)
		s.record(audit.ActionStartAll, "", err)
		if err != nil {
			s.logger.Warn("start-all finished with errors", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) stopAll(w http.ResponseWriter, r *http.Request) {
	before := s.sup.Snapshot()
	err := s.sup.StopAll(s.ctx)
	s.record(audit.ActionStopAll, "", err)
	if err != nil {
		writeError(w, err)
		return
	}
	after := s.sup.Snapshot()
	writeJSON(w, http.StatusOK, StopAllResult{Stopped: stoppedIDs(before, after), Snapshot: after})
}

func (s *Server) refreshAll(w http.ResponseWriter, r *http.Request) {
	s.sup.RefreshAll()
	s.record(audit.ActionRefreshAll, "", nil)
	writeJSON(w, http.StatusOK, s.sup.Snapshot())
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.NotFound(w, r)
		return
	}
	n, err := intParam(r, "n", -1)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var evs []supervisor.Event
	if since := r.URL.Query().Get("since"); since != "" {
		seq, err := strconv.ParseUint(since, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since: " + since})
			return
		}
		evs = s.history.Since(seq)
		if n >= 0 && len(evs) > n {
			evs = evs[len(evs)-n:]
		}
	} else {
		evs = s.history.Last(n)
	}
	if evs == nil {
		evs = []supervisor.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.ServeHTTP(w, r)
}

// stoppedIDs returns the services that had a process in before, or gained
// one during the call, and are stopped in after.
func stoppedIDs(before, after supervisor.Snapshot) []string {
	ids := []string{}
	for _, st := range after.Services {
		prev, ok := before.Service(st.ID)
		if !ok || st.State != supervisor.StateStopped {
			continue
		}
		if prev.HasProcess || prev.Generation != st.Generation {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + ": " + raw)
	}
	return n, nil
}

// statusFor maps supervisor errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrSpawn):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
