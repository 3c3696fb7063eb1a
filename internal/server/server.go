// Package server exposes loaded dashboards over HTTP: merged panel results
// streamed on websockets, refresh and cancel triggers, the latest dashboard
// result, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/dashquery/internal/dashboard"
	"github.com/marcus-qen/dashquery/internal/dashboardquery"
	"github.com/marcus-qen/dashquery/internal/data"
	"github.com/marcus-qen/dashquery/internal/events"
	"github.com/marcus-qen/dashquery/internal/metrics"
	"github.com/marcus-qen/dashquery/internal/panel"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Session is a loaded dashboard and its query runner.
type Session struct {
	Model  *dashboard.Model
	Runner *dashboardquery.Runner
}

// Server serves the loaded dashboards.
type Server struct {
	panels        *panel.QueryRunner
	maxDataPoints int64
	version       string
	logger        *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a server streaming panels through panels.
func New(panels *panel.QueryRunner, maxDataPoints int64, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		panels:        panels,
		maxDataPoints: maxDataPoints,
		version:       version,
		logger:        logger.Named("server"),
		sessions:      make(map[string]*Session),
	}
}

// Add makes a dashboard available, replacing one with the same UID.
func (s *Server) Add(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.Model.UID] = sess
	s.mu.Unlock()
}

// Remove drops a dashboard. Open streams end once its runner is destroyed.
func (s *Server) Remove(uid string) {
	s.mu.Lock()
	delete(s.sessions, uid)
	s.mu.Unlock()
}

func (s *Server) session(uid string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[uid]
	return sess, ok
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/dashboards", s.handleListDashboards)
	mux.HandleFunc("GET /api/dashboards/{uid}/result", s.handleResult)
	mux.HandleFunc("POST /api/dashboards/{uid}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/dashboards/{uid}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/dashboards/{uid}/panels/{id}/stream", s.handleStream)
	return mux
}

// APIError is the error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{Error: message, Code: code})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "dashboards": n})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type dashboardSummary struct {
	UID     string `json:"uid"`
	Title   string `json:"title,omitempty"`
	Refresh string `json:"refresh,omitempty"`
	Panels  int    `json:"panels"`
}

func (s *Server) handleListDashboards(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	out := make([]dashboardSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		m := sess.Model
		out = append(out, dashboardSummary{UID: m.UID, Title: m.Title, Refresh: m.Refresh, Panels: len(m.AllPanels())})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	writeJSON(w, http.StatusOK, out)
}

// lookup resolves the {uid} path value or writes a 404.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	uid := r.PathValue("uid")
	sess, ok := s.session(uid)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "dashboard_not_found", "dashboard "+uid+" not found")
	}
	return sess, ok
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var panelID int64
	if v := r.URL.Query().Get("panelId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_panel_id", "panelId must be an integer")
			return
		}
		panelID = id
	}
	res, ok := sess.Runner.Latest(panelID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no_result", "dashboard has not produced a result yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Model.RequestRefresh("api")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refreshing"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	sess.Runner.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelled"})
}

// StreamMessage is one websocket frame of a panel stream.
type StreamMessage struct {
	Type         string         `json:"type"`
	DashboardUID string         `json:"dashboardUID"`
	PanelID      int64          `json:"panelId"`
	Data         data.PanelData `json:"data"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	panelID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_panel_id", "panel id must be an integer")
		return
	}
	p, ok := sess.Model.Panel(panelID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "panel_not_found", "panel not found")
		return
	}
	if _, err := s.timeRange(sess.Model, r); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	log := s.logger.With(zap.String("dashboard", sess.Model.UID), zap.Int64("panelId", panelID))
	log.Info("panel stream opened")
	defer log.Info("panel stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The read loop only detects the peer going away.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var writeMu sync.Mutex
	write := func(msg StreamMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	s.streamPanel(ctx, sess, p, r, write, log)
}

// streamPanel runs the panel and forwards merged data until ctx is done or
// the dashboard runner goes away. A dashboard refresh reruns the panel
// query.
func (s *Server) streamPanel(ctx context.Context, sess *Session, p dashboard.Panel, r *http.Request, write func(StreamMessage) error, log *zap.Logger) {
	bus := sess.Model.Events()
	subID := "panel-stream-" + uuid.NewString()
	refresh := bus.Subscribe(subID)
	defer bus.Unsubscribe(subID)

	for {
		tr, err := s.timeRange(sess.Model, r)
		if err != nil {
			log.Warn("cannot resolve time range", zap.Error(err))
			return
		}
		runCtx, stopRun := context.WithCancel(ctx)
		stream := s.panels.Run(runCtx, p, panel.Options{
			Dashboard:     sess.Model,
			Results:       sess.Runner,
			Range:         tr,
			MaxDataPoints: s.maxDataPoints,
		})

		rerun := false
		for !rerun {
			select {
			case <-ctx.Done():
				stopRun()
				return
			case evt, ok := <-refresh:
				if !ok {
					stopRun()
					return
				}
				rerun = evt.Type == events.DashboardRefresh
			case pd, ok := <-stream:
				if !ok {
					stopRun()
					return
				}
				if err := write(StreamMessage{Type: "panel-data", DashboardUID: sess.Model.UID, PanelID: p.ID, Data: pd}); err != nil {
					log.Debug("write failed", zap.Error(err))
					stopRun()
					return
				}
			}
		}
		stopRun()
	}
}

// timeRange resolves the from/to query parameters, falling back to the
// dashboard range.
func (s *Server) timeRange(m *dashboard.Model, r *http.Request) (data.TimeRange, error) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" && to == "" {
		return m.TimeRange()
	}
	if to == "" {
		to = data.LiveNow
	}
	return dashboard.ResolveTimeRange(data.RawTimeRange{From: from, To: to}, time.Now())
}
