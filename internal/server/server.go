// Package server provides the HTTP API over a sync session.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bryan-buckman/speedyreader/internal/config"
	"github.com/bryan-buckman/speedyreader/internal/database"
	"github.com/bryan-buckman/speedyreader/internal/model"
	"github.com/bryan-buckman/speedyreader/internal/raindrop"
	"github.com/bryan-buckman/speedyreader/internal/session"
	"github.com/bryan-buckman/speedyreader/internal/summary"
	"github.com/bryan-buckman/speedyreader/internal/task"
)

const (
	maxOPMLBytes          = 10 << 20
	defaultRefreshMinutes = 30
)

// Server is the main HTTP server.
type Server struct {
	sess   *session.Session
	poller *session.Poller
	router chi.Router
	logger *slog.Logger
	http   *http.Server
}

// New creates a new server. poller may be nil.
func New(sess *session.Session, poller *session.Poller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{sess: sess, poller: poller, logger: logger}
	s.setupRoutes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleListFeeds)
		r.Post("/feeds", s.handleAddFeed)
		r.Patch("/feeds/{feedID}", s.handleRenameFeed)
		r.Delete("/feeds/{feedID}", s.handleRemoveFeed)
		r.Post("/feeds/{feedID}/read", s.handleMarkFeedRead)

		r.Get("/articles", s.handleListArticles)
		r.Get("/articles/{articleID}", s.handleGetArticle)
		r.Delete("/articles/{articleID}", s.handleDeleteArticle)
		r.Post("/articles/{articleID}/read", s.handleMarkRead)
		r.Post("/articles/{articleID}/star", s.handleStar)
		r.Get("/articles/{articleID}/summary", s.handleGetSummary)
		r.Post("/articles/{articleID}/summary", s.handleSummarize)
		r.Post("/articles/{articleID}/bookmark", s.handleBookmark)
		r.Get("/undo", s.handlePendingUndo)
		r.Post("/undo", s.handleUndo)

		r.Post("/refresh", s.handleRefresh)
		r.Get("/tasks/{taskID}", s.handlePollTask)
		r.Delete("/tasks/{taskID}", s.handleCancelTask)

		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleSaveSettings)
		r.Post("/cleanup", s.handleCleanup)
	})

	s.router = r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the poller and serves until Shutdown.
func (s *Server) Start(addr string) error {
	if s.poller != nil {
		s.poller.Start()
	}
	s.http.Addr = addr
	s.logger.Info("server starting", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the poller and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.poller != nil {
		s.poller.Stop()
	}
	return s.http.Shutdown(ctx)
}

// --- Feed Handlers ---

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.sess.Store().GetAllFeeds(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds})
}

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	s.submit(w, s.sess.AddFeedOperation(req.URL))
}

func (s *Server) handleRenameFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "feedID")
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.sess.RenameFeed(r.Context(), id, req.Title); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "feedID")
	if !ok {
		return
	}
	if err := s.sess.RemoveFeed(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkFeedRead(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "feedID")
	if !ok {
		return
	}
	n, err := s.sess.Store().MarkAllRead(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "marked": n})
}

// --- Article Handlers ---

func (s *Server) handleListArticles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter database.ArticleFilter
	if v := q.Get("feed"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid feed id", http.StatusBadRequest)
			return
		}
		filter.FeedID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid since", http.StatusBadRequest)
			return
		}
		filter.Since = t
	}
	filter.UnreadOnly = q.Get("unread") == "1" || q.Get("unread") == "true"
	filter.StarredOnly = q.Get("starred") == "1" || q.Get("starred") == "true"

	articles, err := s.sess.Store().ListArticles(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"articles": articles})
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "articleID")
	if !ok {
		return
	}
	a, err := s.sess.Store().GetArticle(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteArticle(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "articleID")
	if !ok {
		return
	}
	slot, err := s.sess.Store().SoftDelete(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "undo": slot.Tombstone})
}

// handlePendingUndo shows what POST /api/undo would restore.
func (s *Server) handlePendingUndo(w http.ResponseWriter, r *http.Request) {
	slot, ok := s.sess.Store().PendingUndo()
	if !ok {
		s.writeError(w, database.ErrNothingToUndo)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	a, err := s.sess.Store().Undo(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "articleID")
	if !ok {
		return
	}
	req := struct {
		Read *bool `json:"read"`
	}{}
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	read := req.Read == nil || *req.Read
	if err := s.sess.Store().MarkRead(r.Context(), id, read); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "read": read})
}

func (s *Server) handleStar(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "articleID")
	if !ok {
		return
	}
	req := struct {
		Starred *bool `json:"starred"`
	}{}
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	starred := req.Starred == nil || *req.Starred
	if err := s.sess.Store().SetStarred(r.Context(), id, starred); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "starred": starred})
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "articleID")
	if !ok {
		return
	}
	sum, err := s.sess.Store().GetSummary(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "articleID")
	if !ok {
		return
	}
	regenerate := r.URL.Query().Get("regenerate") == "1" || r.URL.Query().Get("regenerate") == "true"
	s.submit(w, s.sess.SummarizeOperation(id, regenerate))
}

func (s *Server) handleBookmark(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "articleID")
	if !ok {
		return
	}
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	s.submit(w, s.sess.BookmarkOperation(id, req.Tags))
}

// --- Task Handlers ---

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClearFirst bool `json:"clear_first"`
	}
	if err := decodeOptional(r, &req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	p := s.sess.Policy()
	p.ClearFirst = req.ClearFirst
	s.submit(w, s.sess.RefreshOperation(p))
}

type taskEvent struct {
	Task     string         `json:"task"`
	State    string         `json:"state"`
	Progress *task.Progress `json:"progress,omitempty"`
	Result   any            `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func (s *Server) handlePollTask(w http.ResponseWriter, r *http.Request) {
	h := task.Handle(chi.URLParam(r, "taskID"))
	ev, err := s.sess.Tasks().Poll(h)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := taskEvent{Task: string(h), State: ev.State.String(), Result: ev.Result}
	if ev.State == task.StateProgress {
		out.Progress = &ev.Progress
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCancelTask cancels a task; with ?forget=1 its record is dropped too.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	h := task.Handle(chi.URLParam(r, "taskID"))
	var err error
	if r.URL.Query().Get("forget") == "1" {
		err = s.sess.Tasks().Forget(h)
	} else {
		err = s.sess.Tasks().Cancel(h)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- OPML, Settings, Maintenance ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxOPMLBytes)
	file, _, err := r.FormFile("opml")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}
	s.submit(w, s.sess.ImportOperation(data))
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=speedy-reader-feeds.opml")
	if _, err := s.sess.ExportOPML(r.Context(), w); err != nil {
		s.logger.Error("export opml failed", "error", err)
		http.Error(w, "Failed to export", http.StatusInternalServerError)
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	interval, err := s.sess.Store().GetRefreshInterval(r.Context(), defaultRefreshMinutes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"refresh_interval_minutes": interval})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshInterval int `json:"refresh_interval_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	// Enforce minimum.
	if req.RefreshInterval < config.MinRefreshIntervalMinutes {
		req.RefreshInterval = config.MinRefreshIntervalMinutes
	}
	if err := s.sess.Store().SetSetting(r.Context(), model.SettingRefreshInterval, strconv.Itoa(req.RefreshInterval)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "refresh_interval_minutes": req.RefreshInterval})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	s.submit(w, s.sess.MaintenanceOperation(s.sess.Policy()))
}

// --- Helpers ---

func (s *Server) submit(w http.ResponseWriter, op task.Operation) {
	h, err := s.sess.Tasks().Submit(op)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": string(h), "kind": string(op.Kind)})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, database.ErrNotFound), errors.Is(err, task.ErrUnknownHandle):
		status = http.StatusNotFound
	case errors.Is(err, database.ErrConflict), errors.Is(err, database.ErrNothingToUndo),
		errors.Is(err, task.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, summary.ErrNoAPIKey), errors.Is(err, raindrop.ErrNoToken):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, fmt.Sprintf("Invalid %s", name), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// decodeOptional decodes a JSON body, treating an empty body as zero values.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
