package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/matchwire/internal/analysis"
	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/discovery"
	"github.com/TobiSchelling/matchwire/internal/events"
	"github.com/TobiSchelling/matchwire/internal/pipeline"
	"github.com/TobiSchelling/matchwire/internal/publication"
	"github.com/TobiSchelling/matchwire/internal/review"
)

//go:embed templates/*.html
var templateFS embed.FS

var md = goldmark.New()

// Server is the operational HTTP surface of a running pipeline.
type Server struct {
	pipeline *pipeline.Pipeline
	db       *database.DB
	pages    map[string]*template.Template
	mux      *http.ServeMux
	log      logrus.FieldLogger
}

// New creates a new Server.
func New(p *pipeline.Pipeline, db *database.DB, log logrus.FieldLogger) (*Server, error) {
	funcMap := template.FuncMap{"markdown": renderMarkdown}

	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of base so the "title" and "content"
	// blocks do not collide.
	pageNames := []string{"index.html", "publication.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{pipeline: p, db: db, pages: pages, mux: http.NewServeMux(), log: log.WithField("module", "server")}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.pipeline.Gatherer(), promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /metrics/summary", s.handleMetricsSummary)
	s.mux.HandleFunc("GET /flow", s.handleFlow)
	s.mux.HandleFunc("GET /events", s.handleEvents)

	s.mux.HandleFunc("POST /trigger/discovery", s.handleTriggerDiscovery)
	s.mux.HandleFunc("POST /trigger/analysis/{id}", s.handleTriggerAnalysis)
	s.mux.HandleFunc("POST /trigger/publication/{id}", s.handleTriggerPublication)

	s.mux.HandleFunc("GET /review", s.handleReviewList)
	s.mux.HandleFunc("POST /review/{id}/{action}", s.handleReviewAction)

	s.mux.HandleFunc("GET /publications/{id}", s.handlePublication)
	s.mux.HandleFunc("POST /publications/{id}/cancel", s.handleCancelPublication)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	status, err := s.pipeline.Status()
	if err != nil {
		s.fail(w, err)
		return
	}
	reviews, err := s.pipeline.Review().List(database.ReviewOpen)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.render(w, "index.html", map[string]any{
		"Status":  status,
		"Reviews": reviews,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.pipeline.CheckHealth()
	code := http.StatusOK
	if h.Status == pipeline.Error {
		code = http.StatusServiceUnavailable
	}
	s.json(w, code, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pipeline.Status()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json(w, http.StatusOK, status)
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	m, err := s.pipeline.Metrics(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json(w, http.StatusOK, m)
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, s.pipeline.Flow())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	evts := s.pipeline.Bus().History(events.Type(r.URL.Query().Get("type")), limit)
	if evts == nil {
		evts = []events.Event{}
	}
	s.json(w, http.StatusOK, evts)
}

func (s *Server) handleTriggerDiscovery(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.TriggerDiscovery(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.json(w, http.StatusOK, res)
}

func (s *Server) handleTriggerAnalysis(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pipeline.TriggerAnalysis(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.json(w, http.StatusAccepted, map[string]string{"match_id": id, "status": "queued"})
}

func (s *Server) handleTriggerPublication(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pipeline.TriggerPublication(r.Context(), id, actor(r, "actor")); err != nil {
		s.fail(w, err)
		return
	}
	s.json(w, http.StatusAccepted, map[string]string{"match_id": id, "status": "queued"})
}

func (s *Server) handleReviewList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = database.ReviewOpen
	} else if status == "all" {
		status = ""
	}
	items, err := s.pipeline.Review().List(status)
	if err != nil {
		s.fail(w, err)
		return
	}
	if items == nil {
		items = []database.ReviewItem{}
	}
	s.json(w, http.StatusOK, items)
}

func (s *Server) handleReviewAction(w http.ResponseWriter, r *http.Request) {
	id, reviewer := r.PathValue("id"), actor(r, "reviewer")
	var err error
	switch r.PathValue("action") {
	case "approve":
		err = s.pipeline.Review().Approve(r.Context(), id, reviewer)
	case "reject":
		err = s.pipeline.Review().Reject(r.Context(), id, reviewer)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	if wantsHTML(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.json(w, http.StatusOK, map[string]string{"review_id": id, "status": r.PathValue("action") + "d"})
}

func (s *Server) handlePublication(w http.ResponseWriter, r *http.Request) {
	pub, err := s.db.GetPublication(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if pub == nil {
		http.NotFound(w, r)
		return
	}
	audit, err := s.pipeline.Publication().AuditTrail(pub.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.render(w, "publication.html", map[string]any{
		"Publication": pub,
		"Audit":       audit,
	})
}

func (s *Server) handleCancelPublication(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pipeline.Publication().Cancel(r.Context(), id, actor(r, "actor")); err != nil {
		s.fail(w, err)
		return
	}
	s.json(w, http.StatusOK, map[string]string{"publication_id": id, "status": database.PublicationCancelled})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNotRunning), errors.Is(err, discovery.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, review.ErrNotFound), errors.Is(err, publication.ErrNotFound),
		errors.Is(err, publication.ErrFixtureNotFound), errors.Is(err, analysis.ErrFixtureNotFound):
		return http.StatusNotFound
	case errors.Is(err, review.ErrReviewClosed), errors.Is(err, publication.ErrNotScheduled),
		errors.Is(err, publication.ErrAlreadyPublished), errors.Is(err, publication.ErrNoAnalysis),
		errors.Is(err, analysis.ErrTooCloseToKickoff):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.WithError(err).Error("Request failed")
	}
	s.json(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("Writing response failed")
	}
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.log.Errorf("Template %s not found", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "base.html", data); err != nil {
		s.log.WithError(err).Errorf("Rendering template %s failed", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func actor(r *http.Request, field string) string {
	if v := strings.TrimSpace(r.FormValue(field)); v != "" {
		return v
	}
	return "admin"
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html") ||
		r.Header.Get("Content-Type") == "application/x-www-form-urlencoded"
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, handler http.Handler, addr string, log logrus.FieldLogger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", "http://"+addr).Info("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
