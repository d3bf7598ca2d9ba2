// Package server exposes the engine over a small JSON HTTP API: job
// triggers, polled job status, hybrid search, the knowledge-base summary
// and the ad-hoc upload boundary. All failures surface as structured
// {"ok": false, "detail": ...} payloads.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/verdict-systems/kbengine/internal/adhoc"
	"github.com/verdict-systems/kbengine/internal/config"
	"github.com/verdict-systems/kbengine/internal/embed"
	"github.com/verdict-systems/kbengine/internal/indexer"
	"github.com/verdict-systems/kbengine/internal/logging"
	"github.com/verdict-systems/kbengine/internal/search"
	"github.com/verdict-systems/kbengine/internal/status"
	"github.com/verdict-systems/kbengine/internal/store"
	"github.com/verdict-systems/kbengine/pkg/types"
)

// maxUploadBytes bounds one ad-hoc upload.
const maxUploadBytes = 32 << 20

// Server is the HTTP front of the engine.
type Server struct {
	cfg      *config.Config
	log      *logging.Logger
	store    *store.Store
	reg      *status.Registry
	indexer  *indexer.Indexer
	pipeline *embed.Pipeline
	engine   *search.Engine
	analyzer *adhoc.Analyzer
	srv      *http.Server
}

// New wires the API over the given collaborators.
func New(cfg *config.Config, log *logging.Logger, st *store.Store, reg *status.Registry,
	ix *indexer.Indexer, pl *embed.Pipeline, eng *search.Engine, an *adhoc.Analyzer) *Server {

	s := &Server{
		cfg:      cfg,
		log:      log,
		store:    st,
		reg:      reg,
		indexer:  ix,
		pipeline: pl,
		engine:   eng,
		analyzer: an,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/kb/index", s.withAdmin(s.handleIndexTrigger))
	mux.HandleFunc("/kb/index/status", s.handleIndexStatus)
	mux.HandleFunc("/kb/embed", s.withAdmin(s.handleEmbedTrigger))
	mux.HandleFunc("/kb/embed/status", s.handleEmbedStatus)
	mux.HandleFunc("/kb/search", s.handleSearch)
	mux.HandleFunc("/kb/summary", s.handleSummary)
	mux.HandleFunc("/chat/upload", s.withAdmin(s.handleUpload))
	mux.HandleFunc("/chat/adhoc/search", s.handleAdhocSearch)

	s.srv = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.log.Info("http server starting", logging.String("addr", s.cfg.HTTPAddr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		begin := time.Now()
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rec.code),
			logging.Duration("took", time.Since(begin)))
	})
}

func (s *Server) withAdmin(h http.HandlerFunc) http.HandlerFunc {
	if s.cfg.AdminCode == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Code") != s.cfg.AdminCode {
			writeErr(w, http.StatusUnauthorized, "invalid admin code")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]any{"ok": false, "detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleIndexTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.reg.Index().State == types.JobRunning {
		writeErr(w, http.StatusConflict, "index job already running")
		return
	}
	go func() {
		if err := s.indexer.Run(context.Background()); err != nil && !errors.Is(err, indexer.ErrJobRunning) {
			s.log.Error("index job failed", logging.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "state": "running"})
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Index())
}

func (s *Server) handleEmbedTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.pipeline == nil {
		writeErr(w, http.StatusServiceUnavailable, "embedding provider not configured")
		return
	}
	if s.reg.Embed().State == types.JobRunning {
		writeErr(w, http.StatusConflict, "embed job already running")
		return
	}
	go func() {
		if err := s.pipeline.Run(context.Background()); err != nil && !errors.Is(err, embed.ErrJobRunning) {
			s.log.Error("embed job failed", logging.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "state": "running"})
}

func (s *Server) handleEmbedStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Embed())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Query     string `json:"query"`
		TopK      int    `json:"top_k"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	results, err := s.engine.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	// An active upload session contributes its ephemeral chunks to the
	// same ranked list.
	if req.SessionID != "" {
		extra, err := s.analyzer.Rank(r.Context(), req.SessionID, req.Query, req.TopK)
		if err != nil {
			if !errors.Is(err, adhoc.ErrSessionNotFound) {
				s.log.Warn("session rank failed", logging.Error(err))
			}
		} else {
			results = append(results, extra...)
			sort.SliceStable(results, func(a, b int) bool {
				return results[a].FusedScore > results[b].FusedScore
			})
			if req.TopK > 0 && len(results) > req.TopK {
				results = results[:req.TopK]
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	sum, err := s.store.Summary()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer func() {
		_ = file.Close()
	}()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	session, err := s.analyzer.Analyze(r.Context(), header.Filename, data)
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"session_id": session.ID,
		"filename":   session.FileName,
		"chunks":     len(session.Chunks),
	})
}

func (s *Server) handleAdhocSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErr(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Query     string `json:"query"`
		TopK      int    `json:"top_k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	results, err := s.analyzer.Rank(r.Context(), req.SessionID, req.Query, req.TopK)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, adhoc.ErrSessionNotFound) {
			code = http.StatusNotFound
		}
		writeErr(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}
