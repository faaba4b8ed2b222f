// Package httpapi exposes the per-node HTTP surface (SPEC_FULL.md
// §4.10, §6): a diagnostic greeting, the status/task-status aggregates
// the master's gather sweep polls from peer nodes, and the two file
// drop endpoints peer nodes POST products and outputs to.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/locator"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/log"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/taskmanager"
	"github.com/jc-gonzalez/euc-qla-sqpf/internal/workarea"
)

// DefaultMaxBodyBytes is the request body cap (45 MB, §6) applied by
// the /inbox and /outputs upload handlers. New always uses it; Server
// offers no option to change it.
const DefaultMaxBodyBytes = 45 << 20

const shutdownGrace = 10 * time.Second

// StatusProvider is implemented by taskmanager.Manager: the two
// read-only views the HTTP surface exposes to peer nodes.
type StatusProvider interface {
	AgentsInfo() map[string]interface{}
	TaskStatuses() map[string]taskmanager.TaskFrameView
}

// Server is the node's HTTP listener.
type Server struct {
	addr         string
	wa           *workarea.WorkArea
	status       StatusProvider
	maxBodyBytes int64
	httpServer   *http.Server
	logger       zerolog.Logger
}

// New builds a Server bound to addr (":<port>" or "host:port").
func New(addr string, wa *workarea.WorkArea, status StatusProvider) *Server {
	return &Server{
		addr:         addr,
		wa:           wa,
		status:       status,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       log.WithComponent("httpapi"),
	}
}

// Run starts the server and blocks until ctx is cancelled, then
// performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/hello", s.handleHello)
	r.Get("/status", s.handleStatus)
	r.Get("/tstatus", s.handleTaskStatus)
	r.Post("/inbox/{basename}", s.handleInbox)
	r.Post("/outputs/{basename}", s.handleOutputs)

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "hello from qpfmk")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status.AgentsInfo())
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status.TaskStatuses())
}

// handleInbox receives a raw product file body and stages it through
// server/inbox before relocating it into data/inbox, matching the
// two-step landing pattern the master loop's own watcher expects.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	basename := chi.URLParam(r, "basename")
	s.receiveFile(w, r, basename, s.wa.ServerInbox(), s.wa.Inbox())
}

// handleOutputs receives an archived output file, stages it through
// server/outputs and relocates it into data/archive, matching the commander's archive
// mechanism for foreign-node outputs (§4.7 step 6).
func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	basename := chi.URLParam(r, "basename")
	s.receiveFile(w, r, basename, s.wa.ServerOutputs(), s.wa.Archive())
}

func (s *Server) receiveFile(w http.ResponseWriter, r *http.Request, basename, stageDir, finalDir string) {
	if basename == "" {
		http.Error(w, "missing basename", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	stagePath := filepath.Join(stageDir, basename)
	f, err := os.Create(stagePath)
	if err != nil {
		s.logger.Error().Err(err).Str("path", stagePath).Msg("create staged file")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if _, err := io.Copy(f, r.Body); err != nil {
		f.Close()
		os.Remove(stagePath)
		s.logger.Warn().Err(err).Str("basename", basename).Msg("read request body")
		http.Error(w, "request body too large or truncated", http.StatusRequestEntityTooLarge)
		return
	}
	f.Close()

	finalPath := filepath.Join(finalDir, basename)
	if err := locator.Relocate(locator.Move, stagePath, finalPath); err != nil {
		s.logger.Error().Err(err).Str("basename", basename).Msg("relocate staged file")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}
