package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"reportq/internal/api"
	"reportq/internal/config"
	"reportq/internal/console"
	"reportq/internal/logging"
	"reportq/internal/queue"
	"reportq/internal/submit"
	"reportq/internal/syncer"
)

// maxReportBytes bounds request bodies carrying a report payload.
const maxReportBytes = 1 << 20

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	reports *api.ReportService
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.API.Bind)
	if bind == "" {
		return nil
	}

	srv := &apiServer{
		bind:    bind,
		logger:  logging.NewComponentLogger(logger, "api-server"),
		daemon:  d,
		reports: d.reports,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("GET /api/reports", srv.handleListReports)
	mux.HandleFunc("POST /api/reports", srv.handleFileReport)
	mux.HandleFunc("GET /api/reports/{key}", srv.handleDescribeReport)
	mux.HandleFunc("PUT /api/reports/{key}", srv.handleUpdateReport)
	mux.HandleFunc("DELETE /api/reports/{key}", srv.handleDeleteReport)
	mux.HandleFunc("POST /api/reports/{key}/resubmit", srv.handleResubmitReport)
	mux.HandleFunc("POST /api/sync", srv.handleSync)
	srv.handler = authMiddleware(cfg.API.Token, mux)
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Manual resubmits wait for a running pass and then for the backend.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	server, listener := s.server, s.listener
	s.server, s.listener = nil, nil
	s.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	if listener != nil {
		_ = listener.Close()
	}
}

func (s *apiServer) address() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status()
	payload := api.StatusResponse{
		Running:      status.Running,
		PID:          status.PID,
		QueueDBPath:  status.QueueDBPath,
		LockFilePath: status.LockFilePath,
		Connectivity: s.reports.Connectivity(),
		Sync:         s.reports.SyncStatus(),
	}
	stats, err := s.reports.Stats(r.Context())
	if err != nil {
		payload.QueueError = err.Error()
	}
	payload.Queue = stats
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleListReports(w http.ResponseWriter, r *http.Request) {
	items, err := s.reports.List(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err.Error(), nil)
		return
	}
	if items == nil {
		items = []console.ReportView{}
	}
	s.writeJSON(w, http.StatusOK, api.ReportListResponse{Items: items})
}

func (s *apiServer) handleDescribeReport(w http.ResponseWriter, r *http.Request) {
	item, err := s.reports.Describe(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ReportResponse{Item: item})
}

func (s *apiServer) handleFileReport(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readReport(w, r)
	if !ok {
		return
	}
	resp, err := s.reports.File(r.Context(), body)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error(), nil)
		return
	}
	code := http.StatusCreated
	if resp.Queued {
		code = http.StatusAccepted
	}
	s.writeJSON(w, code, resp)
}

func (s *apiServer) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readReport(w, r)
	if !ok {
		return
	}
	resubmit, _ := strconv.ParseBool(r.URL.Query().Get("resubmit"))
	result, err := s.reports.Update(r.Context(), r.PathValue("key"), body, resubmit)
	s.writeAction(w, result, err)
}

func (s *apiServer) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	result, err := s.reports.Delete(r.Context(), r.PathValue("key"))
	s.writeAction(w, result, err)
}

func (s *apiServer) handleResubmitReport(w http.ResponseWriter, r *http.Request) {
	result, err := s.reports.Resubmit(r.Context(), r.PathValue("key"))
	s.writeAction(w, result, err)
}

func (s *apiServer) handleSync(w http.ResponseWriter, r *http.Request) {
	resp, err := s.reports.Sync(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err.Error(), nil)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) readReport(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "report payload too large", nil)
			return nil, false
		}
		s.writeError(w, http.StatusBadRequest, "read request body: "+err.Error(), nil)
		return nil, false
	}
	return body, true
}

func (s *apiServer) writeAction(w http.ResponseWriter, result console.ActionResult, err error) {
	if err != nil {
		var alert *console.Alert
		if result.Alert.Level != "" {
			alert = &result.Alert
		}
		s.writeError(w, statusFor(err), err.Error(), alert)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ActionResponse{Result: result})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var submitErr *submit.Error
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidReport):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrDuplicateKey), errors.Is(err, syncer.ErrSyncInProgress):
		return http.StatusConflict
	case errors.As(err, &submitErr), errors.Is(err, submit.ErrNoIdentifier):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string, alert *console.Alert) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message, Alert: alert})
}
