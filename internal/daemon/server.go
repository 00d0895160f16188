package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/janekbaraniewski/runledger/internal/cliimport"
	"github.com/janekbaraniewski/runledger/internal/correlate"
	"github.com/janekbaraniewski/runledger/internal/engine"
	"github.com/janekbaraniewski/runledger/internal/store"
	"github.com/janekbaraniewski/runledger/internal/usage"
	"github.com/janekbaraniewski/runledger/internal/version"
)

// Service serves the run-event API over a unix socket and keeps watched
// session logs imported.
type Service struct {
	cfg     Config
	store   *store.Store
	engine  *engine.Engine
	watcher *cliimport.Watcher
}

// RunServer starts the daemon and blocks until SIGINT/SIGTERM.
func RunServer(cfg Config) error {
	if !cfg.Verbose {
		log.SetOutput(io.Discard)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, err := StartService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	<-ctx.Done()
	log.Println("daemon: stopping on signal")
	return nil
}

// StartService opens the store, wires the engine and starts the socket
// server, the session-log watcher and the permission sweep ticker.
func StartService(ctx context.Context, cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("daemon: db path is empty")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.OverviewDays <= 0 {
		cfg.OverviewDays = 30
	}

	st, err := store.OpenStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	svc := &Service{
		cfg:   cfg,
		store: st,
		engine: engine.New(st, engine.Options{
			PermissionTimeout: cfg.PermissionTimeout,
			MaxLineBytes:      cfg.MaxLineBytes,
			RecentModelDays:   cfg.RecentModelDays,
		}),
	}

	if err := svc.startSocketServer(ctx); err != nil {
		st.Close()
		return nil, err
	}
	if err := svc.startWatcher(ctx); err != nil {
		st.Close()
		return nil, err
	}
	if cfg.PermissionTimeout > 0 {
		go svc.sweepLoop(ctx)
	}
	return svc, nil
}

func (s *Service) Close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	_ = s.store.Close()
}

func (s *Service) Engine() *engine.Engine { return s.engine }

func (s *Service) startWatcher(ctx context.Context) error {
	if len(s.cfg.SessionDirs) == 0 {
		return nil
	}
	watcher, err := cliimport.NewWatcher(s.cfg.WatchDebounce)
	if err != nil {
		return fmt.Errorf("daemon: start watcher: %w", err)
	}
	s.watcher = watcher

	for _, dir := range s.cfg.SessionDirs {
		if err := watcher.WatchDir(dir); err != nil {
			log.Printf("daemon: cannot watch %s: %v", dir, err)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case path, ok := <-watcher.Changes():
				if !ok {
					return
				}
				s.importChanged(ctx, path)
			}
		}
	}()
	return nil
}

func (s *Service) importChanged(ctx context.Context, path string) {
	summary := cliimport.CliSessionSummary{
		SessionID: sessionIDForPath(path),
		FilePath:  path,
	}
	res, err := s.engine.ImportSession(ctx, summary)
	if err != nil {
		if errors.Is(err, cliimport.ErrImportInProgress) {
			return
		}
		log.Printf("daemon: import %s: %v", path, err)
		return
	}
	if res.EventsImported > 0 {
		log.Printf("daemon: imported %d events from %s", res.EventsImported, path)
	}
}

// sessionIDForPath derives a stable run id from the log filename.
func sessionIDForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := s.engine.SweepExpiredPermissions(); len(expired) > 0 {
				log.Printf("daemon: timed out %d permission prompts", len(expired))
			}
		}
	}
}

// --- HTTP server ---

func (s *Service) startSocketServer(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.SocketPath) == "" {
		return fmt.Errorf("daemon: socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("daemon: create socket dir: %w", err)
	}
	if err := EnsureSocketPathAvailable(s.cfg.SocketPath); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen socket: %w", err)
	}
	_ = os.Chmod(s.cfg.SocketPath, 0o660)
	log.Printf("daemon: listening on %s", s.cfg.SocketPath)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       20 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		_ = listener.Close()
		_ = os.Remove(s.cfg.SocketPath)
	}()
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("daemon: server error: %v", err)
		}
	}()

	return nil
}

// Handler builds the API mux.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/health", s.handleHealth)
	mux.HandleFunc("/v1/events", s.handleEvent)
	mux.HandleFunc("/v1/import", s.handleImport)
	mux.HandleFunc("/v1/runs/", s.handleTimeline)
	mux.HandleFunc("/v1/usage", s.handleUsage)
	mux.HandleFunc("/v1/heatmap", s.handleHeatmap)
	mux.HandleFunc("/v1/permissions/resolve", s.handleResolvePermission)
	mux.HandleFunc("/v1/hooks/answer", s.handleAnswerCallback)
	mux.HandleFunc("/v1/cache/clear", s.handleClearCache)
	mux.HandleFunc("/v1/stats", s.handleStats)
	return mux
}

// EnsureSocketPathAvailable verifies nothing is serving on socketPath,
// removing a stale socket file left by a crashed daemon.
func EnsureSocketPathAvailable(socketPath string) error {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		return fmt.Errorf("socket path is empty")
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat socket path %s: %w", socketPath, err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s already exists and is not a socket", socketPath)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 450*time.Millisecond)
	defer cancel()
	dialer := net.Dialer{Timeout: 450 * time.Millisecond}
	conn, dialErr := dialer.DialContext(dialCtx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("daemon already running on socket %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale daemon socket %s: %w", socketPath, err)
	}
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		DaemonVersion: strings.TrimSpace(version.Version),
		APIVersion:    APIVersion,
	})
}

func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode event: %v", err))
		return
	}
	stamped, err := s.engine.HandleEvent(r.Context(), req.Event)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, EventResponse{RunID: stamped.RunID, Seq: stamped.Seq})
}

func (s *Service) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode import request: %v", err))
		return
	}
	if req.FilePath == "" {
		writeJSONError(w, http.StatusBadRequest, "missing file_path")
		return
	}
	if req.SessionID == "" {
		req.SessionID = sessionIDForPath(req.FilePath)
	}
	res, err := s.engine.ImportSession(r.Context(), cliimport.CliSessionSummary{
		SessionID: req.SessionID,
		FilePath:  req.FilePath,
	})
	if err != nil {
		if errors.Is(err, cliimport.ErrImportInProgress) {
			writeJSONError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ImportResponse{
		EventsImported:  res.EventsImported,
		EventsSkipped:   res.EventsSkipped,
		UsageIncomplete: res.UsageIncomplete,
		SkippedSubtypes: res.SkippedSubtypes,
	})
}

func (s *Service) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	runID, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != "timeline" || runID == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	entries, err := s.engine.Timeline(r.Context(), runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, TimelineResponse{RunID: runID, Entries: entries})
}

func (s *Service) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// days=0 requests the unbounded, all-history overview.
	days := s.cfg.OverviewDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid days %q", raw))
			return
		}
		days = parsed
	}
	overview, err := s.engine.UsageOverview(r.Context(), days)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, UsageResponse{Overview: overview})
}

func (s *Service) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	scope := usage.HeatmapScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = usage.HeatmapCost
	}
	heat, err := s.engine.HeatmapDaily(r.Context(), scope)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HeatmapResponse{Scope: string(scope), Days: heat})
}

func (s *Service) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req ResolvePermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode resolve request: %v", err))
		return
	}
	decision := correlate.Decision(req.Decision)
	switch decision {
	case correlate.DecisionApproved, correlate.DecisionDenied:
	default:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid decision %q", req.Decision))
		return
	}
	res, resolved := s.engine.ResolvePermission(req.RequestID, decision)
	writeJSON(w, http.StatusOK, ResolvePermissionResponse{
		RequestID: req.RequestID,
		Decision:  string(res.Decision),
		Resolved:  resolved,
	})
}

func (s *Service) handleAnswerCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req AnswerCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode answer request: %v", err))
		return
	}
	hook, answered := s.engine.AnswerHookCallback(req.RequestID)
	resp := AnswerCallbackResponse{RequestID: req.RequestID, Answered: answered}
	if hook != nil {
		resp.HookID = hook.HookID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.engine.ClearUsageCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Stats: s.engine.Stats()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
