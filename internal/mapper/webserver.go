package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/lucent-vision/depthmap/internal/db"
	"github.com/lucent-vision/depthmap/internal/fsutil"
	"github.com/lucent-vision/depthmap/internal/httputil"
	"github.com/lucent-vision/depthmap/internal/security"
	"github.com/lucent-vision/depthmap/internal/version"
)

// WebServer exposes the mapping control surface: session lifecycle, status,
// a live event stream, and point cloud downloads.
type WebServer struct {
	address   string
	manager   *Manager
	store     *Store
	bus       *EventBus
	database  *db.DB
	framesDir string
	server    *http.Server

	mu         sync.Mutex
	captureDir string // frames dir of the most recently started session
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	Manager *Manager
	Store   *Store
	Bus     *EventBus
	DB      *db.DB

	// FramesDir is the default capture directory watched when a start
	// request does not name one.
	FramesDir string
}

func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		manager:   config.Manager,
		store:     config.Store,
		bus:       config.Bus,
		database:  config.DB,
		framesDir: config.FramesDir,
	}
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}
	return ws
}

// Start begins the HTTP server and blocks until the context is cancelled,
// then shuts the server down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}

func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/start", ws.handleStart)
	mux.HandleFunc("/api/stop", ws.handleStop)
	mux.HandleFunc("/api/reset", ws.handleReset)
	mux.HandleFunc("/api/status", ws.handleStatus)
	mux.HandleFunc("/api/events", ws.handleEvents)
	mux.HandleFunc("/api/sessions", ws.handleSessions)
	mux.HandleFunc("/api/sessions/", ws.handleSessionChunks)
	mux.HandleFunc("/pointcloud/", ws.handlePointCloud)
	mux.HandleFunc("/frames/", ws.handleFrames)

	if ws.database != nil {
		ws.database.AttachAdminRoutes(mux)
	}
	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "depthmap", "version": "%s", "timestamp": "%s"}`,
		version.Version, time.Now().UTC().Format(time.RFC3339))
}

type startRequest struct {
	FramesDir string `json:"frames_dir"`
}

func (ws *WebServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	dir := req.FramesDir
	if dir == "" {
		dir = ws.framesDir
	}
	if dir == "" {
		httputil.BadRequest(w, "frames_dir is required")
		return
	}
	if !fsutil.IsDir(dir) {
		httputil.BadRequest(w, fmt.Sprintf("frames_dir %s is not a directory", dir))
		return
	}

	session, err := ws.manager.Start(r.Context(), NewDirSource(dir))
	if err != nil {
		if err == ErrSessionActive {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	ws.mu.Lock()
	ws.captureDir = dir
	ws.mu.Unlock()

	httputil.WriteJSON(w, http.StatusCreated, map[string]string{
		"session_id": session.ID,
		"output_dir": session.OutputDir,
	})
}

func (ws *WebServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := ws.manager.Stop(); err != nil {
		httputil.Conflict(w, err.Error())
		return
	}
	// Draining and finalization continue in the background; the caller
	// polls status or watches the event stream.
	httputil.WriteJSONOK(w, ws.manager.Status())
}

func (ws *WebServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := ws.manager.Reset(); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, ws.manager.Status())
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, ws.manager.Status())
}

// handleEvents streams session events as server-sent events.
func (ws *WebServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Push the headers out now so subscribers observe the stream before the
	// first event arrives.
	flusher.Flush()

	events, cancel := ws.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				diagf("marshaling event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func (ws *WebServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	sessions, err := ws.store.ListSessions(r.Context())
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"sessions": sessions})
}

// handleSessionChunks serves /api/sessions/{id}/chunks.
func (ws *WebServer) handleSessionChunks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id, rest := splitPath(r.URL.Path, "/api/sessions/")
	if id == "" || rest != "chunks" {
		httputil.NotFound(w, "unknown session resource")
		return
	}
	session, err := ws.store.GetSession(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if session == nil {
		httputil.NotFound(w, "session not found")
		return
	}
	chunks, err := ws.store.ListChunks(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"session": session, "chunks": chunks})
}

// handlePointCloud serves /pointcloud/{index} for per-chunk clouds and
// /pointcloud/final for the merged session cloud.
func (ws *WebServer) handlePointCloud(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	session := ws.manager.Current()
	if session == nil {
		httputil.NotFound(w, "no session")
		return
	}

	name, _ := splitPath(r.URL.Path, "/pointcloud/")
	var path string
	switch {
	case name == "final":
		path = session.CombinedCloud()
		if path == "" {
			httputil.NotFound(w, "combined cloud not ready")
			return
		}
	default:
		index, err := strconv.Atoi(name)
		if err != nil || index < 0 {
			httputil.BadRequest(w, "point cloud id must be a chunk index or 'final'")
			return
		}
		path = filepath.Join(session.OutputDir, "pcd", fmt.Sprintf("%d_pcd.ply", index))
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

// handleFrames serves captured frame images for preview, restricted to the
// active capture directory.
func (ws *WebServer) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ws.mu.Lock()
	dir := ws.captureDir
	ws.mu.Unlock()
	if dir == "" {
		dir = ws.framesDir
	}
	if dir == "" {
		httputil.NotFound(w, "no capture directory")
		return
	}

	name, rest := splitPath(r.URL.Path, "/frames/")
	if name == "" || rest != "" {
		httputil.NotFound(w, "unknown frame")
		return
	}
	path := filepath.Join(dir, name)
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		httputil.BadRequest(w, "invalid frame path")
		return
	}
	http.ServeFile(w, r, path)
}

// splitPath strips prefix from path and splits the remainder at the first
// slash.
func splitPath(path, prefix string) (head, rest string) {
	trimmed := path[len(prefix):]
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			return trimmed[:i], trimmed[i+1:]
		}
	}
	return trimmed, ""
}
