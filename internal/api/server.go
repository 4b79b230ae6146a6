package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/StillSource/internal/config"
	"github.com/bryanchriswhite/StillSource/internal/logger"
	"github.com/bryanchriswhite/StillSource/internal/output"
	"github.com/bryanchriswhite/StillSource/internal/registry"
	"github.com/bryanchriswhite/StillSource/internal/version"
	"github.com/bryanchriswhite/StillSource/internal/worker"
)

// maxUploadSize bounds multipart image uploads
const maxUploadSize = 64 << 20

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	registry  *registry.Registry
	configMgr *config.Manager
	transport output.Transport
	upgrader  websocket.Upgrader

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a new API server. configMgr may be nil, in which case
// /api/config is not served.
func NewServer(reg *registry.Registry, configMgr *config.Manager, transport output.Transport) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		registry:  reg,
		configMgr: configMgr,
		transport: transport,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins, the API is meant for LAN control panels
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Images
	api.HandleFunc("/images", s.handleListImages).Methods("GET")
	api.HandleFunc("/images", s.handleUploadImage).Methods("POST")
	api.HandleFunc("/images/slate", s.handleCreateSlate).Methods("POST")
	api.HandleFunc("/images/{code}", s.handleGetImage).Methods("GET")
	api.HandleFunc("/images/{code}", s.handleDeleteImage).Methods("DELETE")

	// Senders
	api.HandleFunc("/senders", s.handleListSenders).Methods("GET")
	api.HandleFunc("/senders", s.handleSetupSender).Methods("POST")
	api.HandleFunc("/senders/{code}", s.handleGetSender).Methods("GET")
	api.HandleFunc("/senders/{code}", s.handleStopSender).Methods("DELETE")

	// MJPEG preview, when that transport is active
	if mjpeg, ok := s.transport.(*output.MJPEGTransport); ok {
		api.HandleFunc("/senders/{code}/stream", mjpeg.StreamHandler(func(r *http.Request) string {
			return mux.Vars(r)["code"]
		})).Methods("GET")
		api.HandleFunc("/senders/{code}/preview", s.handlePreviewStats(mjpeg)).Methods("GET")
	}

	// Events
	api.HandleFunc("/events", s.handleEvents)

	// Configuration
	if s.configMgr != nil {
		api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	}

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	logger.WithComponent("api").Info().Str("addr", addr).Msg("Starting HTTP server")
	return srv.ListenAndServe()
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps registry and worker errors to HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrConflict), errors.Is(err, registry.ErrInUse),
		errors.Is(err, worker.ErrInvalidAssignment):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrInvalid):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logger.WithComponent("api").Error().Err(err).Msg("Request failed")
	}
	http.Error(w, err.Error(), status)
}

// HTTP Handlers

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListImages())
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "Name, Code, and Image are required.", http.StatusBadRequest)
		return
	}
	defer file.Close()

	info, err := s.registry.AddImage(r.FormValue("code"), r.FormValue("name"), header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleCreateSlate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code   string `json:"code"`
		Name   string `json:"name"`
		Text   string `json:"text"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := s.registry.AddSlate(req.Code, req.Name, req.Text, req.Width, req.Height)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	path, contentType, err := s.registry.ImageFile(mux.Vars(r)["code"])
	if err != nil {
		writeError(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, "Image file missing", http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, stat.Name(), stat.ModTime(), f)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteImage(mux.Vars(r)["code"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleListSenders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListSenders())
}

func (s *Server) handleSetupSender(w http.ResponseWriter, r *http.Request) {
	var req registry.SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := s.registry.SetupSender(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetSender(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Sender(mux.Vars(r)["code"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStopSender(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.StopSender(mux.Vars(r)["code"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handlePreviewStats(mjpeg *output.MJPEGTransport) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, ok := mjpeg.Stats(mux.Vars(r)["code"])
		if !ok {
			http.Error(w, "Sender not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// snapshot is the first message on the events socket
type snapshot struct {
	Type    string                `json:"type"`
	Images  []registry.ImageInfo  `json:"images"`
	Senders []registry.SenderInfo `json:"senders"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	// Subscribe to registry changes
	updates := s.registry.Subscribe()
	defer s.registry.Unsubscribe(updates)

	if err := conn.WriteJSON(snapshot{
		Type:    "snapshot",
		Images:  s.registry.ListImages(),
		Senders: s.registry.ListSenders(),
	}); err != nil {
		log.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	// Reads only serve to notice the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v, _ := version.Version()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   v,
		"transport": s.transport.Name(),
		"senders":   len(s.registry.ListSenders()),
	})
}

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>StillSource</title>
    <style>
        body { font-family: sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
        code { background: #f5f5f5; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>StillSource</h1>
    <p>Still images as continuous video outputs.</p>
    <ul>
        <li><a href="/api/health">/api/health</a></li>
        <li><a href="/api/images">/api/images</a></li>
        <li><a href="/api/senders">/api/senders</a></li>
        <li><code>/api/senders/{code}/stream</code> (MJPEG preview)</li>
        <li><code>/api/events</code> (WebSocket)</li>
    </ul>
</body>
</html>`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(indexHTML))
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/api") {
		http.NotFound(w, r)
		return
	}
	http.Error(w, "Unknown API endpoint", http.StatusNotFound)
}
