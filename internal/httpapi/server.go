// Package httpapi wires the broker's HTTP surface: presentation
// creation, join-token redemption, the WebSocket upgrade endpoint, a
// health check, and the static asset routes a live presentation's
// audience/presenter pages are served from.
//
// Grounded on the teacher's internal/api.APIServer and cmd/api/main.go
// for the gorilla/mux router-construction shape (one HandleFunc per
// route, graceful-shutdown-friendly *http.Server), and
// on internal/fabric's websocket.Upgrader + CheckOrigin pattern for the
// upgrade endpoint.
package httpapi

import (
	"embed"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/obelisk-exhibit/broker/internal/auth"
	"github.com/obelisk-exhibit/broker/internal/metrics"
	"github.com/obelisk-exhibit/broker/internal/presentation"
	"github.com/obelisk-exhibit/broker/internal/users"
	"github.com/obelisk-exhibit/broker/internal/wsconn"
)

//go:embed all:static
var staticFS embed.FS

// maxNewFormBytes and maxJoinBodyBytes bound the two unauthenticated
// POST bodies the broker accepts, ahead of any JWT verification.
const (
	maxNewFormBytes  = 4096
	maxJoinBodyBytes = 2048
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server holds every dependency the HTTP surface dispatches into.
type Server struct {
	Store         *presentation.Store
	Verifier      *auth.Verifier
	Router        wsconn.Router
	Metrics       *metrics.Metrics
	SendQueueSize int

	startedAt time.Time
}

// New constructs a Server. sendQueueSize configures every connection's
// bounded, drop-oldest outbound queue (config's connection.send_queue_size).
func New(store *presentation.Store, verifier *auth.Verifier, router wsconn.Router, m *metrics.Metrics, sendQueueSize int) *Server {
	return &Server{
		Store:         store,
		Verifier:      verifier,
		Router:        router,
		Metrics:       m,
		SendQueueSize: sendQueueSize,
		startedAt:     time.Now(),
	}
}

// Routes builds the mux.Router serving every endpoint.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/new", s.handleCreate).Methods("POST")
	r.HandleFunc("/join", s.handleJoin).Methods("POST")
	r.HandleFunc("/ws/{pid}/{handle}", s.handleWebSocket).Methods("GET")

	r.HandleFunc("/", serveStub("Obelisk Exhibit Broker")).Methods("GET")
	r.HandleFunc("/new", serveStub("Create a presentation")).Methods("GET")
	r.HandleFunc("/present", serveStub("Presenter Console")).Methods("GET")
	r.HandleFunc("/favicon.ico", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }).Methods("GET")

	assets, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err) // embed.FS is compiled in; "static" always exists
	}
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(assets))))

	return r
}

func serveStub(title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<!doctype html><title>" + title + "</title>"))
	}
}

type healthResponse struct {
	Status            string `json:"status"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	LivePresentations int    `json:"live_presentations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:            "ok",
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		LivePresentations: s.Store.Len(),
	})
}

// handleCreate verifies a /new form and installs the new presentation,
// grounded on obelisk/exhibit's create-presentation request flow (spec
// §4.1/§6): registration_key, presenter_identity, authorization_public_key,
// title, optional encrypted.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxNewFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	builder, err := s.Verifier.VerifyCreate(r.PostForm, s.Store)
	if err != nil {
		slog.Warn("httpapi: /new rejected", "error", err)
		http.NotFound(w, r)
		return
	}

	pres := builder.Build()
	if err := s.Store.Create(pres); err != nil {
		slog.Warn("httpapi: /new id conflict", "id", pres.ID, "error", err)
		http.Error(w, "conflict", http.StatusConflict)
		return
	}

	slog.Info("httpapi: presentation created", "id", pres.ID, "presenter_identity", pres.PresenterIdentity)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": pres.ID})
}

// handleJoin verifies a raw join token, allocates a connection handle,
// and registers a User or Presenter slot for it ahead of the WS upgrade
// (spec §4.3/§4.6: registration happens at join time, the upgrade only
// binds an already-registered slot).
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJoinBodyBytes))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	pres, claims, err := auth.VerifyJoin(body, s.Store)
	if err != nil {
		slog.Warn("httpapi: /join rejected", "error", err)
		http.NotFound(w, r)
		return
	}

	handle := uuid.NewString()
	rec := users.NewRecord(claims.Subject, handle)

	if claims.Subject == pres.PresenterIdentity {
		pres.Presenters.Insert(rec)
	} else {
		pres.Users.Insert(rec)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": "/ws/" + pres.ID + "/" + handle})
}

// handleWebSocket upgrades a request matching a /join-issued URL and
// hands the connection off to wsconn.Serve.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	pid, handle := vars["pid"], vars["handle"]

	pres, ok := s.Store.Get(pid)
	if !ok {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("httpapi: websocket upgrade failed", "presentation_id", pid, "error", err)
		return
	}

	role := "user"
	if pres.Presenters.Contains(handle) {
		role = "presenter"
	}
	if s.Metrics != nil {
		s.Metrics.RecordConnectionOpened(role)
	}

	var onDrop func()
	var onInvalidFrame func(reason string)
	if s.Metrics != nil {
		onDrop = s.Metrics.RecordDroppedFrame
		onInvalidFrame = s.Metrics.RecordInvalidFrame
	}

	wsconn.Serve(conn, pres, handle, s.SendQueueSize, s.Router, onDrop, onInvalidFrame)

	if s.Metrics != nil {
		s.Metrics.RecordConnectionClosed(role, "closed")
	}
}
