// Package server exposes the current marker snapshot over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/OCAP2/locsync/internal/geo"
	"github.com/OCAP2/locsync/internal/sink"
	"github.com/OCAP2/locsync/internal/syncloop"
	"github.com/OCAP2/locsync/pkg/core"
	"github.com/OCAP2/locsync/pkg/streaming"
)

// StatsSource reports the sync loop counters.
type StatsSource interface {
	Stats() syncloop.Stats
}

// IconSource loads encoded marker icons.
type IconSource interface {
	Icon(ref string) ([]byte, string, error)
}

// Server is both an HTTP handler and a rendering sink: every render replaces
// the snapshot it serves.
type Server struct {
	groupID string
	region  geo.Region
	stats   StatsSource
	icons   IconSource
	logger  *slog.Logger

	mu        sync.RWMutex
	markers   []streaming.Marker
	updatedAt time.Time

	router *mux.Router
	http   *http.Server
}

// New creates a server for groupID. stats and icons may be nil.
func New(groupID string, region geo.Region, stats StatsSource, icons IconSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		groupID: groupID,
		region:  region,
		stats:   stats,
		icons:   icons,
		logger:  logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthcheck", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/markers", s.handleMarkers).Methods(http.MethodGet)
	api.HandleFunc("/markers/{memberID}", s.handleMarker).Methods(http.MethodGet)
	api.HandleFunc("/region", s.handleRegion).Methods(http.MethodGet)
	api.HandleFunc("/icons/{ref}", s.handleIcon).Methods(http.MethodGet)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "address", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// ClearAll drops the served snapshot.
func (s *Server) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = nil
	return nil
}

// AddAll replaces the served snapshot with markers.
func (s *Server) AddAll(ctx context.Context, markers []core.MarkerEntity) error {
	projected, err := sink.Project(markers)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = projected
	s.updatedAt = time.Now().UTC()
	return nil
}

// MarkersResponse is the body of GET /api/v1/markers.
type MarkersResponse struct {
	GroupID   string             `json:"groupId"`
	UpdatedAt time.Time          `json:"updatedAt"`
	Markers   []streaming.Marker `json:"markers"`
	Bounds    *geo.Box           `json:"bounds,omitempty"`
}

// HealthResponse is the body of GET /healthcheck.
type HealthResponse struct {
	Status string          `json:"status"`
	Loop   *syncloop.Stats `json:"loop,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if s.stats != nil {
		st := s.stats.Stats()
		resp.Loop = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarkers(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	resp := MarkersResponse{
		GroupID:   s.groupID,
		UpdatedAt: s.updatedAt,
		Markers:   append([]streaming.Marker{}, s.markers...),
	}
	s.mu.RUnlock()

	entities := make([]core.MarkerEntity, len(resp.Markers))
	for i, m := range resp.Markers {
		entities[i] = m.MarkerEntity
	}
	if box, ok := geo.Bounds(entities); ok {
		resp.Bounds = &box
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMarker(w http.ResponseWriter, r *http.Request) {
	memberID := mux.Vars(r)["memberID"]

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.markers {
		if m.MemberID == memberID {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	http.Error(w, "member not found", http.StatusNotFound)
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.region)
}

func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	if s.icons == nil {
		http.Error(w, "icons not configured", http.StatusNotFound)
		return
	}
	ref := mux.Vars(r)["ref"]
	data, contentType, err := s.icons.Icon(ref)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			http.Error(w, "icon not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to load icon", "ref", ref, "error", err)
		http.Error(w, "failed to load icon", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "max-age=3600")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
