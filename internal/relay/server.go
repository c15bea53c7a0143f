// Package relay moves camera frames between machines: it reads a remote
// MJPEG feed into a frame cache, serves a cache as an MJPEG feed, and fans
// frames out through Redis.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/pear-sorter/internal/framecache"
	"github.com/banshee-data/pear-sorter/internal/httputil"
	"github.com/banshee-data/pear-sorter/internal/monitoring"
	"github.com/banshee-data/pear-sorter/internal/timeutil"
)

// Boundary separates MJPEG parts, matching the camera feeds the sorter
// consumes.
const Boundary = "frame"

// ServerConfig configures a Server.
type ServerConfig struct {
	Cache *framecache.Cache
	// CameraID is the only id served under /api/video_feed/{camera_id}.
	CameraID string
	// FrameInterval is how often a streaming client is offered a new frame.
	FrameInterval time.Duration
	// Status, if set, contributes to /api/status.
	Status func() map[string]any
	// Debug, if set, is mounted at /debug/ (tsweb admin pages).
	Debug http.Handler

	Clock  timeutil.Clock
	Logger *slog.Logger
}

// Server serves the frame cache over HTTP:
//
//	GET /api/video_feed/              MJPEG stream of the cache
//	GET /api/video_feed/{camera_id}   same, for a named camera
//	GET /api/snapshot                 latest fresh JPEG, 204 when stale
//	GET /api/status                   JSON status
//	GET /metrics                      Prometheus metrics
type Server struct {
	cfg    ServerConfig
	clock  timeutil.Clock
	logger *slog.Logger
	router *mux.Router
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Cache == nil {
		return nil, errors.New("relay server needs a frame cache")
	}
	if cfg.CameraID == "" {
		cfg.CameraID = "0"
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 100 * time.Millisecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	s := &Server{
		cfg:    cfg,
		clock:  clock,
		logger: monitoring.Or(cfg.Logger).With("component", "relay"),
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/api/video_feed/", s.handleVideoFeed).Methods(http.MethodGet)
	s.router.HandleFunc("/api/video_feed/{camera_id}", s.handleVideoFeed).Methods(http.MethodGet)
	s.router.HandleFunc("/api/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	s.router.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler())
	if cfg.Debug != nil {
		s.router.PathPrefix("/debug/").Handler(cfg.Debug)
	}
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// with a one second grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("relay listening", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("relay shutdown error, forcing close", "err", err)
		_ = server.Close()
	}
	s.logger.Info("relay stopped")
	return nil
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	if id, ok := mux.Vars(r)["camera_id"]; ok && id != s.cfg.CameraID {
		httputil.NotFound(w, "unknown camera "+strconv.Quote(id))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := s.clock.NewTicker(s.cfg.FrameInterval)
	defer ticker.Stop()

	var last time.Time
	send := func() error {
		f, ok := s.cfg.Cache.Read()
		if !ok || !f.CapturedAt.After(last) {
			return nil
		}
		last = f.CapturedAt
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(f.Data))},
		})
		if err != nil {
			return err
		}
		if _, err := part.Write(f.Data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C():
			if err := send(); err != nil {
				s.logger.Debug("video feed client gone", "err", err)
				return
			}
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	f, ok := s.cfg.Cache.Read()
	if !ok {
		httputil.NoContent(w)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("Last-Modified", f.CapturedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, st := s.cfg.Cache.Lookup()
	out := map[string]any{
		"camera_id": s.cfg.CameraID,
		"frame":     st.String(),
		"cache":     s.cfg.Cache.Stats(),
	}
	if s.cfg.Status != nil {
		for k, v := range s.cfg.Status() {
			out[k] = v
		}
	}
	httputil.WriteJSONOK(w, out)
}
