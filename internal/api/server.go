// Package api exposes the pipeline operations over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/andresmejia3/overwatch/internal/engine"
	"github.com/andresmejia3/overwatch/internal/metrics"
	"github.com/andresmejia3/overwatch/internal/supervisor"
	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Cameras is the camera registry. *supervisor.Supervisor implements it.
type Cameras interface {
	AddCamera(ctx context.Context, cfg types.CameraConfig) (string, error)
	RemoveCamera(id string) error
	Cameras() []supervisor.CameraInfo
	Camera(id string) (supervisor.CameraInfo, error)
	Detections(id string) ([]types.Detection, error)
	StartAll(ctx context.Context) error
	StopAll()
	State() *supervisor.PipelineState
}

// Identities is the identity set. *identity.Store implements it.
type Identities interface {
	Register(ctx context.Context, name, regno string, embedding types.Embedding) (types.Identity, error)
	Snapshot() []types.Identity
}

// History is the in-memory detection log. *detectionlog.Log implements it.
type History interface {
	Recent() []types.DetectionLogEntry
	Lines() []string
}

// Frames serves the latest annotated frame of a camera. *overlay.SnapshotSurface implements it.
type Frames interface {
	Latest(cameraID string) ([]byte, time.Time, error)
}

// Deps are the collaborators behind the routes. Encoder is optional; without it
// identities can only be registered from a precomputed embedding.
type Deps struct {
	Cameras    Cameras
	Identities Identities
	History    History
	Frames     Frames
	Encoder    engine.FaceEngine
	Logger     *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	deps       Deps
	router     *chi.Mux
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer builds the router. addr is only used by Start.
func NewServer(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	s := &Server{deps: deps, router: r, logger: deps.Logger}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/cameras", func(r chi.Router) {
		r.Get("/", s.listCameras)
		r.Post("/", s.addCamera)
		r.Get("/{id}", s.getCamera)
		r.Delete("/{id}", s.removeCamera)
		r.Get("/{id}/detections", s.cameraDetections)
		r.Get("/{id}/frame.jpg", s.cameraFrame)
	})

	r.Route("/identities", func(r chi.Router) {
		r.Get("/", s.listIdentities)
		r.Post("/", s.registerIdentity)
	})

	r.Route("/recognition", func(r chi.Router) {
		r.Get("/", s.recognitionStatus)
		r.Post("/start", s.startRecognition)
		r.Post("/stop", s.stopRecognition)
	})

	r.Get("/detections", s.listDetections)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chiMiddleware.GetReqID(r.Context())))
	})
}
