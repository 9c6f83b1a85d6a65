package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/andresmejia3/overwatch/internal/overlay"
	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = validator.New()

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrCameraNotFound), errors.Is(err, overlay.ErrNoFrame):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateRegno), errors.Is(err, types.ErrCameraExists):
		return http.StatusConflict
	case errors.Is(err, types.ErrConnectFailure):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrNoFace), errors.Is(err, types.ErrDimensionMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrEngineTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	respondError(w, status, err.Error())
}

func (s *Server) listCameras(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Cameras.Cameras())
}

func (s *Server) addCamera(w http.ResponseWriter, r *http.Request) {
	var cfg types.CameraConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera config: "+err.Error())
		return
	}
	if cfg.Source == "" {
		respondError(w, http.StatusBadRequest, "source is required")
		return
	}

	id, err := s.deps.Cameras.AddCamera(r.Context(), cfg)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.fail(w, r, err)
		return
	}
	info, err := s.deps.Cameras.Camera(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, info)
}

func (s *Server) getCamera(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Cameras.Camera(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) removeCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Cameras.RemoveCamera(chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type detectionResponse struct {
	Box        types.BBox `json:"box"`
	Name       string     `json:"name"`
	Regno      string     `json:"regno"`
	Known      bool       `json:"known"`
	Confidence float64    `json:"confidence"`
	ObservedAt time.Time  `json:"observed_at"`
}

// cameraDetections returns the cached detection set the camera is currently rendering.
func (s *Server) cameraDetections(w http.ResponseWriter, r *http.Request) {
	dets, err := s.deps.Cameras.Detections(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]detectionResponse, 0, len(dets))
	for _, d := range dets {
		resp := detectionResponse{
			Box:        d.Box,
			Name:       overlay.UnknownName,
			Regno:      overlay.UnknownRegno,
			Known:      d.Known(),
			Confidence: d.Confidence,
			ObservedAt: d.ObservedAt,
		}
		if d.Known() {
			resp.Name, resp.Regno = d.Identity.Name, d.Identity.Regno
		}
		out = append(out, resp)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) cameraFrame(w http.ResponseWriter, r *http.Request) {
	if s.deps.Frames == nil {
		respondError(w, http.StatusNotFound, "no render surface configured")
		return
	}
	data, at, err := s.deps.Frames.Latest(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Write(data)
}

type identityResponse struct {
	Name         string    `json:"name"`
	Regno        string    `json:"regno"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Identities.Snapshot()
	out := make([]identityResponse, 0, len(ids))
	for _, id := range ids {
		out = append(out, identityResponse{Name: id.Name, Regno: id.Regno, RegisteredAt: id.RegisteredAt})
	}
	respondJSON(w, http.StatusOK, out)
}

// registerRequest carries either a precomputed embedding or an image (base64 in JSON).
type registerRequest struct {
	Name      string          `json:"name" validate:"required"`
	Regno     string          `json:"regno" validate:"required"`
	Embedding types.Embedding `json:"embedding" validate:"required_without=Image"`
	Image     []byte          `json:"image" validate:"required_without=Embedding"`
}

func (s *Server) registerIdentity(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	emb := req.Embedding
	if len(emb) == 0 {
		img, _, err := image.Decode(bytes.NewReader(req.Image))
		if err != nil {
			respondError(w, http.StatusBadRequest, "cannot decode image: "+err.Error())
			return
		}
		if emb, err = s.encode(r, img); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	id, err := s.deps.Identities.Register(r.Context(), req.Name, req.Regno, emb)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("identity registered", zap.String("regno", id.Regno), zap.String("name", id.Name))
	respondJSON(w, http.StatusCreated, identityResponse{Name: id.Name, Regno: id.Regno, RegisteredAt: id.RegisteredAt})
}

// encode runs the engine on an uploaded image and returns the largest face's embedding.
func (s *Server) encode(r *http.Request, img image.Image) (types.Embedding, error) {
	if s.deps.Encoder == nil {
		return nil, errors.New("image registration needs a face engine")
	}
	faces, err := s.deps.Encoder.Detect(r.Context(), img)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, fmt.Errorf("%w in uploaded image", types.ErrNoFace)
	}
	return types.LargestFace(faces).Vec, nil
}

func (s *Server) recognitionStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": s.deps.Cameras.State().Enabled()})
}

func (s *Server) startRecognition(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Cameras.StartAll(r.Context()); err != nil {
		s.logger.Warn("some cameras failed to start", zap.Error(err))
		respondJSON(w, http.StatusOK, map[string]any{"enabled": true, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) stopRecognition(w http.ResponseWriter, r *http.Request) {
	s.deps.Cameras.StopAll()
	respondJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

// listDetections returns the in-memory log, newest first. ?camera filters by camera,
// ?limit caps the count, ?format=text returns the display lines.
func (s *Server) listDetections(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, line := range s.deps.History.Lines() {
			fmt.Fprintln(w, line)
		}
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	camera := r.URL.Query().Get("camera")

	out := make([]types.DetectionLogEntry, 0)
	for _, e := range s.deps.History.Recent() {
		if camera != "" && e.CameraID != camera {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	respondJSON(w, http.StatusOK, out)
}
