// Package supervisor owns the set of running cameras.
//
// Cameras live in a registry keyed by id. Each one has exactly one worker, which owns the
// opened source. Recognition is switched on and off for every camera at once through the
// PipelineState flag; a worker observes the flag at the top of its loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/overwatch/internal/camera"
	"github.com/andresmejia3/overwatch/internal/engine"
	"github.com/andresmejia3/overwatch/internal/matcher"
	"github.com/andresmejia3/overwatch/internal/metrics"
	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/worker"
	"go.uber.org/zap"
)

// PipelineState is the process-wide recognition switch. It is created disabled.
type PipelineState struct {
	enabled atomic.Bool
}

// NewPipelineState returns a disabled state.
func NewPipelineState() *PipelineState {
	return &PipelineState{}
}

// Enabled reports whether recognition is on.
func (p *PipelineState) Enabled() bool {
	return p.enabled.Load()
}

// SetEnabled flips the switch.
func (p *PipelineState) SetEnabled(on bool) {
	p.enabled.Store(on)
}

// Forgetter is implemented by render surfaces that keep per-camera state.
type Forgetter interface {
	Forget(cameraID string)
}

// Config holds the collaborators shared by every worker.
type Config struct {
	Engine     engine.FaceEngine
	Identities worker.Identities
	Matcher    *matcher.Matcher
	Log        worker.DetectionSink
	Renderer   worker.Renderer
	LogEvery   int

	// Opener opens capture devices. Defaults to camera.FFmpegOpener.
	Opener        camera.Opener
	SourceOptions camera.Options
	Logger        *zap.Logger
}

// CameraInfo describes a registered camera.
type CameraInfo struct {
	Config types.CameraConfig `json:"config"`
	State  string             `json:"state"`
}

type entry struct {
	cfg    types.CameraConfig
	worker *worker.Worker
	// restarting is set while one StartAll reopens the source; guarded by Supervisor.mu.
	restarting bool
}

// Supervisor is the typed camera registry.
type Supervisor struct {
	cfg    Config
	state  *PipelineState
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cameras   map[string]*entry
	remoteSeq int
	closed    bool
}

// New creates an empty supervisor. state may be nil, in which case a new disabled one is used.
func New(cfg Config, state *PipelineState) *Supervisor {
	if state == nil {
		state = NewPipelineState()
	}
	if cfg.Opener == nil {
		cfg.Opener = camera.FFmpegOpener
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.SourceOptions.Logger == nil {
		cfg.SourceOptions.Logger = cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		state:   state,
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		cameras: make(map[string]*entry),
	}
}

// State returns the recognition switch shared with the workers.
func (s *Supervisor) State() *PipelineState {
	return s.state
}

// AddCamera normalizes and validates cfg, opens the source and registers a worker for it.
// The worker is started right away when recognition is enabled. An unreachable source
// fails with ErrConnectFailure and nothing is registered.
func (s *Supervisor) AddCamera(ctx context.Context, cfg types.CameraConfig) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("supervisor closed")
	}
	n := s.remoteSeq + 1
	cfg = camera.Normalize(cfg, n)
	if err := camera.Validate(cfg); err != nil {
		s.mu.Unlock()
		return "", err
	}
	if _, ok := s.cameras[cfg.ID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", types.ErrCameraExists, cfg.ID)
	}
	if cfg.Kind == types.CameraRemote {
		s.remoteSeq = n
	}
	s.mu.Unlock()

	// Opening blocks on the device, so it runs outside the lock.
	src, err := camera.Open(ctx, cfg, s.cfg.Opener, s.cfg.SourceOptions)
	if err != nil {
		s.logger.Warn("camera add failed", zap.String("camera_id", cfg.ID), zap.Error(err))
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cameras[cfg.ID]; ok || s.closed {
		src.Close()
		if s.closed {
			return "", errors.New("supervisor closed")
		}
		return "", fmt.Errorf("%w: %s", types.ErrCameraExists, cfg.ID)
	}

	e := &entry{cfg: cfg, worker: s.newWorker(src)}
	s.cameras[cfg.ID] = e
	s.logger.Info("camera added",
		zap.String("camera_id", cfg.ID),
		zap.String("kind", string(cfg.Kind)),
		zap.Int("decimation", cfg.Decimation))

	if s.state.Enabled() {
		if err := e.worker.Start(s.ctx); err != nil {
			return cfg.ID, err
		}
	}
	return cfg.ID, nil
}

func (s *Supervisor) newWorker(src worker.FrameSource) *worker.Worker {
	return worker.New(worker.Deps{
		Source:     src,
		Engine:     s.cfg.Engine,
		Identities: s.cfg.Identities,
		Matcher:    s.cfg.Matcher,
		Log:        s.cfg.Log,
		Renderer:   s.cfg.Renderer,
		Gate:       s.state,
		Logger:     s.logger,
		LogEvery:   s.cfg.LogEvery,
	})
}

// RemoveCamera stops the camera's worker if it runs and releases its source.
func (s *Supervisor) RemoveCamera(id string) error {
	s.mu.Lock()
	e, ok := s.cameras[id]
	var w *worker.Worker
	if ok {
		w = e.worker
		delete(s.cameras, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrCameraNotFound, id)
	}

	w.Stop()
	metrics.Forget(id)
	if f, ok := s.cfg.Renderer.(Forgetter); ok {
		f.Forget(id)
	}
	s.logger.Info("camera removed", zap.String("camera_id", id))
	return nil
}

// StartAll enables recognition and starts every camera that is not running.
// Cameras stopped earlier get their source reopened; those that cannot be reopened stay
// stopped and are reported in the returned error. Calling it again is a no-op, and
// concurrent calls restart each camera at most once.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.state.SetEnabled(true)

	s.mu.Lock()
	var stale []*entry
	var errs []error
	for _, e := range s.cameras {
		switch e.worker.State() {
		case worker.Idle:
			if err := e.worker.Start(s.ctx); err != nil {
				errs = append(errs, err)
			}
		case worker.Stopping, worker.Stopped:
			if !e.restarting {
				e.restarting = true
				stale = append(stale, e)
			}
		}
	}
	s.mu.Unlock()

	for _, e := range stale {
		s.mu.Lock()
		old := e.worker
		s.mu.Unlock()
		// The old loop may still be finishing its last frame.
		old.Stop()

		src, err := camera.Open(ctx, e.cfg, s.cfg.Opener, s.cfg.SourceOptions)
		if err != nil {
			s.mu.Lock()
			e.restarting = false
			s.mu.Unlock()
			s.logger.Warn("camera restart failed", zap.String("camera_id", e.cfg.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}

		s.mu.Lock()
		e.restarting = false
		if s.cameras[e.cfg.ID] != e || !s.state.Enabled() || e.worker != old {
			// Removed or stopped again while we were reopening.
			s.mu.Unlock()
			src.Close()
			continue
		}
		e.worker = s.newWorker(src)
		err = e.worker.Start(s.ctx)
		s.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("recognition started", zap.Int("cameras", s.Len()))
	return errors.Join(errs...)
}

// StopAll disables recognition and waits for every worker to release its source.
// Calling it again is a no-op.
func (s *Supervisor) StopAll() {
	s.state.SetEnabled(false)

	s.mu.Lock()
	workers := make([]*worker.Worker, 0, len(s.cameras))
	for _, e := range s.cameras {
		if st := e.worker.State(); st == worker.Running || st == worker.Stopping {
			workers = append(workers, e.worker)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}
	wg.Wait()
	s.logger.Info("recognition stopped", zap.Int("cameras", len(workers)))
}

// Cameras lists the registered cameras ordered by id.
func (s *Supervisor) Cameras() []CameraInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CameraInfo, 0, len(s.cameras))
	for _, e := range s.cameras {
		out = append(out, CameraInfo{Config: e.cfg, State: e.worker.State().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Camera returns one registered camera.
func (s *Supervisor) Camera(id string) (CameraInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cameras[id]
	if !ok {
		return CameraInfo{}, fmt.Errorf("%w: %s", types.ErrCameraNotFound, id)
	}
	return CameraInfo{Config: e.cfg, State: e.worker.State().String()}, nil
}

// Detections returns the cached detection set of a camera.
func (s *Supervisor) Detections(id string) ([]types.Detection, error) {
	s.mu.Lock()
	e, ok := s.cameras[id]
	var w *worker.Worker
	if ok {
		w = e.worker
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrCameraNotFound, id)
	}
	return w.Detections(), nil
}

// Len returns the number of registered cameras.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cameras)
}

// Close stops recognition and removes every camera. The supervisor cannot be reused.
func (s *Supervisor) Close() {
	s.StopAll()

	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.cameras))
	for id := range s.cameras {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.RemoveCamera(id)
	}
	s.cancel()
}
