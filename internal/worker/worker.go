// Package worker runs the per-camera recognition loop.
//
// A Worker reads every frame its source produces, sends every Nth one to the face engine,
// matches the faces against the current identity snapshot and renders every frame with the
// detections of the last processed one. Per-frame errors never leave the loop: read failures
// go through the source's recovery, engine failures keep the previous detections.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/overwatch/internal/engine"
	"github.com/andresmejia3/overwatch/internal/matcher"
	"github.com/andresmejia3/overwatch/internal/metrics"
	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// DefaultLogEvery is how many processed frames must pass between detection log writes.
const DefaultLogEvery = 30

const (
	// On remote cameras, every backlogEvery-th read first discards up to backlogSkip
	// buffered frames so recognition runs on the freshest picture.
	backlogEvery = 10
	backlogSkip  = 3
)

// State is the lifecycle of a Worker.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrNotIdle is returned by Start on a worker that was already started.
var ErrNotIdle = errors.New("worker already started")

// FrameSource is an opened camera. *camera.Source satisfies it.
type FrameSource interface {
	Read(ctx context.Context) (types.Frame, error)
	Recover(ctx context.Context)
	Skip(n int) int
	Config() types.CameraConfig
	Close() error
}

// Identities provides the current identity snapshot.
type Identities interface {
	Snapshot() []types.Identity
}

// DetectionSink receives sampled matches.
type DetectionSink interface {
	Append(ctx context.Context, e types.DetectionLogEntry) error
}

// Renderer is the display surface. It is called once per frame read.
type Renderer interface {
	Render(cameraID string, frame types.Frame, detections []types.Detection)
}

// Gate reports whether recognition is globally enabled.
type Gate interface {
	Enabled() bool
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Source     FrameSource
	Engine     engine.FaceEngine
	Identities Identities
	Matcher    *matcher.Matcher
	Log        DetectionSink
	Renderer   Renderer
	Gate       Gate
	Logger     *zap.Logger
	LogEvery   int
}

// Worker owns one camera source and its detection cache.
type Worker struct {
	cfg  types.CameraConfig
	deps Deps
	log  *zap.Logger

	lifecycle sync.Mutex
	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.RWMutex
	cache []types.Detection

	// Loop-owned counters.
	frames     uint64
	processed  uint64
	lastLogged uint64
	loggedAny  bool
}

// New creates an Idle worker. Missing optional collaborators get no-op defaults.
func New(deps Deps) *Worker {
	cfg := deps.Source.Config()
	if cfg.Decimation < 1 {
		cfg.Decimation = 1
	}
	if cfg.ResizeFactor <= 0 || cfg.ResizeFactor > 1 {
		cfg.ResizeFactor = 1
	}
	if deps.LogEvery < 1 {
		deps.LogEvery = DefaultLogEvery
	}
	if deps.Matcher == nil {
		deps.Matcher = matcher.New(matcher.DefaultTolerance, nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Renderer == nil {
		deps.Renderer = nopRenderer{}
	}
	if deps.Gate == nil {
		deps.Gate = alwaysOn{}
	}

	w := &Worker{
		cfg:  cfg,
		deps: deps,
		log: deps.Logger.With(
			zap.String("camera_id", cfg.ID),
			zap.String("session", uuid.New().String()),
		),
		done: make(chan struct{}),
	}
	w.state.Store(int32(Idle))
	return w
}

// ID returns the camera id.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Start moves an Idle worker to Running and launches its loop.
func (w *Worker) Start(ctx context.Context) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.State() != Idle {
		return fmt.Errorf("%w: %s is %s", ErrNotIdle, w.cfg.ID, w.State())
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.state.Store(int32(Running))
	metrics.ActiveWorkers.Inc()
	w.log.Info("worker started",
		zap.Int("decimation", w.cfg.Decimation),
		zap.Float64("resize_factor", w.cfg.ResizeFactor))
	go w.run(ctx)
	return nil
}

// Stop asks the loop to exit and waits until the source is released.
// A worker that was never started is moved straight to Stopped and its source closed.
func (w *Worker) Stop() {
	w.lifecycle.Lock()
	if w.State() == Idle {
		w.state.Store(int32(Stopped))
		w.deps.Source.Close()
		close(w.done)
		w.lifecycle.Unlock()
		return
	}
	w.state.CompareAndSwap(int32(Running), int32(Stopping))
	if w.cancel != nil {
		w.cancel()
	}
	w.lifecycle.Unlock()
	<-w.done
}

// Detections returns a copy of the cached detection set.
func (w *Worker) Detections() []types.Detection {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]types.Detection, len(w.cache))
	copy(out, w.cache)
	return out
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		if err := w.deps.Source.Close(); err != nil {
			w.log.Warn("closing source", zap.Error(err))
		}
		w.state.Store(int32(Stopped))
		metrics.ActiveWorkers.Dec()
		w.log.Info("worker stopped",
			zap.Uint64("frames", w.frames),
			zap.Uint64("processed", w.processed))
		close(w.done)
	}()

	for {
		// Cooperative cancellation: observed once per iteration.
		if ctx.Err() != nil || !w.deps.Gate.Enabled() {
			w.state.CompareAndSwap(int32(Running), int32(Stopping))
			return
		}
		w.step(ctx)
	}
}

// step performs one loop iteration: read, maybe process, render.
func (w *Worker) step(ctx context.Context) {
	if w.cfg.Kind == types.CameraRemote && (w.frames+1)%backlogEvery == 0 {
		w.deps.Source.Skip(backlogSkip)
	}

	frame, err := w.deps.Source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.ReadFailures.WithLabelValues(w.cfg.ID).Inc()
		w.log.Debug("frame read failed", zap.Error(err))
		w.deps.Source.Recover(ctx)
		return
	}

	w.frames++
	metrics.FramesCaptured.WithLabelValues(w.cfg.ID).Inc()

	if w.frames%uint64(w.cfg.Decimation) == 0 {
		w.process(ctx, frame)
	}

	w.deps.Renderer.Render(w.cfg.ID, frame, w.Detections())
}

// process runs detection and matching on one frame and replaces the cache.
func (w *Worker) process(ctx context.Context, frame types.Frame) {
	metrics.FramesProcessed.WithLabelValues(w.cfg.ID).Inc()
	trace := uuid.New().String()

	small := downscale(frame.Image, w.cfg.ResizeFactor)
	faces, err := w.deps.Engine.Detect(ctx, small)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.DetectionFailures.WithLabelValues(w.cfg.ID).Inc()
		w.log.Warn("detection failed, keeping previous detections",
			zap.Uint64("frame", w.frames),
			zap.String("trace", trace),
			zap.Error(fmt.Errorf("%w: %v", types.ErrDetectionFailure, err)))
		return
	}

	known := w.deps.Identities.Snapshot()
	inv := 1 / w.cfg.ResizeFactor
	dets := make([]types.Detection, 0, len(faces))
	for _, f := range faces {
		res := w.deps.Matcher.Match(f.Vec, known)
		dets = append(dets, types.Detection{
			Box:        f.Box.Scale(inv),
			Identity:   res.Identity,
			Confidence: res.Confidence,
			CameraID:   w.cfg.ID,
			ObservedAt: frame.CapturedAt,
		})
		outcome := "unknown"
		if res.Known() {
			outcome = "known"
		}
		metrics.FacesDetected.WithLabelValues(w.cfg.ID, outcome).Inc()
	}

	w.mu.Lock()
	w.cache = dets
	w.mu.Unlock()
	w.processed++

	w.log.Debug("frame processed",
		zap.Uint64("frame", w.frames),
		zap.String("trace", trace),
		zap.Int("faces", len(faces)))

	w.logMatches(ctx, dets)
}

// logMatches forwards matches to the detection log, at most once every LogEvery processed frames.
func (w *Worker) logMatches(ctx context.Context, dets []types.Detection) {
	if w.deps.Log == nil {
		return
	}
	if w.loggedAny && w.processed-w.lastLogged < uint64(w.deps.LogEvery) {
		return
	}

	logged := false
	for _, d := range dets {
		if !d.Known() {
			continue
		}
		entry := types.DetectionLogEntry{
			Name:       d.Identity.Name,
			Regno:      d.Identity.Regno,
			CameraID:   w.cfg.ID,
			Timestamp:  d.ObservedAt,
			Confidence: d.Confidence,
		}
		if err := w.deps.Log.Append(ctx, entry); err != nil {
			w.log.Error("detection log append failed", zap.String("regno", entry.Regno), zap.Error(err))
		}
		metrics.DetectionsLogged.WithLabelValues(w.cfg.ID).Inc()
		logged = true
	}
	if logged {
		w.loggedAny = true
		w.lastLogged = w.processed
	}
}

// downscale resizes img by factor. A factor of 1 returns img unchanged.
func downscale(img *image.RGBA, factor float64) *image.RGBA {
	if factor >= 1 {
		return img
	}
	b := img.Bounds()
	w := max(1, int(float64(b.Dx())*factor))
	h := max(1, int(float64(b.Dy())*factor))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

type nopRenderer struct{}

func (nopRenderer) Render(string, types.Frame, []types.Detection) {}

type alwaysOn struct{}

func (alwaysOn) Enabled() bool { return true }
