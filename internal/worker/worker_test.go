package worker

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/overwatch/internal/detectionlog"
	"github.com/andresmejia3/overwatch/internal/engine"
	"github.com/andresmejia3/overwatch/internal/identity"
	"github.com/andresmejia3/overwatch/internal/matcher"
	"github.com/andresmejia3/overwatch/internal/types"
)

// fakeSource plays a script of frames (nil) and read errors (non-nil), then blocks until cancelled.
type fakeSource struct {
	cfg    types.CameraConfig
	mu     sync.Mutex
	script []error
	pos    int
	seq    uint64

	endless bool // keep producing frames once the script is done

	recovers int
	skips    []int
	reads    int
	closed   bool
}

func (f *fakeSource) Read(ctx context.Context) (types.Frame, error) {
	f.mu.Lock()
	f.reads++
	if f.pos >= len(f.script) && !f.endless {
		f.mu.Unlock()
		<-ctx.Done()
		return types.Frame{}, ctx.Err()
	}
	var step error
	if f.pos < len(f.script) {
		step = f.script[f.pos]
		f.pos++
	}
	f.mu.Unlock()

	if step != nil {
		return types.Frame{}, step
	}
	f.seq++
	return types.Frame{
		Seq:        f.seq,
		Image:      image.NewRGBA(image.Rect(0, 0, 100, 80)),
		CapturedAt: time.Date(2024, 1, 1, 12, 0, int(f.seq), 0, time.UTC),
	}, nil
}

func (f *fakeSource) Recover(ctx context.Context) {
	f.mu.Lock()
	f.recovers++
	f.mu.Unlock()
}

func (f *fakeSource) Skip(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skips = append(f.skips, n)
	return 0
}

func (f *fakeSource) Config() types.CameraConfig { return f.cfg }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newSource(cfg types.CameraConfig, script ...error) *fakeSource {
	return &fakeSource{cfg: cfg, script: script}
}

func frames(n int) []error { return make([]error, n) }

// scriptedEngine answers call i (1-based) with respond(i).
type scriptedEngine struct {
	mu      sync.Mutex
	calls   int
	sizes   []image.Point
	respond func(call int) ([]types.Face, error)
}

func (e *scriptedEngine) Detect(ctx context.Context, img image.Image) ([]types.Face, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.sizes = append(e.sizes, img.Bounds().Size())
	e.mu.Unlock()
	return e.respond(call)
}

func (e *scriptedEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// recordingRenderer keeps the detection set of every rendered frame.
type recordingRenderer struct {
	mu     sync.Mutex
	frames [][]types.Detection
	want   int
	done   chan struct{}
}

func newRenderer(want int) *recordingRenderer {
	return &recordingRenderer{want: want, done: make(chan struct{})}
}

func (r *recordingRenderer) Render(cameraID string, frame types.Frame, dets []types.Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, dets)
	if len(r.frames) == r.want {
		close(r.done)
	}
}

func (r *recordingRenderer) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %d rendered frames, got %d", r.want, len(r.frames))
	}
}

type staticIdentities []types.Identity

func (s staticIdentities) Snapshot() []types.Identity { return s }

func face(box types.BBox, vec ...float64) types.Face {
	return types.Face{Box: box, Vec: vec}
}

func localCfg(decimation int, resize float64) types.CameraConfig {
	return types.CameraConfig{ID: "local_0", Source: "0", Kind: types.CameraLocal, Decimation: decimation, ResizeFactor: resize, BufferSize: 2}
}

func TestDecimationReusesCache(t *testing.T) {
	src := newSource(localCfg(3, 1), frames(9)...)
	eng := &scriptedEngine{respond: func(call int) ([]types.Face, error) {
		return []types.Face{face(types.BBox{Left: call, Top: call, Right: call + 10, Bottom: call + 10}, 9, 9)}, nil
	}}
	rec := newRenderer(9)

	w := New(Deps{Source: src, Engine: eng, Identities: staticIdentities{}, Renderer: rec})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec.wait(t)
	w.Stop()

	if eng.Calls() != 3 {
		t.Errorf("Expected 3 engine calls for 9 frames at decimation 3, got %d", eng.Calls())
	}

	for i, dets := range rec.frames {
		frameNo := i + 1
		wantCall := frameNo / 3 // detections of the last processed frame
		if wantCall == 0 {
			if len(dets) != 0 {
				t.Errorf("Frame %d: expected no detections before first processed frame, got %v", frameNo, dets)
			}
			continue
		}
		if len(dets) != 1 || dets[0].Box.Left != wantCall {
			t.Errorf("Frame %d: expected cached detections of call %d, got %+v", frameNo, wantCall, dets)
			continue
		}
		if dets[0].Known() {
			t.Errorf("Frame %d: expected unknown face", frameNo)
		}
	}
}

func TestEndToEndAlice(t *testing.T) {
	ctx := context.Background()
	ids := identity.NewStore(identity.NewMemoryRepository(), 3)
	embA := types.Embedding{0.11, 0.22, 0.33}
	if _, err := ids.Register(ctx, "Alice", "R001", embA); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	eng := &scriptedEngine{respond: func(call int) ([]types.Face, error) {
		if call == 2 { // frame 6
			return []types.Face{face(types.BBox{Left: 10, Top: 10, Right: 20, Bottom: 20}, embA...)}, nil
		}
		return nil, nil
	}}
	dlog := detectionlog.New(detectionlog.DefaultHistory, nil)
	rec := newRenderer(8)
	src := newSource(localCfg(3, 0.5), frames(8)...)

	w := New(Deps{
		Source:     src,
		Engine:     eng,
		Identities: ids,
		Matcher:    matcher.New(matcher.DefaultTolerance, matcher.Euclidean),
		Log:        dlog,
		Renderer:   rec,
	})
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec.wait(t)
	w.Stop()

	entries := dlog.Recent()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Name != "Alice" || e.Regno != "R001" || e.Confidence != 100 || e.CameraID != "local_0" {
		t.Errorf("Unexpected log entry: %+v", e)
	}

	for i, dets := range rec.frames {
		frameNo := i + 1
		if frameNo <= 5 {
			if len(dets) != 0 {
				t.Errorf("Frame %d: expected no box, got %+v", frameNo, dets)
			}
			continue
		}
		if len(dets) != 1 || !dets[0].Known() || dets[0].Identity.Name != "Alice" {
			t.Fatalf("Frame %d: expected Alice, got %+v", frameNo, dets)
		}
		// Box is scaled back from the half-size image.
		want := types.BBox{Left: 20, Top: 20, Right: 40, Bottom: 40}
		if dets[0].Box != want {
			t.Errorf("Frame %d: expected box %+v, got %+v", frameNo, want, dets[0].Box)
		}
	}

	if len(eng.sizes) != 2 || eng.sizes[0] != (image.Point{X: 50, Y: 40}) {
		t.Errorf("Expected the engine to see half-size frames, got %v", eng.sizes)
	}
}

func TestTransientReadFailure(t *testing.T) {
	script := []error{nil, types.ErrReadFailure, types.ErrReadFailure, nil, nil}
	src := newSource(localCfg(1, 1), script...)
	eng := &scriptedEngine{respond: func(call int) ([]types.Face, error) { return nil, nil }}
	rec := newRenderer(3)

	w := New(Deps{Source: src, Engine: eng, Identities: staticIdentities{}, Renderer: rec})
	w.Start(context.Background())
	rec.wait(t)

	if w.State() != Running {
		t.Errorf("Expected worker to keep running, got %s", w.State())
	}
	w.Stop()

	if src.recovers != 2 {
		t.Errorf("Expected 2 recoveries, got %d", src.recovers)
	}
	// Failed reads don't count as frames, so all three frames were processed.
	if eng.Calls() != 3 {
		t.Errorf("Expected 3 engine calls, got %d", eng.Calls())
	}
}

func TestDetectionFailureKeepsCache(t *testing.T) {
	src := newSource(localCfg(1, 1), frames(3)...)
	eng := &scriptedEngine{respond: func(call int) ([]types.Face, error) {
		if call == 2 {
			return nil, errors.New("engine crashed")
		}
		return []types.Face{face(types.BBox{Left: call, Right: call + 5, Bottom: 5}, 1, 1)}, nil
	}}
	rec := newRenderer(3)

	w := New(Deps{Source: src, Engine: eng, Identities: staticIdentities{}, Renderer: rec})
	w.Start(context.Background())
	rec.wait(t)
	w.Stop()

	if got := rec.frames[1]; len(got) != 1 || got[0].Box.Left != 1 {
		t.Errorf("Frame 2: expected frame 1 detections after engine failure, got %+v", got)
	}
	if got := rec.frames[2]; len(got) != 1 || got[0].Box.Left != 3 {
		t.Errorf("Frame 3: expected fresh detections, got %+v", got)
	}
}

func TestCacheReplacedWholesale(t *testing.T) {
	src := newSource(localCfg(1, 1), frames(2)...)
	eng := &scriptedEngine{respond: func(call int) ([]types.Face, error) {
		if call == 1 {
			return []types.Face{
				face(types.BBox{Right: 1, Bottom: 1}, 1),
				face(types.BBox{Right: 2, Bottom: 2}, 2),
			}, nil
		}
		return nil, nil
	}}
	rec := newRenderer(2)

	w := New(Deps{Source: src, Engine: eng, Identities: staticIdentities{}, Renderer: rec})
	w.Start(context.Background())
	rec.wait(t)
	w.Stop()

	if len(rec.frames[0]) != 2 {
		t.Errorf("Frame 1: expected 2 detections, got %d", len(rec.frames[0]))
	}
	if len(rec.frames[1]) != 0 {
		t.Errorf("Frame 2: expected cache to be cleared, got %d", len(rec.frames[1]))
	}
}

func TestLogSampling(t *testing.T) {
	alice := types.Identity{Name: "Alice", Regno: "R001", Embedding: types.Embedding{1, 1}}
	src := newSource(localCfg(1, 1), frames(7)...)
	eng := &scriptedEngine{respond: func(call int) ([]types.Face, error) {
		return []types.Face{face(types.BBox{Right: 1, Bottom: 1}, 1, 1)}, nil
	}}
	dlog := detectionlog.New(0, nil)
	rec := newRenderer(7)

	w := New(Deps{Source: src, Engine: eng, Identities: staticIdentities{alice}, Log: dlog, Renderer: rec, LogEvery: 3})
	w.Start(context.Background())
	rec.wait(t)
	w.Stop()

	// Processed frames 1, 4 and 7 are logged.
	if got := len(dlog.Recent()); got != 3 {
		t.Errorf("Expected 3 sampled log entries, got %d", got)
	}
}

func TestUnknownFacesAreNotLogged(t *testing.T) {
	src := newSource(localCfg(1, 1), frames(2)...)
	eng := &scriptedEngine{respond: func(call int) ([]types.Face, error) {
		return []types.Face{face(types.BBox{Right: 1, Bottom: 1}, 5, 5)}, nil
	}}
	dlog := detectionlog.New(0, nil)
	rec := newRenderer(2)

	alice := types.Identity{Name: "Alice", Regno: "R001", Embedding: types.Embedding{0, 0}}
	w := New(Deps{Source: src, Engine: eng, Identities: staticIdentities{alice}, Log: dlog, Renderer: rec})
	w.Start(context.Background())
	rec.wait(t)
	w.Stop()

	if got := len(dlog.Recent()); got != 0 {
		t.Errorf("Expected no log entries for unknown faces, got %d", got)
	}
	if rec.frames[0][0].Confidence != 0 {
		t.Errorf("Expected confidence 0 for unknown face, got %f", rec.frames[0][0].Confidence)
	}
}

func TestLifecycle(t *testing.T) {
	src := newSource(localCfg(1, 1))
	eng := &scriptedEngine{respond: func(call int) ([]types.Face, error) { return nil, nil }}
	w := New(Deps{Source: src, Engine: eng, Identities: staticIdentities{}})

	if w.State() != Idle {
		t.Fatalf("Expected Idle, got %s", w.State())
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if w.State() != Running {
		t.Errorf("Expected Running, got %s", w.State())
	}
	if err := w.Start(context.Background()); !errors.Is(err, ErrNotIdle) {
		t.Errorf("Expected ErrNotIdle on second Start, got %v", err)
	}

	w.Stop()
	if w.State() != Stopped {
		t.Errorf("Expected Stopped, got %s", w.State())
	}
	if !src.closed {
		t.Error("Expected the source to be released")
	}
	w.Stop() // idempotent
}

// slowProcess is an engine process that dies when its call is cancelled.
type slowProcess struct {
	entered chan struct{}
	once    sync.Once
	broken  atomic.Bool
	closed  atomic.Bool
}

func (p *slowProcess) Detect(ctx context.Context, img image.Image) ([]types.Face, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-time.After(50 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		p.broken.Store(true)
		return nil, ctx.Err()
	}
}

func (p *slowProcess) Broken() bool { return p.broken.Load() }
func (p *slowProcess) Close() error {
	p.closed.Store(true)
	return nil
}

func TestStopDuringDetectionKeepsSharedEngine(t *testing.T) {
	proc := &slowProcess{entered: make(chan struct{})}
	var spawns atomic.Int32
	pool, err := engine.NewPool(context.Background(), 1, func(ctx context.Context, id int) (engine.Process, error) {
		spawns.Add(1)
		return proc, nil
	}, nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Close()

	src := newSource(localCfg(1, 1), frames(1)...)
	w := New(Deps{Source: src, Engine: pool, Identities: staticIdentities{}})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-proc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the detection to begin")
	}
	w.Stop()

	if proc.Broken() || proc.closed.Load() {
		t.Error("Expected the shared engine to survive the worker stopping")
	}
	if got := spawns.Load(); got != 1 {
		t.Errorf("Expected no respawn, got %d spawns", got)
	}
}

func TestStopBeforeStart(t *testing.T) {
	src := newSource(localCfg(1, 1))
	w := New(Deps{Source: src, Engine: &scriptedEngine{}, Identities: staticIdentities{}})
	w.Stop()
	if w.State() != Stopped || !src.closed {
		t.Errorf("Expected Stopped with source closed, got %s closed=%v", w.State(), src.closed)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("Expected Start after Stop to fail")
	}
}

type flag struct {
	mu sync.Mutex
	on bool
}

func (f *flag) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

func (f *flag) set(v bool) {
	f.mu.Lock()
	f.on = v
	f.mu.Unlock()
}

func TestGateDisabledStopsWorker(t *testing.T) {
	gate := &flag{on: true}
	src := newSource(localCfg(1, 1))
	src.endless = true
	eng := &scriptedEngine{respond: func(call int) ([]types.Face, error) { return nil, nil }}
	rec := newRenderer(1)

	w := New(Deps{Source: src, Engine: eng, Identities: staticIdentities{}, Renderer: rec, Gate: gate})
	w.Start(context.Background())
	rec.wait(t)
	gate.set(false)

	deadline := time.Now().Add(2 * time.Second)
	for w.State() != Stopped && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if w.State() != Stopped {
		t.Fatalf("Worker did not observe the disabled flag, state %s", w.State())
	}
	if !src.closed {
		t.Error("Expected the source to be released")
	}
}

func TestRemoteBacklogSkip(t *testing.T) {
	cfg := localCfg(100, 1)
	cfg.Kind = types.CameraRemote
	src := newSource(cfg, frames(10)...)
	rec := newRenderer(10)

	w := New(Deps{Source: src, Engine: &scriptedEngine{}, Identities: staticIdentities{}, Renderer: rec})
	w.Start(context.Background())
	rec.wait(t)
	w.Stop()

	if len(src.skips) != 1 || src.skips[0] != 3 {
		t.Errorf("Expected one skip of 3 frames before the 10th read, got %v", src.skips)
	}
}

func TestDownscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	if got := downscale(img, 0.3).Bounds().Size(); got != (image.Point{X: 192, Y: 144}) {
		t.Errorf("Expected 192x144, got %v", got)
	}
	if downscale(img, 1) != img {
		t.Error("Expected factor 1 to return the original image")
	}
	tiny := image.NewRGBA(image.Rect(0, 0, 2, 2))
	if got := downscale(tiny, 0.1).Bounds().Size(); got != (image.Point{X: 1, Y: 1}) {
		t.Errorf("Expected 1x1 minimum, got %v", got)
	}
}
