package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/andresmejia3/overwatch/internal/metrics"
	"github.com/andresmejia3/overwatch/internal/types"
	"go.uber.org/zap"
)

// Process is one engine instance managed by a Pool.
type Process interface {
	Detect(ctx context.Context, img image.Image) ([]types.Face, error)
	Broken() bool
	Close() error
}

// Spawner starts the engine process for slot id.
type Spawner func(ctx context.Context, id int) (Process, error)

// PythonSpawner starts PythonEngines with cfg.
func PythonSpawner(cfg Config) Spawner {
	return func(ctx context.Context, id int) (Process, error) {
		return NewPythonEngine(ctx, id, cfg)
	}
}

// ErrPoolClosed is returned by Detect after Close.
var ErrPoolClosed = errors.New("engine pool closed")

type slot struct {
	id   int
	proc Process // nil until (re)spawned
}

// Pool shares a fixed number of engine processes between all camera workers.
// A process that times out or dies is closed and a fresh one is spawned on next use.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	spawn  Spawner
	slots  chan *slot
	logger *zap.Logger

	started   int
	closeOnce sync.Once
	closeErr  error
}

// NewPool starts size processes. If any fails to start, the ones already running are closed.
func NewPool(ctx context.Context, size int, spawn Spawner, logger *zap.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		ctx:    pctx,
		cancel: cancel,
		spawn:  spawn,
		slots:  make(chan *slot, size),
		logger: logger,
	}

	for i := 0; i < size; i++ {
		proc, err := spawn(pctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("starting engine %d: %w", i, err)
		}
		p.slots <- &slot{id: i, proc: proc}
		p.started++
	}
	logger.Info("engine pool started", zap.Int("engines", size))
	return p, nil
}

// Detect runs img on the next idle engine, waiting for one if all are busy.
// ctx bounds the wait for an engine, not the call itself.
func (p *Pool) Detect(ctx context.Context, img image.Image) ([]types.Face, error) {
	var s *slot
	select {
	case s = <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	}
	defer func() { p.slots <- s }()

	if s.proc == nil {
		proc, err := p.spawn(p.ctx, s.id)
		if err != nil {
			return nil, fmt.Errorf("respawning engine %d: %w", s.id, err)
		}
		s.proc = proc
		metrics.EngineRestarts.Inc()
		p.logger.Info("engine respawned", zap.Int("engine", s.id))
	}

	// Once a frame is on an engine it runs to completion, bounded by the engine timeout.
	// A caller that stops meanwhile must not kill a process other cameras share.
	start := time.Now()
	faces, err := s.proc.Detect(context.WithoutCancel(ctx), img)
	metrics.EngineLatency.Observe(time.Since(start).Seconds())

	if s.proc.Broken() {
		p.logger.Warn("engine failed, replacing", zap.Int("engine", s.id), zap.Error(err))
		s.proc.Close()
		s.proc = nil
	}
	if err != nil {
		return nil, err
	}
	return sanitize(faces), nil
}

// Close stops every engine. It is safe to call more than once.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		var errs []error
		for i := 0; i < p.started; i++ {
			var s *slot
			select {
			case s = <-p.slots:
			case <-time.After(30 * time.Second):
				errs = append(errs, errors.New("timed out waiting for busy engines"))
				p.closeErr = errors.Join(errs...)
				return
			}
			if s.proc != nil {
				if err := s.proc.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
