// Package camera wraps one capture device or network stream behind a small bounded buffer.
//
// A reader goroutine pulls decoded frames from the device and keeps at most BufferSize of them,
// dropping the oldest when the consumer falls behind, so a slow worker always sees a recent
// frame instead of an ever-growing backlog. A device that stops producing is reopened in the
// background; the consumer only ever sees ErrReadFailure for that, never a fatal error.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/overwatch/internal/types"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

const (
	// MaxDrain bounds how many queued frames Recover discards.
	MaxDrain = 5
	// RetryDelay is the pause after a failed read before the next attempt.
	RetryDelay = 10 * time.Millisecond

	DefaultReadTimeout    = 2 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = time.Second
)

// Grabber is an opened capture device. Grab blocks until the next frame is decoded.
// Close must unblock a pending Grab.
type Grabber interface {
	Grab() (image.Image, error)
	Close() error
}

// Opener opens the device described by cfg.
type Opener func(ctx context.Context, cfg types.CameraConfig) (Grabber, error)

// Options tune a Source. Zero values use the package defaults.
type Options struct {
	ReadTimeout    time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Source is an open camera.
type Source struct {
	cfg    types.CameraConfig
	opener Opener
	opts   Options
	logger *zap.Logger

	frames   chan *image.RGBA
	failures chan error
	seq      atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	grabber Grabber
	closed  bool
}

// Open opens the device and performs a test read. Any failure is ErrConnectFailure and
// leaves nothing running.
func Open(ctx context.Context, cfg types.CameraConfig, opener Opener, opts Options) (*Source, error) {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	size := cfg.BufferSize
	if size < 1 {
		size = 1
	}

	// The device lives as long as the source, not as long as the caller's ctx,
	// which only bounds the connect.
	sctx, cancel := context.WithCancel(context.Background())
	g, err := opener(sctx, cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s: %v", types.ErrConnectFailure, cfg.Source, err)
	}

	first, err := grabWithTimeout(ctx, g, opts.ConnectTimeout)
	if err != nil {
		g.Close()
		cancel()
		return nil, fmt.Errorf("%w: %s: test read: %v", types.ErrConnectFailure, cfg.Source, err)
	}

	s := &Source{
		cfg:      cfg,
		opener:   opener,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("camera_id", cfg.ID)),
		frames:   make(chan *image.RGBA, size),
		failures: make(chan error, 1),
		ctx:      sctx,
		cancel:   cancel,
		grabber:  g,
	}
	s.push(toRGBA(first))

	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

func grabWithTimeout(ctx context.Context, g Grabber, timeout time.Duration) (image.Image, error) {
	type result struct {
		img image.Image
		err error
	}
	ch := make(chan result, 1)
	go func() {
		img, err := g.Grab()
		ch <- result{img, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.img, r.err
	case <-timer.C:
		return nil, fmt.Errorf("no frame within %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop keeps the buffer filled until Close.
func (s *Source) readLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		g := s.grabber
		s.mu.Unlock()
		if g == nil {
			if !s.reconnect() {
				return
			}
			continue
		}

		img, err := g.Grab()
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrCorruptFrame) {
			s.fail(err)
			continue
		}
		if err != nil {
			s.fail(err)
			s.logger.Debug("capture stream interrupted, reopening", zap.Error(err))
			g.Close()
			s.mu.Lock()
			s.grabber = nil
			s.mu.Unlock()
			continue
		}
		s.push(toRGBA(img))
	}
}

// reconnect reopens the device, retrying until it works or the source is closed.
func (s *Source) reconnect() bool {
	for {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(s.opts.ReconnectDelay):
		}
		g, err := s.opener(s.ctx, s.cfg)
		if err != nil {
			s.fail(err)
			s.logger.Debug("reopen failed", zap.Error(err))
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			g.Close()
			return false
		}
		s.grabber = g
		s.mu.Unlock()
		return true
	}
}

// push stores a frame, evicting the oldest one when the buffer is full.
func (s *Source) push(img *image.RGBA) {
	for {
		select {
		case s.frames <- img:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}

func (s *Source) fail(err error) {
	select {
	case s.failures <- err:
	default:
	}
}

// Read returns the next buffered frame, or ErrReadFailure if none arrives in time
// or the stream reported an interruption.
func (s *Source) Read(ctx context.Context) (types.Frame, error) {
	timer := time.NewTimer(s.opts.ReadTimeout)
	defer timer.Stop()

	select {
	case img := <-s.frames:
		return types.Frame{Seq: s.seq.Add(1), Image: img, CapturedAt: time.Now()}, nil
	case err := <-s.failures:
		return types.Frame{}, fmt.Errorf("%w: %v", types.ErrReadFailure, err)
	case <-timer.C:
		return types.Frame{}, fmt.Errorf("%w: no frame within %s", types.ErrReadFailure, s.opts.ReadTimeout)
	case <-s.ctx.Done():
		return types.Frame{}, fmt.Errorf("%w: source closed", types.ErrReadFailure)
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Skip discards up to n buffered frames and reports how many were dropped.
func (s *Source) Skip(n int) int {
	dropped := 0
	for dropped < n {
		select {
		case <-s.frames:
			dropped++
		default:
			return dropped
		}
	}
	return dropped
}

// Recover is the backlog recovery after a failed read: drain up to MaxDrain queued
// frames, then pause briefly.
func (s *Source) Recover(ctx context.Context) {
	s.Skip(MaxDrain)
	select {
	case <-time.After(RetryDelay):
	case <-ctx.Done():
	}
}

// Config returns the configuration the source was opened with.
func (s *Source) Config() types.CameraConfig {
	return s.cfg
}

// Close stops capture and releases the device. It is safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	g := s.grabber
	s.grabber = nil
	s.mu.Unlock()

	s.cancel()
	var err error
	if g != nil {
		err = g.Close()
	}
	s.wg.Wait()
	return err
}

var (
	// ErrClosed is returned by grabbers that have been closed.
	ErrClosed = errors.New("capture closed")
	// ErrCorruptFrame is a single undecodable frame; the stream itself is still healthy.
	ErrCorruptFrame = errors.New("corrupt frame")
)

// toRGBA converts any decoded image to RGBA with a zero origin.
func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}
