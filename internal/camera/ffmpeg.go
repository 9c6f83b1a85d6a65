package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strings"
	"sync"

	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/utils"
)

const megabyte = 1024 * 1024

// ffmpegGrabber reads the MJPEG stream of an ffmpeg capture process.
type ffmpegGrabber struct {
	cmd     *utils.SafeCommand
	out     io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// FFmpegOpener starts an ffmpeg process per camera. Local indexes are read through v4l2,
// anything else is handed to ffmpeg as a URL.
func FFmpegOpener(ctx context.Context, cfg types.CameraConfig) (Grabber, error) {
	pctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewFFmpegCaptureCmd(pctx, utils.CaptureSpec{
		Source: cfg.Source,
		Local:  cfg.Kind == types.CameraLocal,
		FPS:    cfg.TargetFPS,
		Width:  cfg.Width,
		Height: cfg.Height,
	})

	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 16*megabyte)
	scanner.Split(utils.SplitJpeg)

	return &ffmpegGrabber{
		cmd:     cmd,
		out:     out,
		scanner: scanner,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}, nil
}

func (g *ffmpegGrabber) Grab() (image.Image, error) {
	if !g.scanner.Scan() {
		select {
		case <-g.closed:
			return nil, ErrClosed
		default:
		}
		err := g.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		if logs := strings.TrimSpace(g.cmd.Stderr.String()); logs != "" {
			return nil, fmt.Errorf("capture stream ended: %w (ffmpeg: %s)", err, logs)
		}
		return nil, fmt.Errorf("capture stream ended: %w", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(g.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	return img, nil
}

// Close kills ffmpeg and reaps it. Safe to call more than once.
func (g *ffmpegGrabber) Close() error {
	g.closeOnce.Do(func() {
		close(g.closed)
		g.cancel()
		g.out.Close()
		g.cmd.Wait()
	})
	return nil
}
