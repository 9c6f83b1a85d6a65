// Package engine is the boundary to the face detection and encoding capability.
package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/utils"
)

// FaceEngine finds faces in an image and encodes each one.
// Boxes are in the coordinates of img. An image without faces yields an empty slice.
type FaceEngine interface {
	Detect(ctx context.Context, img image.Image) ([]types.Face, error)
}

// Config describes how to launch an engine process.
type Config struct {
	Command string        // e.g. "python3"
	Args    []string      // e.g. ["-u", "python/engine.py"]
	Dim     int           // embedding length the process produces
	Timeout time.Duration // per-frame deadline; 0 means none
}

// PythonEngine is one engine process. Requests go over stdin, responses come back over a
// dedicated pipe (FD 3) so stray prints on stdout can't corrupt the protocol.
type PythonEngine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	dim     int
	timeout time.Duration

	broken    atomic.Bool
	closeOnce sync.Once
}

// NewPythonEngine starts an engine process.
func NewPythonEngine(ctx context.Context, id int, cfg Config) (*PythonEngine, error) {
	py := utils.NewSafeCommand(ctx, cfg.Command, cfg.Args...)
	py.Env = append(os.Environ(), fmt.Sprintf("OVERWATCH_EMBEDDING_DIM=%d", cfg.Dim))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonEngine{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		dim:      cfg.Dim,
		timeout:  cfg.Timeout,
	}, nil
}

// Detect sends img to the process and waits for its faces. If the call outlives the timeout
// or ctx, the process is killed and the engine is marked broken.
func (e *PythonEngine) Detect(ctx context.Context, img image.Image) ([]types.Face, error) {
	if e.broken.Load() {
		return nil, fmt.Errorf("engine %d is not running", e.ID)
	}
	payload := EncodeRGB(img)

	type result struct {
		faces []types.Face
		err   error
	}
	done := make(chan result, 1)
	go func() {
		faces, err := e.ProcessFrame(payload)
		done <- result{faces, err}
	}()

	var timeout <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil && !isLogicError(r.err) {
			// Pipe failures mean the process is gone or desynchronized.
			e.broken.Store(true)
		}
		return r.faces, r.err
	case <-timeout:
		e.kill()
		return nil, fmt.Errorf("%w: engine %d after %s", types.ErrEngineTimeout, e.ID, e.timeout)
	case <-ctx.Done():
		e.kill()
		return nil, ctx.Err()
	}
}

// Broken reports whether the process must be replaced.
func (e *PythonEngine) Broken() bool {
	return e.broken.Load()
}

func (e *PythonEngine) kill() {
	e.broken.Store(true)
	if e.Cmd != nil && e.Cmd.Process != nil {
		e.Cmd.Process.Kill()
	}
	// Unblocks the reader goroutine.
	e.DataPipe.Close()
}

// engineError is an error reported by the engine itself; the protocol stream is still in sync.
type engineError struct{ msg string }

func (e *engineError) Error() string { return "python engine error: " + e.msg }

func isLogicError(err error) bool {
	_, ok := err.(*engineError)
	return ok
}

// maxResponseSize caps a single engine response.
const maxResponseSize = 64 << 20

// ProcessFrame performs one request/response exchange.
//
// Request:  [Length uint32][Width uint32][Height uint32][RGB bytes]
// Response: [Length uint32][Status byte] then
//
//	status 0: [NumFaces uint32] NumFaces x ([Box 4xint32][Vec float32 x dim])
//	status 1: [MsgLen uint32][Msg]
func (e *PythonEngine) ProcessFrame(payload []byte) ([]types.Face, error) {
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(payload))); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(payload); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err // This is where we catch an import crash on startup
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseSize {
		// The stream is out of sync; nothing after this header can be trusted.
		return nil, fmt.Errorf("engine %d: response of %d bytes exceeds %d", e.ID, respLen, maxResponseSize)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(e.DataPipe, respBody); err != nil {
		return nil, err
	}

	return e.parseResponse(respBody)
}

func (e *PythonEngine) parseResponse(body []byte) ([]types.Face, error) {
	r := bytes.NewReader(body)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty engine response: %w", err)
	}
	if status == 1 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, err
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, err
		}
		return nil, &engineError{msg: string(msg)}
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, err
	}

	faces := make([]types.Face, 0, numFaces)
	vec32 := make([]float32, e.dim)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, vec32); err != nil {
			return nil, fmt.Errorf("face %d embedding: %w", i, err)
		}
		vec := make(types.Embedding, e.dim)
		for j, v := range vec32 {
			vec[j] = float64(v)
		}
		faces = append(faces, types.Face{
			Box: types.BBox{Left: int(box[0]), Top: int(box[1]), Right: int(box[2]), Bottom: int(box[3])},
			Vec: vec,
		})
	}
	return faces, nil
}

// Close shuts the process down and reaps it.
func (e *PythonEngine) Close() error {
	e.closeOnce.Do(func() {
		e.Stdin.Close()
		e.DataPipe.Close()
		if e.Cmd != nil {
			e.Cmd.Wait()
		}
	})
	return nil
}

// EncodeRGB packs img as [Width][Height][R G B ...], dropping alpha.
func EncodeRGB(img image.Image) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	buf := make([]byte, 8+w*h*3)
	binary.BigEndian.PutUint32(buf[0:], uint32(w))
	binary.BigEndian.PutUint32(buf[4:], uint32(h))

	out := buf[8:]
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < h; y++ {
			row := rgba.Pix[(y+b.Min.Y-rgba.Rect.Min.Y)*rgba.Stride+(b.Min.X-rgba.Rect.Min.X)*4:]
			for x := 0; x < w; x++ {
				copy(out[(y*w+x)*3:], row[x*4:x*4+3])
			}
		}
		return buf
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*w + x) * 3
			out[i], out[i+1], out[i+2] = uint8(r>>8), uint8(g>>8), uint8(bl>>8)
		}
	}
	return buf
}

// sanitize guards against NaN embeddings from a misbehaving model.
func sanitize(faces []types.Face) []types.Face {
	kept := faces[:0]
	for _, f := range faces {
		ok := true
		for _, v := range f.Vec {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, f)
		}
	}
	return kept
}
