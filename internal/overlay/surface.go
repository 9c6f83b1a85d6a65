package overlay

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"github.com/andresmejia3/overwatch/internal/types"
)

// ErrNoFrame is returned by Latest for a camera that has not rendered yet.
var ErrNoFrame = errors.New("no frame rendered yet")

type latest struct {
	frame types.Frame
	dets  []types.Detection
}

// SnapshotSurface is a render surface that keeps the last frame of each camera and
// annotates it on demand.
type SnapshotSurface struct {
	mu      sync.RWMutex
	cameras map[string]latest
	quality int
}

// NewSnapshotSurface creates an empty surface encoding JPEGs at quality.
func NewSnapshotSurface(quality int) *SnapshotSurface {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &SnapshotSurface{cameras: make(map[string]latest), quality: quality}
}

// Render stores the frame. Workers never modify a frame after rendering it.
func (s *SnapshotSurface) Render(cameraID string, frame types.Frame, dets []types.Detection) {
	s.mu.Lock()
	s.cameras[cameraID] = latest{frame: frame, dets: dets}
	s.mu.Unlock()
}

// Latest returns the most recent annotated frame of a camera as a JPEG, with its capture time.
func (s *SnapshotSurface) Latest(cameraID string) ([]byte, time.Time, error) {
	s.mu.RLock()
	l, ok := s.cameras[cameraID]
	s.mu.RUnlock()
	if !ok || l.frame.Image == nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNoFrame, cameraID)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Annotate(l.frame.Image, l.dets), &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, time.Time{}, fmt.Errorf("encoding frame: %w", err)
	}
	return buf.Bytes(), l.frame.CapturedAt, nil
}

// Forget drops a removed camera.
func (s *SnapshotSurface) Forget(cameraID string) {
	s.mu.Lock()
	delete(s.cameras, cameraID)
	s.mu.Unlock()
}
