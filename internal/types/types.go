package types

import (
	"errors"
	"fmt"
	"image"
	"time"
)

var (
	// ErrConnectFailure means a camera could not be opened or its first test read failed.
	ErrConnectFailure = errors.New("camera connect failure")
	// ErrReadFailure is a transient frame read failure. Workers retry it forever.
	ErrReadFailure = errors.New("camera read failure")
	// ErrDetectionFailure wraps any FaceEngine error for a single frame.
	ErrDetectionFailure = errors.New("face detection failure")
	// ErrEngineTimeout is returned when an engine does not answer within its deadline.
	ErrEngineTimeout = errors.New("face engine timeout")
	// ErrDuplicateRegno rejects a registration whose regno is already present.
	ErrDuplicateRegno = errors.New("registration number already exists")
	// ErrDimensionMismatch rejects embeddings of the wrong length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNoFace is returned when registration could not find a face in time.
	ErrNoFace = errors.New("no face detected")
	ErrCameraExists   = errors.New("camera already registered")
	ErrCameraNotFound = errors.New("camera not found")
)

// Embedding is the fixed-length feature vector produced by the face engine.
type Embedding []float64

// Identity is a registered person. Identities are never mutated after creation.
type Identity struct {
	Name         string
	Regno        string
	Embedding    Embedding
	RegisteredAt time.Time
	PhotoPath    string
}

// BBox is a face box as (left, top, right, bottom) in pixel coordinates.
type BBox struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Rect converts the box to an image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

// Scale multiplies every coordinate by f, truncating towards zero.
func (b BBox) Scale(f float64) BBox {
	return BBox{
		Left:   int(float64(b.Left) * f),
		Top:    int(float64(b.Top) * f),
		Right:  int(float64(b.Right) * f),
		Bottom: int(float64(b.Bottom) * f),
	}
}

// Face is one result of the face engine: a box in the coordinates of the image it was given,
// plus its embedding.
type Face struct {
	Box BBox
	Vec Embedding
}

// LargestFace picks the face with the biggest box. faces must not be empty.
func LargestFace(faces []Face) Face {
	best := faces[0]
	bestArea := best.Box.Rect().Dx() * best.Box.Rect().Dy()
	for _, f := range faces[1:] {
		if area := f.Box.Rect().Dx() * f.Box.Rect().Dy(); area > bestArea {
			best, bestArea = f, area
		}
	}
	return best
}

// Detection is the recognition result for one face on one processed frame.
// Identity is nil for an unknown face.
type Detection struct {
	Box        BBox
	Identity   *Identity
	Confidence float64
	CameraID   string
	ObservedAt time.Time
}

// Known reports whether the detection matched a registered identity.
func (d Detection) Known() bool {
	return d.Identity != nil
}

// DetectionLogEntry is the persisted, append-only record of a logged match.
type DetectionLogEntry struct {
	Name       string    `json:"name"`
	Regno      string    `json:"regno"`
	CameraID   string    `json:"camera_id"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// String renders the entry the way the live detection panel shows it.
func (e DetectionLogEntry) String() string {
	return fmt.Sprintf("[%s] %s (%s) detected on %s - %.1f%%",
		e.Timestamp.Local().Format("15:04:05"), e.Name, e.Regno, e.CameraID, e.Confidence)
}

// CameraKind distinguishes local capture devices from network cameras.
type CameraKind string

const (
	CameraLocal  CameraKind = "local"
	CameraRemote CameraKind = "remote"
)

// CameraConfig describes one capture source and its decimation policy.
// Zero values are filled in by camera.Normalize before validation.
type CameraConfig struct {
	ID           string     `yaml:"id" json:"id"`
	Source       string     `yaml:"source" json:"source" validate:"required"`
	Kind         CameraKind `yaml:"kind" json:"kind" validate:"omitempty,oneof=local remote"`
	TargetFPS    int        `yaml:"target_fps" json:"target_fps" validate:"gt=0,lte=60"`
	Decimation   int        `yaml:"decimation" json:"decimation" validate:"gte=1"`
	ResizeFactor float64    `yaml:"resize_factor" json:"resize_factor" validate:"gt=0,lte=1"`
	BufferSize   int        `yaml:"buffer_size" json:"buffer_size" validate:"gte=1,lte=2"`
	Width        int        `yaml:"width" json:"width" validate:"gte=0"`
	Height       int        `yaml:"height" json:"height" validate:"gte=0"`
}

// Frame is one captured image. Seq counts successful reads of the source.
type Frame struct {
	Seq        uint64
	Image      *image.RGBA
	CapturedAt time.Time
}
