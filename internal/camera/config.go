package camera

import (
	"fmt"
	"strings"

	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/utils"
	"github.com/go-playground/validator/v10"
)

// Defaults returns the capture and decimation policy for a kind of camera.
// Remote cameras trade resolution and detection rate for latency.
func Defaults(kind types.CameraKind) types.CameraConfig {
	if kind == types.CameraRemote {
		return types.CameraConfig{
			Kind:         types.CameraRemote,
			TargetFPS:    15,
			Decimation:   3,
			ResizeFactor: 0.3,
			BufferSize:   1,
			Width:        640,
			Height:       480,
		}
	}
	return types.CameraConfig{
		Kind:         types.CameraLocal,
		TargetFPS:    30,
		Decimation:   2,
		ResizeFactor: 0.4,
		BufferSize:   2,
	}
}

// KindOf infers the camera kind from its source address.
func KindOf(source string) types.CameraKind {
	if _, ok := utils.DeviceIndex(source); ok {
		return types.CameraLocal
	}
	return types.CameraRemote
}

// GenerateID names a camera that was added without an explicit id.
// n is a session-wide counter used for remote cameras.
func GenerateID(cfg types.CameraConfig, n int) string {
	if idx, ok := utils.DeviceIndex(cfg.Source); ok && cfg.Kind == types.CameraLocal {
		return fmt.Sprintf("local_%d", idx)
	}
	return fmt.Sprintf("remote_%d", n)
}

// Normalize fills every zero field of cfg from the defaults for its kind.
func Normalize(cfg types.CameraConfig, n int) types.CameraConfig {
	cfg.Source = strings.TrimSpace(cfg.Source)
	if cfg.Kind == "" {
		cfg.Kind = KindOf(cfg.Source)
	}
	def := Defaults(cfg.Kind)
	if cfg.TargetFPS == 0 {
		cfg.TargetFPS = def.TargetFPS
	}
	if cfg.Decimation == 0 {
		cfg.Decimation = def.Decimation
	}
	if cfg.ResizeFactor == 0 {
		cfg.ResizeFactor = def.ResizeFactor
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Width == 0 && cfg.Height == 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.ID == "" {
		cfg.ID = GenerateID(cfg, n)
	}
	return cfg
}

var validate = validator.New()

// Validate checks a normalized config.
func Validate(cfg types.CameraConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid camera config %q: %w", cfg.ID, err)
	}
	return nil
}
