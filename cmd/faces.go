package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/andresmejia3/overwatch/internal/engine"
	"github.com/andresmejia3/overwatch/internal/types"
	"go.uber.org/zap"
)

// frameReader is the part of camera.Source used while waiting for a face.
type frameReader interface {
	Read(ctx context.Context) (types.Frame, error)
}

// startEngine starts a single engine for one-shot commands.
func startEngine(ctx context.Context) (*engine.Pool, error) {
	ecfg, err := engineConfig()
	if err != nil {
		return nil, err
	}
	return engine.NewPool(ctx, 1, engine.PythonSpawner(ecfg), Log)
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("cannot decode %s: %w", path, err)
	}
	return img, nil
}

// encodeImage returns the embedding of the largest face in img.
func encodeImage(ctx context.Context, enc engine.FaceEngine, img image.Image) (types.Embedding, error) {
	faces, err := enc.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, types.ErrNoFace
	}
	return types.LargestFace(faces).Vec, nil
}

// captureFace reads frames from src until the engine finds a face, and returns the largest
// face's embedding. It gives up with ErrNoFace once window elapses.
func captureFace(ctx context.Context, enc engine.FaceEngine, src frameReader, window time.Duration) (types.Embedding, error) {
	ctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	for {
		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w within %s", types.ErrNoFace, window)
			}
			if errors.Is(err, types.ErrReadFailure) {
				continue
			}
			return nil, err
		}

		faces, err := enc.Detect(ctx, frame.Image)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w within %s", types.ErrNoFace, window)
			}
			Log.Debug("detection failed during capture", zap.Error(err))
			continue
		}
		if len(faces) > 0 {
			return types.LargestFace(faces).Vec, nil
		}
	}
}
