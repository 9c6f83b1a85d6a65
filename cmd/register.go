package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/overwatch/internal/camera"
	"github.com/andresmejia3/overwatch/internal/identity"
	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/utils"
	"github.com/spf13/cobra"
)

// DefaultCaptureWindow is how long register --camera waits for a face.
const DefaultCaptureWindow = 30 * time.Second

var registerOpts Options

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a person from a photo or a live camera",
	Example: `  overwatch register --name "Alice Smith" --regno R001 --image alice.jpg
  overwatch register --name "Bob" --regno R002 --camera 0 --timeout 20s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateRegisterOptions(&registerOpts); err != nil {
			return err
		}
		return runRegister(cmd.Context(), registerOpts)
	},
}

func init() {
	registerCmd.Flags().StringVarP(&registerOpts.Name, "name", "n", "", "Full name of the person")
	registerCmd.Flags().StringVarP(&registerOpts.Regno, "regno", "r", "", "Unique registration number")
	registerCmd.Flags().StringVarP(&registerOpts.ImagePath, "image", "i", "", "Photo to take the face from")
	registerCmd.Flags().StringVarP(&registerOpts.CameraSource, "camera", "C", "", "Camera to capture the face from: device index or URL")
	registerCmd.Flags().DurationVar(&registerOpts.CaptureWindow, "timeout", DefaultCaptureWindow, "How long to wait for a face on the camera")
	rootCmd.AddCommand(registerCmd)
}

func validateRegisterOptions(opts *Options) error {
	opts.Name = strings.TrimSpace(opts.Name)
	opts.Regno = strings.TrimSpace(opts.Regno)
	if opts.Name == "" || opts.Regno == "" {
		return errors.New("both --name and --regno are required")
	}
	if (opts.ImagePath == "") == (opts.CameraSource == "") {
		return errors.New("exactly one of --image or --camera is required")
	}
	if opts.CameraSource != "" && opts.CaptureWindow <= 0 {
		return fmt.Errorf("invalid timeout: must be > 0, got %s", opts.CaptureWindow)
	}
	if opts.ImagePath != "" {
		if _, err := os.Stat(opts.ImagePath); err != nil {
			return fmt.Errorf("input image: %w", err)
		}
	}
	return nil
}

func runRegister(ctx context.Context, opts Options) error {
	ids := identity.NewStore(DB, Cfg.Engine.Dim)
	if err := ids.Load(ctx); err != nil {
		utils.ShowError("Failed to load identities", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting Face Engine...")
	enc, err := startEngine(ctx)
	if err != nil {
		utils.ShowError("Failed to start face engine", err, nil)
		return err
	}
	defer enc.Close()

	var emb types.Embedding
	if opts.ImagePath != "" {
		img, err := loadImage(opts.ImagePath)
		if err != nil {
			utils.ShowError("Failed to read image", err, nil)
			return err
		}
		fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
		emb, err = encodeImage(ctx, enc, img)
		if err != nil {
			utils.ShowError("No usable face in image", err, nil)
			return err
		}
	} else {
		cfg := camera.Normalize(types.CameraConfig{Source: opts.CameraSource}, 1)
		src, err := camera.Open(ctx, cfg, camera.FFmpegOpener, camera.Options{Logger: Log})
		if err != nil {
			utils.ShowError("Could not open camera", err, nil)
			return err
		}
		defer src.Close()

		fmt.Fprintf(os.Stderr, "📷 Look at the camera. Waiting up to %s for a face...\n", opts.CaptureWindow)
		emb, err = captureFace(ctx, enc, src, opts.CaptureWindow)
		if err != nil {
			utils.ShowError("Registration failed", err, nil)
			return err
		}
	}

	id, err := ids.RegisterWithPhoto(ctx, opts.Name, opts.Regno, emb, opts.ImagePath)
	if err != nil {
		if errors.Is(err, types.ErrDuplicateRegno) {
			fmt.Printf("❌ Registration number %s is already taken.\n", opts.Regno)
		}
		return err
	}
	fmt.Printf("✅ Registered %s (%s). %d identities known.\n", id.Name, id.Regno, ids.Len())
	return nil
}
