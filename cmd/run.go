package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/overwatch/internal/api"
	"github.com/andresmejia3/overwatch/internal/config"
	"github.com/andresmejia3/overwatch/internal/detectionlog"
	"github.com/andresmejia3/overwatch/internal/engine"
	"github.com/andresmejia3/overwatch/internal/identity"
	"github.com/andresmejia3/overwatch/internal/matcher"
	"github.com/andresmejia3/overwatch/internal/overlay"
	"github.com/andresmejia3/overwatch/internal/supervisor"
	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/utils"
	"github.com/andresmejia3/overwatch/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runOpts Options

var runCmd = &cobra.Command{
	Use:         "run",
	Short:       "Run live recognition on one or more cameras",
	Annotations: map[string]string{noDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := validateRunOptions(&runOpts); err != nil {
			return err
		}
		return runPipeline(cmd.Context(), runOpts)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.CamerasFile, "cameras", "c", "", "YAML file listing the cameras to open")
	runCmd.Flags().StringSliceVarP(&runOpts.Cameras, "camera", "C", nil, "Camera source to open: device index or URL (repeatable)")
	runCmd.Flags().StringVar(&runOpts.HTTPAddr, "http", "", "HTTP listen address (default $OVERWATCH_HTTP_ADDR or :8080, \"off\" disables)")
	runCmd.Flags().IntVarP(&runOpts.NumEngines, "engines", "e", 0, "Number of face engine processes (default $OVERWATCH_ENGINES or 2)")
	runCmd.Flags().Float64VarP(&runOpts.MatchThreshold, "threshold", "t", matcher.DefaultTolerance, "Face matching tolerance (lower is stricter)")
	runCmd.Flags().StringVarP(&runOpts.Metric, "metric", "m", "euclidean", "Embedding distance: euclidean or cosine")
	runCmd.Flags().IntVar(&runOpts.LogEvery, "log-every", worker.DefaultLogEvery, "Log matches at most once every N processed frames per camera")
	runCmd.Flags().IntVar(&runOpts.History, "history", detectionlog.DefaultHistory, "Number of detection log lines kept in memory")
	runCmd.Flags().BoolVar(&runOpts.Memory, "memory", false, "Keep identities and detections in memory instead of PostgreSQL")
	rootCmd.AddCommand(runCmd)
}

// validateRunOptions ensures all CLI arguments are valid before starting heavy processes.
func validateRunOptions(opts *Options) error {
	if opts.MatchThreshold <= 0 || opts.MatchThreshold > 2.0 {
		return fmt.Errorf("invalid match threshold: must be in (0, 2], got %f", opts.MatchThreshold)
	}
	if _, err := matcher.DistanceByName(opts.Metric); err != nil {
		return err
	}
	if opts.LogEvery < 1 {
		return fmt.Errorf("invalid log-every: must be >= 1, got %d", opts.LogEvery)
	}
	if opts.History < 1 {
		return fmt.Errorf("invalid history: must be >= 1, got %d", opts.History)
	}
	if opts.NumEngines < 0 {
		return fmt.Errorf("invalid engines: must be >= 1, got %d", opts.NumEngines)
	}
	if opts.CamerasFile != "" {
		info, err := os.Stat(opts.CamerasFile)
		if err != nil {
			return fmt.Errorf("cameras file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("cameras file %s is a directory", opts.CamerasFile)
		}
	}
	return nil
}

// runPipeline wires storage, engines, detection log, render surface and supervisor, opens
// the configured cameras and serves the HTTP API until interrupted.
func runPipeline(ctx context.Context, opts Options) error {
	// 1. Storage
	var repo identity.Repository = identity.NewMemoryRepository()
	var sinks []detectionlog.Sink
	if !opts.Memory {
		if err := connectDB(ctx); err != nil {
			return err
		}
		repo = DB
		sinks = append(sinks, detectionlog.NewPostgresSink(DB))
	}
	if Cfg.Redis.Addr != "" {
		rs, err := detectionlog.NewRedisSink(ctx, Cfg.Redis.Addr, Cfg.Redis.Stream, Cfg.Redis.MaxLen)
		if err != nil {
			return err
		}
		sinks = append(sinks, rs)
	}

	ids := identity.NewStore(repo, Cfg.Engine.Dim)
	if err := ids.Load(ctx); err != nil {
		return err
	}
	Log.Info("identities loaded", zap.Int("count", ids.Len()))

	dlog := detectionlog.New(opts.History, Log, sinks...)
	defer dlog.Close()

	// 2. Engine pool
	ecfg, err := engineConfig()
	if err != nil {
		return err
	}
	numEngines := opts.NumEngines
	if numEngines == 0 {
		numEngines = Cfg.Engine.Count
	}
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Face Engines...\n", numEngines)
	pool, err := engine.NewPool(ctx, numEngines, engine.PythonSpawner(ecfg), Log)
	if err != nil {
		utils.ShowError("Face engine startup failed", err, nil)
		return err
	}
	defer pool.Close()

	// 3. Supervisor
	distance, _ := matcher.DistanceByName(opts.Metric)
	surface := overlay.NewSnapshotSurface(85)
	sup := supervisor.New(supervisor.Config{
		Engine:     pool,
		Identities: ids,
		Matcher:    matcher.New(opts.MatchThreshold, distance),
		Log:        dlog,
		Renderer:   surface,
		LogEvery:   opts.LogEvery,
		Logger:     Log,
	}, nil)
	defer sup.Close()

	cams, err := cameraConfigs(opts)
	if err != nil {
		return err
	}
	for _, c := range cams {
		id, err := sup.AddCamera(ctx, c)
		if err != nil {
			// One dead camera must not take the others down.
			utils.ShowError(fmt.Sprintf("Could not add camera %s", c.Source), err, nil)
			continue
		}
		fmt.Fprintf(os.Stderr, "📷 Camera %s ready (%s)\n", id, c.Source)
	}
	if err := sup.StartAll(ctx); err != nil {
		Log.Warn("some cameras did not start", zap.Error(err))
	}

	// 4. HTTP front end
	addr := opts.HTTPAddr
	if addr == "" {
		addr = Cfg.HTTPAddr
	}
	var srv *api.Server
	srvErr := make(chan error, 1)
	if addr != "off" {
		srv = api.NewServer(addr, api.Deps{
			Cameras:    sup,
			Identities: ids,
			History:    dlog,
			Frames:     surface,
			Encoder:    pool,
			Logger:     Log,
		})
		go func() { srvErr <- srv.Start() }()
		fmt.Fprintf(os.Stderr, "🌐 API listening on %s\n", addr)
	}

	if sup.Len() == 0 && srv == nil {
		return errors.New("no camera could be opened and the API is disabled")
	}
	fmt.Fprintln(os.Stderr, "👁️  Recognition running. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			return err
		}
	}

	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			Log.Warn("http shutdown", zap.Error(err))
		}
	}
	return nil
}

// cameraConfigs merges the cameras file with --camera sources.
func cameraConfigs(opts Options) ([]types.CameraConfig, error) {
	var cams []types.CameraConfig
	if opts.CamerasFile != "" {
		fromFile, err := config.LoadCameras(opts.CamerasFile)
		if err != nil {
			return nil, err
		}
		cams = append(cams, fromFile...)
	}
	for _, src := range opts.Cameras {
		cams = append(cams, types.CameraConfig{Source: src})
	}
	return cams, nil
}
