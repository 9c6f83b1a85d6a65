package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/overwatch/internal/config"
	"github.com/andresmejia3/overwatch/internal/engine"
	"github.com/andresmejia3/overwatch/internal/logger"
	"github.com/andresmejia3/overwatch/internal/store"
	"github.com/andresmejia3/overwatch/internal/utils"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Options holds shared configuration for the run, register, import and find commands
type Options struct {
	CamerasFile    string
	Cameras        []string
	HTTPAddr       string
	NumEngines     int
	MatchThreshold float64
	Metric         string
	LogEvery       int
	History        int
	Memory         bool

	Name          string
	Regno         string
	ImagePath     string
	CameraSource  string
	CaptureWindow time.Duration
}

// noDB marks commands that manage their own storage.
const noDB = "overwatch/no-db"

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Cfg is the environment configuration
	Cfg *config.Config
	// Log is the runtime logger
	Log = zap.NewNop()

	dbURL string
	debug bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "overwatch",
	Short:   "Multi-camera face recognition pipeline",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load()
		if err != nil {
			return err
		}
		level := Cfg.Log.Level
		if debug {
			level = "debug"
		}
		Log, err = logger.New(level, Cfg.Log.Format)
		if err != nil {
			return err
		}

		if cmd.Annotations[noDB] == "true" {
			return nil
		}
		return connectDB(cmd.Context())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Log != nil {
			Log.Sync()
		}
	},
}

// connectDB opens the database named by --db or the POSTGRES_* environment.
func connectDB(ctx context.Context) error {
	var err error
	DB, err = store.New(ctx, config.DatabaseURL(dbURL), Cfg.Engine.Dim)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

// engineConfig turns the configured engine command into an engine.Config.
func engineConfig() (engine.Config, error) {
	name, args, err := utils.SplitCommandLine(Cfg.Engine.Command)
	if err != nil {
		return engine.Config{}, fmt.Errorf("invalid OVERWATCH_ENGINE_CMD: %w", err)
	}
	return engine.Config{
		Command: name,
		Args:    args,
		Dim:     Cfg.Engine.Dim,
		Timeout: Cfg.Engine.Timeout,
	}, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		// A missing .env is fine; the environment may already be set.
		_ = godotenv.Load()
	})
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/overwatch)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
