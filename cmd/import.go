package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/overwatch/internal/engine"
	"github.com/andresmejia3/overwatch/internal/identity"
	"github.com/andresmejia3/overwatch/internal/types"
	"github.com/andresmejia3/overwatch/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Bulk register photos named <regno>_<name>.jpg",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runImport(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}

type registrar interface {
	RegisterWithPhoto(ctx context.Context, name, regno string, embedding types.Embedding, photoPath string) (types.Identity, error)
}

// importResult counts what happened to each file of an import.
type importResult struct {
	Imported   int
	Duplicates []string
	NoFace     []string
	Failed     map[string]error
}

func runImport(ctx context.Context, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

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

	res, err := importDir(ctx, dir, enc, ids, os.Stderr)
	if err != nil {
		return err
	}

	for _, f := range res.Duplicates {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %s: registration number already exists\n", f)
	}
	for _, f := range res.NoFace {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %s: no face found\n", f)
	}
	for f, ferr := range res.Failed {
		fmt.Fprintf(os.Stderr, "❌ %s: %v\n", f, ferr)
	}
	fmt.Printf("✅ Imported %d identities (%d duplicates, %d without a face, %d failed).\n",
		res.Imported, len(res.Duplicates), len(res.NoFace), len(res.Failed))
	return nil
}

// importDir registers every well-named image in dir. Files that don't follow the
// <regno>_<name> convention are ignored. Per-file problems are collected, not returned.
func importDir(ctx context.Context, dir string, enc engine.FaceEngine, reg registrar, progress io.Writer) (importResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return importResult{}, err
	}

	type candidate struct{ path, regno, name string }
	var files []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		regno, name, ok := utils.ParseEnrolmentName(e.Name())
		if !ok {
			Log.Debug("ignoring file", zap.String("file", e.Name()))
			continue
		}
		files = append(files, candidate{filepath.Join(dir, e.Name()), regno, name})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })

	res := importResult{Failed: make(map[string]error)}
	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Importing faces"),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionShowCount(),
	)

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		base := filepath.Base(f.path)
		err := importOne(ctx, enc, reg, f.path, f.name, f.regno)
		switch {
		case err == nil:
			res.Imported++
		case errors.Is(err, types.ErrDuplicateRegno):
			res.Duplicates = append(res.Duplicates, base)
		case errors.Is(err, types.ErrNoFace):
			res.NoFace = append(res.NoFace, base)
		default:
			res.Failed[base] = err
		}
		bar.Add(1)
	}
	bar.Finish()
	fmt.Fprintln(progress)
	return res, nil
}

func importOne(ctx context.Context, enc engine.FaceEngine, reg registrar, path, name, regno string) error {
	img, err := loadImage(path)
	if err != nil {
		return err
	}
	emb, err := encodeImage(ctx, enc, img)
	if err != nil {
		return err
	}
	_, err = reg.RegisterWithPhoto(ctx, name, regno, emb, path)
	return err
}
