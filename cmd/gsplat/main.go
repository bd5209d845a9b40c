// Package main provides the CLI entry point for gsplat.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JacobJEdwards/gsplat/internal/application/trainer"
	"github.com/JacobJEdwards/gsplat/internal/domain/scene"
	"github.com/JacobJEdwards/gsplat/internal/domain/train"
	"github.com/JacobJEdwards/gsplat/internal/infrastructure/export"
)

var version = "0.3.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gsplat",
	Short: "Low-light Gaussian splatting trainer",
	Long: `gsplat trains 3D Gaussian scenes from low-light captures with a
jointly optimized Retinex illumination decomposition.

It provides:
  - Dual-path rendering of raw and enhanced appearance
  - Heuristic and MCMC density adaptation
  - Per-image illumination adjustment or a learned adjustment network
  - PLY export and PNG-grid scene compression`,
	Version: version,
}

// ============================================================================
// Train Command
// ============================================================================

var (
	trainConfig  string
	trainData    string
	trainResults string
	trainPreset  string
	trainSteps   int
	trainCkpts   []string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a scene from a capture directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		r, err := trainer.New(cfg, trainer.SingleProcess{})
		if err != nil {
			return err
		}
		defer r.Close()
		if err := r.Pretrain(); err != nil {
			return err
		}
		return r.Train()
	},
}

func loadConfig() (train.Config, error) {
	var cfg train.Config
	switch trainPreset {
	case "", "default":
		var err error
		if cfg, err = train.Load(trainConfig); err != nil {
			return cfg, err
		}
	case "mcmc":
		var err error
		if cfg, err = train.LoadOver(train.MCMCDefault(), trainConfig); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unknown preset %q (want default or mcmc)", trainPreset)
	}
	if trainData != "" {
		cfg.DataDir = trainData
	}
	if trainResults != "" {
		cfg.ResultDir = trainResults
	}
	if trainSteps > 0 {
		cfg.MaxSteps = trainSteps
	}
	if len(trainCkpts) > 0 {
		cfg.Checkpoints = trainCkpts
	}
	cfg.AdjustSteps()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ============================================================================
// Eval Command
// ============================================================================

var evalStep int

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a trained scene from its checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Checkpoints) == 0 {
			return fmt.Errorf("eval requires at least one --ckpt")
		}
		r, err := trainer.New(cfg, trainer.SingleProcess{})
		if err != nil {
			return err
		}
		defer r.Close()
		step, err := r.LoadCheckpoints(cfg.Checkpoints)
		if err != nil {
			return err
		}
		if evalStep > 0 {
			step = evalStep
		}
		if err := r.Eval(step); err != nil {
			return err
		}
		return r.RenderTrajectory(step)
	},
}

// ============================================================================
// Export Command
// ============================================================================

var (
	exportOut    string
	exportFormat string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a trained scene to PLY or a PNG-grid archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Checkpoints) == 0 {
			return fmt.Errorf("export requires at least one --ckpt")
		}
		r, err := trainer.New(cfg, trainer.SingleProcess{})
		if err != nil {
			return err
		}
		defer r.Close()
		if _, err := r.LoadCheckpoints(cfg.Checkpoints); err != nil {
			return err
		}
		return exportScene(r.Splats(), exportFormat, exportOut)
	},
}

func exportScene(st *scene.State, format, out string) error {
	switch format {
	case "ply":
		if out == "" {
			out = "scene.ply"
		}
		return export.WritePLY(out, st)
	case "png":
		if out == "" {
			out = "compression"
		}
		return export.Compress(out, st)
	default:
		return fmt.Errorf("unknown export format %q (want ply or png)", format)
	}
}

// ============================================================================
// Decompress Command
// ============================================================================

var decompressOut string

var decompressCmd = &cobra.Command{
	Use:   "decompress [archive-dir]",
	Short: "Restore a PNG-grid archive to a PLY file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := export.Decompress(args[0])
		if err != nil {
			return err
		}
		out := decompressOut
		if out == "" {
			out = filepath.Join(args[0], "scene.ply")
		}
		return export.WritePLY(out, st)
	},
}

func init() {
	for _, c := range []*cobra.Command{trainCmd, evalCmd, exportCmd} {
		c.Flags().StringVar(&trainConfig, "config", "", "YAML config file")
		c.Flags().StringVar(&trainData, "data-dir", "", "capture directory with transforms.json")
		c.Flags().StringVar(&trainResults, "result-dir", "", "output directory")
		c.Flags().StringVar(&trainPreset, "preset", "default", "config preset: default or mcmc")
		c.Flags().StringSliceVar(&trainCkpts, "ckpt", nil, "checkpoint file, repeatable per shard")
	}
	trainCmd.Flags().IntVar(&trainSteps, "max-steps", 0, "override max training steps")
	evalCmd.Flags().IntVar(&evalStep, "step", 0, "step label for the evaluation artifacts")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path")
	exportCmd.Flags().StringVar(&exportFormat, "format", "ply", "export format: ply or png")
	decompressCmd.Flags().StringVar(&decompressOut, "out", "", "output PLY path")

	rootCmd.AddCommand(trainCmd, evalCmd, exportCmd, decompressCmd)
}
