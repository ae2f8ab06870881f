package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"strings"

	"github.com/Noofbiz/tumorPurity/checkpoint"
	"github.com/Noofbiz/tumorPurity/config"
	"github.com/Noofbiz/tumorPurity/datasets"
	"github.com/Noofbiz/tumorPurity/inference"
	"github.com/Noofbiz/tumorPurity/log"
	"github.com/Noofbiz/tumorPurity/model"
	"github.com/Noofbiz/tumorPurity/predictions"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var inferCommand = &cobra.Command{
	Use:   "infer",
	Short: "Predict the tumor purity of sampled bags for every patient of a fold list.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cmd.Flags(), configPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runInfer(ctx, cfg)
	},
}

func init() {
	config.AddFlags(inferCommand.Flags())
	inferCommand.Flags().StringP("config", "c", "", "configuration file path")
}

func runInfer(ctx context.Context, cfg *config.Config) error {
	folds, err := cfg.FoldList()
	if err != nil {
		return err
	}
	log.Logger().Info("folds", zap.String("dataset_type", cfg.DatasetType), zap.Ints("fold_list", folds))

	ds, err := datasets.NewPatientDataset(datasets.Options{
		ImageDir:          cfg.ImageDir,
		NormalImageDir:    cfg.NormalImageDir,
		DatasetDir:        cfg.DatasetDir,
		DatasetType:       cfg.DatasetType,
		FoldList:          folds,
		PatchSize:         cfg.PatchSize,
		NumInstances:      cfg.NumInstances,
		NumBagsPerPatient: cfg.NumBagsPerPatient,
		Seed:              cfg.Seed,
		CacheSize:         cfg.CacheSize,
	})
	if err != nil {
		return err
	}
	log.Logger().Info("data", zap.Int("num_patients", ds.NumPatients()))

	fields := make([]zap.Field, 0, 16)
	for _, p := range cfg.Params() {
		fields = append(fields, zap.String(p.Key, p.Value))
	}
	log.Logger().Info("model parameters", fields...)

	m, err := loadModel(cfg)
	if err != nil {
		return err
	}
	writer := predictions.NewWriter(cfg.TestMetricsDir, cfg.InitModelFile, cfg.DatasetType, cfg.Params(), ds.NumPatients())
	runner, err := inference.NewRunner(ds, m, writer, inference.Config{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Plot:       cfg.Plot,
		Progress:   os.Stderr,
	})
	if err != nil {
		return err
	}
	_, err = runner.Run(ctx)
	return err
}

func modelConfig(cfg *config.Config) model.Config {
	return model.Config{
		NumClasses:   cfg.NumClasses,
		NumInstances: cfg.NumInstances,
		NumFeatures:  cfg.NumFeatures,
		NumBins:      cfg.NumBins,
		Sigma:        cfg.Sigma,
		PatchSize:    cfg.PatchSize,
		Seed:         cfg.Seed,
	}
}

func loadModel(cfg *config.Config) (*model.Model, error) {
	if cfg.InitModelFile == "" {
		return nil, errors.New("init_model_file is required")
	}
	ckpt, err := checkpoint.Load(cfg.InitModelFile)
	if err != nil {
		return nil, err
	}
	m, err := ckpt.Restore(modelConfig(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to restore %s", cfg.InitModelFile)
	}
	logDevice(cfg.Device)
	backend, err := model.NewBackend(cfg.Device)
	if err != nil {
		return nil, err
	}
	m.SetBackend(backend)
	log.Logger().Info("weights loaded successfully",
		zap.String("init_model_file", cfg.InitModelFile),
		zap.Int("epoch", ckpt.Epoch),
		zap.Int("num_params", m.NumParams()))
	return m, nil
}

func logDevice(device string) {
	features := []string{}
	for _, f := range []cpuid.FeatureID{cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD} {
		if cpuid.CPU.Supports(f) {
			features = append(features, f.String())
		}
	}
	log.Logger().Info("device",
		zap.String("device", device),
		zap.String("cpu", cpuid.CPU.BrandName),
		zap.Int("physical_cores", cpuid.CPU.PhysicalCores),
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		zap.String("features", strings.Join(features, ",")))
}
