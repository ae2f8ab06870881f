package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Noofbiz/tumorPurity/config"
	"github.com/Noofbiz/tumorPurity/datasets"
	"github.com/Noofbiz/tumorPurity/loader"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var datasetCommand = &cobra.Command{
	Use:   "dataset",
	Short: "List the patients of a fold list and their patches.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cmd.Flags(), configPath)
		if err != nil {
			return err
		}
		sample, _ := cmd.Flags().GetBool("sample")
		return describeDataset(cmd.Context(), cmd.OutOrStdout(), cfg, sample)
	},
}

func init() {
	config.AddFlags(datasetCommand.Flags())
	datasetCommand.Flags().StringP("config", "c", "", "configuration file path")
	datasetCommand.Flags().Bool("sample", false, "load the first batch of the first patient and print its tensor shapes")
}

func describeDataset(ctx context.Context, w io.Writer, cfg *config.Config, sample bool) error {
	folds, err := cfg.FoldList()
	if err != nil {
		return err
	}
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
	fmt.Fprintf(w, "dataset_type: %s fold_list: %v num_patients: %d\n", cfg.DatasetType, folds, ds.NumPatients())

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Patient", "Tumor purity", "Patches", "Normal patches", "Bags"})
	var shapes string
	for _, id := range ds.PatientIDs() {
		patient, err := ds.NextPatient()
		if err != nil {
			// the cursor has moved on, keep listing
			if err = table.Append([]string{id, "", "", "", err.Error()}); err != nil {
				return errors.WithStack(err)
			}
			continue
		}
		row := []string{
			patient.ID,
			fmt.Sprint(patient.Purity),
			fmt.Sprint(len(patient.Patches)),
			fmt.Sprint(len(patient.NormalPatches)),
			fmt.Sprint(ds.Len()),
		}
		if err = table.Append(row); err != nil {
			return errors.WithStack(err)
		}
		if sample && shapes == "" {
			if shapes, err = sampleBatch(ctx, ds, cfg); err != nil {
				return err
			}
		}
	}
	if err = table.Render(); err != nil {
		return errors.WithStack(err)
	}
	if shapes != "" {
		fmt.Fprint(w, shapes)
	}
	return nil
}

// sampleBatch loads the first batch of the current patient.
func sampleBatch(ctx context.Context, ds *datasets.PatientDataset, cfg *config.Config) (string, error) {
	dl, err := loader.New[datasets.Bag, *datasets.BagBatch](ds, ds.Collate, loader.Config{
		BatchSize:  cfg.BatchSize,
		NumWorkers: 0,
		WorkerInit: ds.WorkerInit,
	})
	if err != nil {
		return "", err
	}
	for batch, err := range dl.Iter(ctx) {
		if err != nil {
			return "", err
		}
		images, truths, err := batch.ToGomlxTensors()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("patient: %s images: %v truths: %v\n",
			ds.Current().ID, images.Shape().Dimensions, truths.Shape().Dimensions), nil
	}
	return "", nil
}
