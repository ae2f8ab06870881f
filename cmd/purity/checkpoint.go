package main

import (
	"fmt"
	"io"

	"github.com/Noofbiz/tumorPurity/checkpoint"
	"github.com/Noofbiz/tumorPurity/config"
	"github.com/Noofbiz/tumorPurity/log"
	"github.com/Noofbiz/tumorPurity/model"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var checkpointCommand = &cobra.Command{
	Use:   "checkpoint",
	Short: "Create and inspect model checkpoints.",
}

var checkpointInitCommand = &cobra.Command{
	Use:   "init",
	Short: "Write a checkpoint with freshly initialized weights.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			return errors.New("--out is required")
		}
		cfg, err := config.Load(cmd.Flags(), "")
		if err != nil {
			return err
		}
		arch := modelConfig(cfg)
		arch.PoolGrid, _ = cmd.Flags().GetInt("pool_grid")
		arch.ExtractorHidden, _ = cmd.Flags().GetInt("extractor_hidden")
		arch.HiddenSizes, _ = cmd.Flags().GetIntSlice("hidden_sizes")
		m, err := model.NewModel(arch)
		if err != nil {
			return err
		}
		if err = checkpoint.Save(out, checkpoint.New(m, 0)); err != nil {
			return err
		}
		log.Logger().Info("checkpoint written", zap.String("path", out), zap.Int("num_params", m.NumParams()))
		return nil
	},
}

var checkpointInspectCommand = &cobra.Command{
	Use:   "inspect FILE",
	Short: "List the parameters stored in a checkpoint.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ckpt, err := checkpoint.Load(args[0])
		if err != nil {
			return err
		}
		return printCheckpoint(cmd.OutOrStdout(), ckpt)
	},
}

func init() {
	config.AddFlags(checkpointInitCommand.Flags())
	checkpointInitCommand.Flags().String("out", "", "checkpoint file to write (.json for JSON, gob otherwise)")
	checkpointInitCommand.Flags().Int("pool_grid", 0, "side of the pooled patch grid (0 uses the default)")
	checkpointInitCommand.Flags().Int("extractor_hidden", 0, "hidden width of the feature extractor (0 uses the default)")
	checkpointInitCommand.Flags().IntSlice("hidden_sizes", nil, "hidden layers of the representation transformation")
	checkpointCommand.AddCommand(checkpointInitCommand, checkpointInspectCommand)
}

func printCheckpoint(w io.Writer, ckpt *checkpoint.Checkpoint) error {
	arch := ckpt.Architecture
	fmt.Fprintf(w, "epoch: %d\n", ckpt.Epoch)
	fmt.Fprintf(w, "architecture: num_classes=%d num_instances=%d num_features=%d num_bins=%d sigma=%s patch_size=%d pool_grid=%d extractor_hidden=%d hidden_sizes=%v\n",
		arch.NumClasses, arch.NumInstances, arch.NumFeatures, arch.NumBins, config.FormatFloat(arch.Sigma),
		arch.PatchSize, arch.PoolGrid, arch.ExtractorHidden, arch.HiddenSizes)

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Name", "Shape", "Size"})
	total := 0
	for _, name := range ckpt.ModelStateDict.Names() {
		p := ckpt.ModelStateDict[name]
		total += len(p.Data)
		if err := table.Append([]string{name, fmt.Sprint(p.Dims), fmt.Sprint(len(p.Data))}); err != nil {
			return errors.WithStack(err)
		}
	}
	if err := table.Append([]string{"total", "", fmt.Sprint(total)}); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(table.Render())
}
