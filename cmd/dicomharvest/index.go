package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mrsinham/dicomharvest/internal/dicom"
)

func newIndexCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "index <study-dir>",
		Short: "Write a DICOMDIR referencing the files of a study directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, closer, err := ctx.newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			summary, err := dicom.WriteDICOMDIR(args[0])
			for _, path := range summary.Skipped {
				logger.Warn("not a DICOM file, left out of the index", "path", path)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Patients", "Studies", "Series", "Images", "Skipped"},
				[][]string{{
					strconv.Itoa(summary.Patients),
					strconv.Itoa(summary.Studies),
					strconv.Itoa(summary.Series),
					strconv.Itoa(summary.Images),
					strconv.Itoa(len(summary.Skipped)),
				}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
				nil,
			))
			fmt.Fprintf(out, "DICOMDIR: %s\n", summary.Path)
			return nil
		},
	}
}
