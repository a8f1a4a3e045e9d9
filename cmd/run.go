package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/joblink-pipeline/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the pipeline once and exits",
		Long: `Selects the eligible links, runs them through every stage and records
their outcomes. Exits non-zero if another run holds the guard or the run
could not select links.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(appInstance)
			summary, err := appInstance.RunOnce(cmd.Context())
			if errors.Is(err, pipeline.ErrRunInProgress) {
				return fmt.Errorf("another pipeline run is in progress")
			}
			if err != nil {
				return err
			}
			appInstance.Logger().Info("run command finished",
				zap.String("run_id", summary.RunID),
				zap.Int("selected", summary.Selected),
				zap.Int("extracted", summary.Extracted),
				zap.Int("failed", summary.Failed),
			)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "run %s: selected=%d extracted=%d failed=%d\n",
				summary.RunID, summary.Selected, summary.Extracted, summary.Failed)
			return err
		},
	}
}
