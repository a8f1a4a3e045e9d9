package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP API and runs the scheduler",
		Long: `Starts the operator API (health, readiness, metrics and run triggers)
and, when scheduler.interval is set, triggers a pipeline run on that interval.
Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(appInstance)
			return appInstance.Serve(cmd.Context())
		},
	}
}
