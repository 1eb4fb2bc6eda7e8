package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quernlabs/quern/pkg/server"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quern query-serving process",
	Long: `The serve process answers analytics queries through the orchestrator
registry and exposes the status API.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd, server.ModeServe)
	},
}

//nolint:gochecknoglobals // Cobra commands are typically global
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Start the scheduled refresh worker",
	Long: `The scheduler elects a leader and periodically enqueues builds for
stale pre-aggregation partitions.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd, server.ModeScheduler)
	},
}

//nolint:gochecknoglobals // Cobra commands are typically global
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the distributed build worker",
	Long:  `The worker consumes pre-aggregation build and cleanup tasks from Redis.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServer(cmd, server.ModeWorker)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
}

func runServer(cmd *cobra.Command, mode server.Mode) error {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	config, err := server.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(config.LoggingLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	logger.Info("Configuration loaded")

	ctx := cmd.Context()

	srv, err := server.NewServer(ctx, logger, config, mode)
	if err != nil {
		return err
	}

	return srv.Start(ctx)
}
