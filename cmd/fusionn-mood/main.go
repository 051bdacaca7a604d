package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fusionn-mood/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fusionn-mood",
	Short: "fusionn-mood - video caption sentiment pipeline",
	Long: `fusionn-mood fetches metadata and captions for videos, scores every
caption segment for sentiment and keeps the results in a SQLite job store.

Available commands:
  serve    - Start the HTTP API (and an in-process worker)
  worker   - Run claim loops only
  enqueue  - Queue one or more video references
  jobs     - List jobs
  show     - Show one job with its sentiment timeline
  stats    - Count jobs per status
  recover  - Release orphaned jobs now
  migrate  - Apply database migrations

Examples:
  fusionn-mood serve                      # API on :8080 plus a worker
  fusionn-mood enqueue dQw4w9WgXcQ        # Queue a video by id
  fusionn-mood jobs --status failed       # List failed jobs
  fusionn-mood show <job-id>              # Sentiment timeline for a job`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Init(os.Getenv("ENV") != "production")
	},
}

func init() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "Path to config file (env CONFIG_PATH)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
