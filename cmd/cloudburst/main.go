package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloudburst-io/cloudburst/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 success, 1 fatal startup error, 255 unrecoverable
// runtime error.
const exitRuntime = 255

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cloudburst",
	Short: "Cloudburst - Model-as-a-Service control plane",
	Long: `Cloudburst is the control plane of a Model-as-a-Service platform:
it accepts model execution requests over authenticated websocket
connections, allocates compute across a pool of worker nodes, runs the
model in containers and streams job lifecycle updates back to clients.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		level := log.InfoLevel
		if debug {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: !debug})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cloudburst version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging with console output")

	rootCmd.AddCommand(requestHandlerCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Cloudburst version %s\nCommit: %s\nBuilt: %s\n",
			Version, Commit, BuildTime)
	},
}
