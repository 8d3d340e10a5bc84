package main

import (
	"os"

	"github.com/spf13/cobra"
)

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "studiofeed",
	Short: "Automated product photo production and publishing",
	Long: `StudioFeed generates AI product photos on a schedule, routes them
through human approval and publishes accepted ones.

Run the daemon with "studiofeed run", then drive it with the other
commands over its admin API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("addr", "", "admin API base URL (default http://127.0.0.1:8085)")
	rootCmd.PersistentFlags().String("token", "", "admin API bearer token")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(settingsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
