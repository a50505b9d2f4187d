package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:   "scribectl",
	Short: "Run and inspect tiered transcription jobs",
	Long: "scribectl validates escalation presets and runs audio files through the\n" +
		"tier escalation pipeline locally, one file or a spreadsheet batch at a time.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRun: func(*cobra.Command, []string) {
		loadEnvFile()
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&globalFlags.configPath, "config", "", "Runtime configuration file (defaults apply when empty)")
	f.StringVar(&globalFlags.envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	f.StringVar(&globalFlags.preset, "preset", "", "Escalation preset file (built-in preset when empty)")
	f.BoolVarP(&globalFlags.verbose, "verbose", "v", false, "Log pipeline activity to stderr")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the scribectl version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
