package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "anidub",
	Short: "Anime dubbing job engine",
	Long: `anidub runs dubbing jobs: audio extraction, diarization, transcription,
translation, speech synthesis and muxing, with checkpoints so interrupted
jobs resume where they stopped.

Configuration comes from the environment (and an optional .env file).
Run "anidub serve" to process jobs; the other commands talk to the same
job ledger.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "", "Override DATA_DIR")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
