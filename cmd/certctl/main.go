package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "certctl",
	Short:         "Bleepy certificate tooling",
	Long:          `certctl renders certificates locally and manages operator credentials for the Bleepy services.`,
	SilenceUsage:  true,
	SilenceErrors: false,
}
