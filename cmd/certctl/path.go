package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"bleepy/internal/certificate"
)

var pathCmd = &cobra.Command{
	Use:   "path <generator> <event> <recipient> <certificate-id>",
	Short: "Print the storage path for a certificate",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !certificate.ValidCertificateID(args[3]) {
			return fmt.Errorf("invalid certificate id %q", args[3])
		}
		fmt.Fprintln(cmd.OutOrStdout(), certificate.BuildPath(args[0], args[1], args[2], args[3]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pathCmd)
}
