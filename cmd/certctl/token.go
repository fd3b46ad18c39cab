package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"bleepy/internal/auth"
)

var (
	tokenUserID     uint
	tokenName       string
	tokenPrivateKey string
	tokenPublicKey  string
	tokenTTL        time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access token for a user",
	Long:  `Sign an RS256 access token accepted by the API, for operators and integration tests.`,
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().UintVar(&tokenUserID, "user-id", 0, "User ID (required)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name embedded in the token")
	tokenCmd.Flags().StringVar(&tokenPrivateKey, "private-key", os.Getenv("JWT_PRIVATE_KEY_PATH"), "RSA private key PEM file")
	tokenCmd.Flags().StringVar(&tokenPublicKey, "public-key", os.Getenv("JWT_PUBLIC_KEY_PATH"), "RSA public key PEM file")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("user-id")

	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if tokenUserID == 0 {
		return fmt.Errorf("user-id must be positive")
	}
	privatePEM, err := os.ReadFile(tokenPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to read private key: %w", err)
	}
	publicPEM, err := os.ReadFile(tokenPublicKey)
	if err != nil {
		return fmt.Errorf("failed to read public key: %w", err)
	}

	svc, err := auth.NewAuthService(privatePEM, publicPEM, tokenTTL)
	if err != nil {
		return err
	}
	token, err := svc.GenerateAccessToken(tokenUserID, tokenName)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
