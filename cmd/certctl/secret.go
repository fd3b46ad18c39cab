package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"bleepy/internal/auth"
)

var secretValue string

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret",
	Short: "Hash an internal service secret",
	Long: `Print the bcrypt hash for INTERNAL_API_SECRET_HASH.
Without --secret a random secret is generated and printed once.`,
	RunE: runHashSecret,
}

func init() {
	hashSecretCmd.Flags().StringVar(&secretValue, "secret", "", "Secret to hash; generated when empty")
	rootCmd.AddCommand(hashSecretCmd)
}

func runHashSecret(cmd *cobra.Command, args []string) error {
	secret := secretValue
	generated := secret == ""
	if generated {
		var err error
		if secret, err = generateRandomSecret(24); err != nil {
			return err
		}
	}

	hash, err := auth.HashSecret(secret)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if generated {
		fmt.Fprintf(out, "Secret (shown once): %s\n", secret)
	}
	fmt.Fprintf(out, "Hash: %s\n", hash)
	return nil
}

func generateRandomSecret(bytesLen int) (string, error) {
	if bytesLen <= 0 {
		bytesLen = 24
	}
	buf := make([]byte, bytesLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
