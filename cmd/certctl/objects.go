package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"bleepy/internal/storage"
)

var putObjectStoreFile string

var putObjectCmd = &cobra.Command{
	Use:   "put-object <key> <file>",
	Short: "Store a local file in a bolt object store",
	Long: `Store a local file under an object key in a bolt object store, for use with render --objects.
The bolt file is locked while open, so it cannot be shared with a running api or worker.`,
	Args: cobra.ExactArgs(2),
	RunE: runPutObject,
}

func init() {
	putObjectCmd.Flags().StringVar(&putObjectStoreFile, "objects", "objects.db", "Bolt object store file")
	rootCmd.AddCommand(putObjectCmd)
}

func runPutObject(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[1], err)
	}
	store, err := storage.OpenBoltStore(putObjectStoreFile)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := store.UploadFile(ctx, args[0], bytes.NewReader(data), int64(len(data)), http.DetectContentType(data)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (%d bytes)\n", args[0], len(data))
	return nil
}
