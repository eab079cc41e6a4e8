package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/span-profiler/internal/storage"
	"github.com/span-profiler/pkg/compression"
)

var (
	uploadCompression string
	uploadOverwrite   bool
)

// uploadCmd represents the upload command
var uploadCmd = &cobra.Command{
	Use:   "upload <dump> <key>",
	Short: "Store a trace dump in the configured storage",
	Long: `Upload compresses a dump and stores it at key, appending the extension of
the chosen compression. Stored dumps can be replayed with
"replay --storage-prefix".`,
	Args: cobra.ExactArgs(2),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadCompression, "compression", "zstd", "Compression: zstd, gzip or none")
	uploadCmd.Flags().BoolVar(&uploadOverwrite, "overwrite", false, "Replace an existing dump stored at the same key")
}

func runUpload(cmd *cobra.Command, args []string) error {
	src, key := args[0], args[1]

	var t compression.Type
	switch uploadCompression {
	case "zstd":
		t, key = compression.TypeZstd, key+".zst"
	case "gzip":
		t, key = compression.TypeGzip, key+".gz"
	case "none":
		t = compression.TypeNone
	default:
		return fmt.Errorf("unsupported compression: %s", uploadCompression)
	}

	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}

	if !uploadOverwrite {
		exists, err := store.Exists(cmd.Context(), key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%s already exists, use --overwrite to replace it", key)
		}
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := storage.UploadCompressed(cmd.Context(), store, key, f, t); err != nil {
		return err
	}
	GetLogger().Info("Uploaded %s to %s", filepath.Base(src), store.GetURL(key))
	return nil
}
