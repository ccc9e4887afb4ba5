package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/config"
	"github.com/larderhq/larder/internal/docstore/sqlite"
	"github.com/larderhq/larder/internal/schema"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "maint",
	Short:   "Show configuration and backend contents",
	Long: `Display the active configuration and how many records each collection
holds in the configured backend.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		fmt.Println()
		out.Title("larder status")
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("Config:   %s\n", used)
		} else {
			fmt.Printf("Config:   (defaults and environment)\n")
		}
		fmt.Printf("Backend:  %s\n", backendName())
		if cfg.Sync.WriteTimeout > 0 {
			fmt.Printf("Writes:   time out after %v\n", cfg.Sync.WriteTimeout)
		} else {
			fmt.Printf("Writes:   no timeout\n")
		}

		b := openBackend(ctx)
		defer closeOnExit(b)()

		// sqlite can count without loading every document.
		var counts map[string]int
		if sb, ok := b.(*sqlite.Backend); ok {
			if info, err := os.Stat(sb.Path()); err == nil {
				fmt.Printf("Size:     %s\n", formatSize(info.Size()))
				fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
			}
			var err error
			if counts, err = sb.Stats(ctx); err != nil {
				fatalf("%v", err)
			}
		}

		fmt.Println()
		for _, collection := range schema.Collections {
			if counts != nil {
				fmt.Printf("%-12s %d\n", collection, counts[collection])
				continue
			}
			docs, err := b.List(ctx, collection)
			if err != nil {
				out.Warn("%-12s unavailable: %v", collection, err)
				continue
			}
			fmt.Printf("%-12s %d\n", collection, len(docs))
		}
		fmt.Println()
	},
}

// backendName describes the configured backend and where it points.
func backendName() string {
	switch cfg.Backend {
	case config.BackendSQLite:
		return "sqlite (" + cfg.SQLite.Path + ")"
	case config.BackendPostgres:
		return "postgres"
	case config.BackendS3:
		return "s3 (s3://" + cfg.S3.Bucket + "/" + cfg.S3.Prefix + ")"
	case config.BackendRemote:
		return "remote (" + cfg.Remote.URL + ")"
	}
	return cfg.Backend
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	}
	return fmt.Sprintf("%d bytes", size)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
