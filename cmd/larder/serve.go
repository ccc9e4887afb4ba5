package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/docserver"
	"github.com/larderhq/larder/internal/logging"
	"github.com/larderhq/larder/internal/schema"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Serve the configured backend over HTTP and websocket",
	Long: `Expose the configured document backend so that other larder processes can
use it with --backend remote.

Endpoints:
  GET    /v1/docs/{collection}?uid=…    documents by uid
  GET    /v1/docs/{collection}/{uid}    one document
  PUT    /v1/docs/{collection}/{uid}    create or replace
  DELETE /v1/docs/{collection}/{uid}    delete
  GET    /v1/watch?collection=…&uid=…   websocket snapshot stream
  GET    /health                        health check
  GET    /metrics                       Prometheus metrics

Example:
  larder serve --backend postgres --addr :9000`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()

		b := openBackend(ctx)
		defer closeOnExit(b)()

		server := docserver.NewServer(b, &docserver.Config{
			Addr:        cfg.Server.Addr,
			Collections: schema.Collections,
			Logger:      logging.New(logOut, "docserver"),
		})
		if err := server.Start(); err != nil {
			fatalf("failed to start server: %v", err)
		}

		addr := server.GetAddr()
		out.Title("larder serving %s backend", cfg.Backend)
		fmt.Printf("Documents: http://%s/v1/docs/{collection}\n", addr)
		fmt.Printf("Watch:     ws://%s/v1/watch\n", addr)
		fmt.Printf("Metrics:   http://%s/metrics\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := server.Stop(); err != nil {
			fatalf("shutdown failed: %v", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (default from server.addr, :8080)")
	rootCmd.AddCommand(serveCmd)
}
