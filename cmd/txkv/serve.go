package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	api "txkv/internal/http"
	"txkv/pkg/store"
	"txkv/pkg/txn"

	"github.com/spf13/cobra"
)

var port int

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port, overrides http-server.port")
	rootCmd.AddCommand(cmd)
}

func serve(cmd *cobra.Command, args []string) error {
	if addr != "" {
		return errRemoteUnsupported
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(&cfg)
	if err != nil {
		return err
	}

	if port != 0 {
		cfg.Server.Port = port
	}
	server := api.NewServer(st, txn.NewGroup(), cfg.Server.Port, cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		st.Close()
		return err
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if err := server.Stop(); err != nil {
		slog.Error("failed to stop HTTP server", "error", err)
	}
	return st.Close()
}

