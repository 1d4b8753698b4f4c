package cmd

import (
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/legato/listen/internal/server"
)

var flagServeAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve correlation and registration over HTTP",
	Long: `Start the HTTP API:

  POST /v1/correlate       {title, intent, key_phrases} → correlation result
  POST /v1/signals         {path} → register an artifact
  GET  /v1/signals/{id}    indexed signal
  GET  /healthz
  GET  /metrics            Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagServeAddr, "addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg.Server
	if flagServeAddr != "" {
		cfg.Addr = flagServeAddr
	}

	ctx, stop := ossignal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(a.engine(), a.registrar(), a.signals, cfg, a.logger)
	printInfo("", "listening on "+cfg.Addr)
	return srv.Run(ctx)
}
