package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/yeti47/chunkvault/web"
	"github.com/yeti47/chunkvault/web/handlers"
)

var (
	servePort    int
	serveAddr    string
	serveRemote  string
	serveOrigins []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background sync worker",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP port (overrides config)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveRemote, "remote", "", "remote sync URL; enables sync")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "allow-origin", nil, "allowed CORS origins (default any)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("port") {
		overrides.WebPort = &servePort
	}
	if cmd.Flags().Changed("addr") {
		overrides.WebAddr = &serveAddr
	}
	if cmd.Flags().Changed("remote") {
		overrides.RemoteURL = &serveRemote
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, "chunkvault")
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	var runner handlers.SyncRunner
	if a.syncEnabled() {
		runner = a.worker
	}
	router := web.NewRouter(a.logger, a.service, a.bus, web.RouterOptions{
		AllowedOrigins: serveOrigins,
		TargetFraction: cfg.Storage.TargetFraction,
		Metrics:        a.metrics,
		Runner:         runner,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.worker.Start(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.WebAddr, cfg.WebPort)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("Server listening", "address", addr, "sync_enabled", a.syncEnabled())
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Server failed", "error", err)
			return err
		}
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Server shutdown incomplete", "error", err)
	}
	return nil
}
