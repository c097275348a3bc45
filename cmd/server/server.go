package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/martinsuchenak/fleetd/internal/api"
	"github.com/martinsuchenak/fleetd/internal/config"
	"github.com/martinsuchenak/fleetd/internal/fleet"
	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/provider"
	"github.com/martinsuchenak/fleetd/internal/storage"
	"github.com/paularlott/cli"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "Start the Fleetd server",
		Description: "Start the HTTP API server and the background proxy health monitor",
		Flags:       config.GetFlags(),
		Run: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.Load()
			log.Configure(cfg.LogLevel, "console")

			log.Info("Configuration loaded", "data_dir", cfg.DataDir, "listen_addr", cfg.ListenAddr)

			// Initialize storage (SQLite only)
			store, err := storage.NewStorage(cfg.DataDir)
			if err != nil {
				log.Error("Failed to initialize storage", "error", err)
				return err
			}
			defer store.Close()
			log.Info("Storage initialized", "backend", "SQLite", "path", cfg.DataDir)

			// Provider clients
			deviceClient := provider.NewDeviceClient(cfg.DeviceAPIURL, cfg.DeviceAPIKey, cfg.ProviderTimeout, cfg.StatusCacheTTL)
			proxyClient := provider.NewProxyClient(cfg.ProxyAPIURL, cfg.ProxyAPIKey, cfg.ProviderTimeout)

			// Fleet managers share the lock table so device and proxy
			// operations on the same resource serialize.
			locks := fleet.NewLockTable()
			deviceMgr := fleet.NewDeviceManager(store, deviceClient, locks)
			proxyMgr := fleet.NewProxyManager(store, deviceClient, proxyClient, locks)
			reconciler := fleet.NewReconciler(store, deviceClient, proxyMgr)
			power := fleet.NewPowerController(store, deviceClient, locks)

			monitor := fleet.NewHealthMonitor(store, deviceClient, locks)
			monitor.Interval = cfg.HealthInterval
			monitor.ProbeHost = cfg.ProbeHost

			monitorCtx, cancelMonitor := context.WithCancel(ctx)
			defer cancelMonitor()
			go monitor.Run(monitorCtx)

			// Create API handler
			apiHandler := api.NewHandler(store, deviceMgr, proxyMgr, reconciler, power)

			// Setup HTTP routes
			mux := http.NewServeMux()
			apiHandler.RegisterRoutes(mux)

			// Apply middleware
			var handler http.Handler = mux
			if cfg.IsAPIAuthEnabled() {
				handler = api.AuthMiddleware(cfg.APIAuthToken, handler)
			}
			handler = api.SecurityHeadersMiddleware(handler)

			// Start server
			server := &http.Server{
				Addr:    cfg.ListenAddr,
				Handler: handler,
			}

			// Handle shutdown gracefully
			go func() {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
				<-sigChan
				log.Info("Shutting down server...")
				cancelMonitor()
				server.Close()
			}()

			// Log startup info
			log.Info("Starting Fleetd server", "addr", cfg.ListenAddr)
			log.Info("API available", "url", "http://localhost"+cfg.ListenAddr+"/api/")
			log.Info("Health monitor enabled", "interval", cfg.HealthInterval)
			if cfg.IsAPIAuthEnabled() {
				log.Info("API authentication enabled")
			}

			// Start serving
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Server error", "error", err)
				return err
			}

			log.Info("Server stopped")
			return nil
		},
	}
}
