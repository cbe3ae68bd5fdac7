package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troika/troika/internal/api"
	"github.com/troika/troika/internal/common/config"
	"github.com/troika/troika/internal/common/logger"
	"github.com/troika/troika/internal/engine"
	"github.com/troika/troika/internal/events"
	"github.com/troika/troika/internal/roles"
	"github.com/troika/troika/internal/server"
	"github.com/troika/troika/internal/session"
	"github.com/troika/troika/pkg/rpc"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting troika orchestration server...")

	// 3. Create context cancelled on shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// 4. Open the session store
	storePath := cfg.StorePath
	if storePath == "" {
		storePath = session.DefaultStorePath()
	}
	store := session.NewStore(storePath, log)
	log.Info("Opened session store", zap.String("path", storePath))

	// 5. Initialize the invocation engine
	eng := engine.New(roles.NewLoader(), store, log)

	// 6. Initialize the event hub (feeds the debug websocket)
	hub := events.NewHub()

	// 7. Wire the host transport on stdio
	transport := rpc.NewServer(os.Stdin, os.Stdout, log)
	server.New(transport, eng, hub, log)

	// 8. Optionally start the debug HTTP surface
	var httpServer *http.Server
	if cfg.Server.HTTPPort != 0 {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery())

		v1 := router.Group("/api/v1")
		api.SetupRoutes(v1, eng, hub, log)
		router.GET("/health", api.NewHandler(eng, hub, log).HealthCheck)

		httpServer = &http.Server{
			Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.HTTPPort),
			Handler: router,
		}
		go func() {
			log.Info("Debug HTTP surface listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("debug HTTP server failed", zap.Error(err))
			}
		}()
	}

	// 9. Serve the host protocol until EOF or a signal
	serveErr := make(chan error, 1)
	go func() { serveErr <- transport.Serve(ctx) }()

	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-serveErr:
		if err != nil && err != context.Canceled {
			log.Error("transport closed with error", zap.Error(err))
		} else {
			log.Info("Host closed the transport")
		}
	}

	// 10. Drain in-flight invocations, then tear down
	drain := time.Duration(cfg.DrainTimeoutSecs) * time.Second
	if !eng.Drain(drain) {
		log.Warn("Shutdown drain timed out with invocations in flight",
			zap.Duration("timeout", drain))
	}

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("debug HTTP shutdown failed", zap.Error(err))
		}
	}

	log.Info("Shutdown complete")
}
