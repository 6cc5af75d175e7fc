// Package main is the TaskHive broker entry point. One binary runs the full
// broker: persistence, scheduler, the WebSocket tool gateway, the admin HTTP
// API, and the embedded MCP server.
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
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskhive/taskhive/internal/adminapi"
	brokerevents "github.com/taskhive/taskhive/internal/broker/events"
	"github.com/taskhive/taskhive/internal/broker/lifecycle"
	"github.com/taskhive/taskhive/internal/broker/matching"
	"github.com/taskhive/taskhive/internal/broker/notify"
	"github.com/taskhive/taskhive/internal/broker/poller"
	"github.com/taskhive/taskhive/internal/broker/registry"
	"github.com/taskhive/taskhive/internal/broker/scheduler"
	"github.com/taskhive/taskhive/internal/broker/security"
	"github.com/taskhive/taskhive/internal/broker/store"
	"github.com/taskhive/taskhive/internal/common/config"
	"github.com/taskhive/taskhive/internal/common/httpmw"
	"github.com/taskhive/taskhive/internal/common/logger"
	"github.com/taskhive/taskhive/internal/common/tracing"
	"github.com/taskhive/taskhive/internal/db"
	"github.com/taskhive/taskhive/internal/events"
	gateway "github.com/taskhive/taskhive/internal/gateway/websocket"
	"github.com/taskhive/taskhive/internal/mcpserver"
	"github.com/taskhive/taskhive/internal/toolapi"
	ws "github.com/taskhive/taskhive/pkg/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting TaskHive broker...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := openDatabase(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()
	log.Info("Database ready",
		zap.String("driver", cfg.Database.Driver))

	st, err := store.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}

	// Event bus
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus

	// Broker services
	notifier := notify.New()
	recorder := brokerevents.NewRecorder(st, eventBus, log)
	matcher := matching.New(st)
	scanner := security.NewRegexpScanner()
	lifecycleSvc := lifecycle.New(st, recorder, notifier, matcher, scanner, log)
	registrySvc := registry.New(st, recorder, notifier, log)
	pollerSvc := poller.New(st, lifecycleSvc, notifier, cfg.Broker.MaxPollTimeout(), log)

	// Requeue undelivered reservations left over from a previous run.
	if err := lifecycleSvc.RecoverOnStartup(ctx); err != nil {
		log.Fatal("Startup recovery failed", zap.Error(err))
	}

	sched := scheduler.New(st, lifecycleSvc, matcher, notifier, cfg.Broker, log)
	sched.Start(ctx)
	defer sched.Stop()

	// Auth
	secret, err := httpmw.LoadOrCreateSecret(cfg.Auth.Key, cfg.Auth.DataDir)
	if err != nil {
		log.Fatal("Failed to load auth secret", zap.Error(err))
	}

	// WebSocket gateway: tool surface plus observer stream
	dispatcher := ws.NewDispatcher()
	toolHandlers := toolapi.New(registrySvc, lifecycleSvc, pollerSvc, st, notifier, log)
	toolHandlers.RegisterHandlers(dispatcher)

	hub := gateway.NewHub(dispatcher, gateway.NewSnapshotProvider(st, registrySvc), log)
	go hub.Run(ctx)

	if _, err := gateway.RegisterEventNotifications(ctx, eventBus, hub, log); err != nil {
		log.Fatal("Failed to subscribe gateway to event stream", zap.Error(err))
	}
	wsHandler := gateway.NewHandler(hub, log)

	// HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "broker"))
	router.Use(httpmw.OtelTracing("taskhive-broker"))
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "taskhive",
		})
	})

	authed := router.Group("", httpmw.SharedSecretAuth(secret))
	authed.GET("/ws", wsHandler.HandleConnection)

	adminHandlers := adminapi.New(lifecycleSvc, registrySvc, st, log)
	adminHandlers.RegisterRoutes(authed)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Broker listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("websocket", "/ws"),
			zap.String("http", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Embedded MCP server
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, mcpserver.Services{
			Registry:  registrySvc,
			Lifecycle: lifecycleSvc,
			Poller:    pollerSvc,
			Store:     st,
			Notifier:  notifier,
		}, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		log.Info("MCP server ready",
			zap.String("sse", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http", mcpSrv.StreamableHTTPEndpoint()))
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down TaskHive...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	sched.Stop()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("TaskHive stopped")
}

// openDatabase builds the connection pool for the configured driver. SQLite
// gets a single-writer pool plus WAL readers; Postgres shares one pgx pool
// for both roles.
func openDatabase(cfg *config.Config) (*db.Pool, error) {
	switch cfg.Database.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(conn, "pgx")
		return db.NewPool(x, x), nil

	default:
		writer, err := db.OpenSQLite(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Database.Path)
		if err != nil {
			writer.Close()
			return nil, err
		}
		return db.NewPool(
			sqlx.NewDb(writer, "sqlite3"),
			sqlx.NewDb(reader, "sqlite3"),
		), nil
	}
}

// corsMiddleware permits dashboard access from any origin. The shared secret
// still gates every endpoint.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, "+
			httpmw.AuthHeader+", Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
