package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"mqdash/internal/config"
	"mqdash/internal/handlers"
	"mqdash/internal/middleware"
	"mqdash/internal/poller"
	"mqdash/internal/snapshot"
	"mqdash/internal/utils"
	"mqdash/internal/version"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type App struct {
	cfg         *config.Config
	log         *utils.Logger
	store       *snapshot.Store
	wsHub       *middleware.Hub
	poller      *poller.Poller
	rateLimiter *middleware.RateLimiter
}

var app *App

func main() {
	// Always run Gin in release mode; request logging goes through our own
	// middleware into the service log.
	gin.SetMode(gin.ReleaseMode)

	// Parse CLI flags: --config/-c <path>
	var configPath string
	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--config", "-c":
			if i+1 < len(os.Args) {
				configPath = strings.TrimSpace(os.Args[i+1])
				i++
			}
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mqdash: %v\n", err)
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.LogFile)
	defer logger.Close()

	store := snapshot.NewStore()
	hub := middleware.NewHub(store, logger)
	app = &App{
		cfg:         cfg,
		log:         logger,
		store:       store,
		wsHub:       hub,
		poller:      poller.New(cfg, store, hub, logger),
		rateLimiter: middleware.NewRateLimiter(rate.Every(time.Minute/300), 30),
	}

	logger.Writef("Starting mqdash %s", version.String())

	// Start the broadcast hub and the poll loop
	go app.wsHub.Run()
	pollCtx, stopPoller := context.WithCancel(context.Background())
	go app.poller.Run(pollCtx)

	r := setupRouter()

	// No global read/write timeouts: the websocket live feed holds
	// connections open indefinitely. Header reads stay bounded.
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Writef("Starting HTTP server on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Writef("Server failed to start: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Write("Shutdown signal received")

	// Stop polling first so no new snapshots are published, then drop the
	// observers, then drain in-flight HTTP requests.
	stopPoller()
	app.wsHub.Shutdown()
	app.rateLimiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Writef("HTTP server shutdown error: %v", err)
	}
	cancel()

	logger.Write("Server exited")
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(app.log, app.cfg.VerboseHTTP))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	r.Use(app.rateLimiter.Middleware())

	monitorHandlers := handlers.NewMonitorHandlers(app.store, app.wsHub, app.log)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version": version.Version,
			"commit":  version.Commit,
			"date":    version.Date,
			"dirty":   version.Dirty,
			"display": version.String(),
		})
	})

	api := r.Group("/api")
	{
		api.GET("/snapshot", monitorHandlers.APISnapshot)
		api.GET("/brokers", monitorHandlers.APIBrokers)
		api.GET("/clients", monitorHandlers.APIClients)
		api.GET("/tcp", monitorHandlers.APITCPHealth)
		api.GET("/status", monitorHandlers.APIStatus)
	}

	// WebSocket live feed
	r.GET("/ws", app.wsHub.HandleWebSocket())

	return r
}
