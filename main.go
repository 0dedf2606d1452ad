package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evently-studio/evently-api/config"
	"github.com/evently-studio/evently-api/controllers"
	"github.com/evently-studio/evently-api/middleware"
	"github.com/evently-studio/evently-api/models"
	"github.com/evently-studio/evently-api/realtime"
	"github.com/evently-studio/evently-api/services"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const limiterPruneInterval = time.Minute

// app holds the long-lived pieces the HTTP routes are built from
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	broker   *realtime.Broker
	presence realtime.Presence
	realtime *realtime.Server
	chat     *services.ChatService
	reaper   *services.Reaper
	limiter  *middleware.LimiterPool
	redis    *redis.Client
}

func main() {
	log.Println("Starting Evently API server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Connect to database
	if err := config.ConnectDatabase(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto-migrate database models
	db := config.GetDB()
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database migration completed successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, db)
	if err != nil {
		log.Fatalf("Failed to initialize chat services: %v", err)
	}
	a.start(ctx)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           setupRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server is running on http://localhost:%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown
	a.realtime.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
	a.close()
	log.Println("Server stopped")
}

// newApp wires the chat services. Redis, when configured, carries realtime
// events and operator presence between API instances.
func newApp(ctx context.Context, cfg *config.Config, db *gorm.DB) (*app, error) {
	a := &app{
		cfg:      cfg,
		db:       db,
		broker:   realtime.NewBroker(),
		presence: realtime.NewMemoryPresence(),
		limiter:  middleware.NewLimiterPool(cfg.ChatRateLimitRPS, cfg.ChatRateLimitBurst),
	}

	if cfg.RedisURL != "" {
		client, err := realtime.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		a.presence = realtime.NewRedisPresence(client)
		log.Println("Realtime events relayed through Redis")
	}

	a.chat = services.NewChatService(db, a.broker)
	if cfg.TranscriptsEnabled() {
		store, err := services.InitS3Service(ctx)
		if err != nil {
			return nil, err
		}
		a.chat.SetArchiver(services.NewS3TranscriptArchiver(store))
		log.Printf("Transcripts archived to s3://%s", cfg.AWSS3Bucket)
	}

	seeded, err := services.SeedQuickReplies(ctx, db, cfg.QuickRepliesFile)
	if err != nil {
		return nil, err
	}
	if seeded > 0 {
		log.Printf("Seeded %d quick replies", seeded)
	}

	if cfg.ReaperEnabled {
		a.reaper = services.NewReaper(a.chat, cfg.ReaperCron, cfg.ChatIdleTimeout)
	}
	a.realtime = realtime.NewServer(a.broker, a.presence)
	return a, nil
}

// start launches the background workers. They stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	if a.redis != nil {
		bridge := realtime.NewRedisBridge(a.redis, a.broker)
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Redis relay stopped: %v", err)
			}
		}()
	}
	if a.reaper != nil {
		a.reaper.Start(ctx)
	}
	go a.pruneLimiters(ctx)
}

func (a *app) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.limiter.Prune()
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Printf("Failed to close Redis client: %v", err)
		}
	}
}

// setupRouter builds the HTTP routes
func setupRouter(a *app) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(middleware.CORS(a.cfg.CORSAllowedOrigins))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Health check endpoint
		v1.GET("/health", healthCheck)

		// Database status endpoint
		v1.GET("/database/status", databaseStatus)

		// Customer chat widget, anonymous and rate limited per client
		chat := v1.Group("/chat", middleware.RateLimit(a.limiter))
		controllers.NewChatController(a.chat, a.realtime).Register(chat)

		// Admin chat console
		admin := v1.Group("/admin", middleware.EnsureValidToken(a.cfg), middleware.RequireRole(models.RoleAdmin))
		controllers.NewAdminChatController(a.chat, a.reaper, a.presence, a.realtime).Register(admin)

		// Operator accounts
		users := v1.Group("/users", middleware.EnsureValidToken(a.cfg))
		{
			users.POST("", controllers.CreateUser)
			users.GET("/me", controllers.GetMyProfile)
			users.PUT("/me", controllers.UpdateMyProfile)
		}
	}

	return router
}

// healthCheck handles the health check endpoint
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Evently API is running",
	})
}

// databaseStatus checks database connectivity and returns table information
func databaseStatus(c *gin.Context) {
	db := config.GetDB()
	if db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "DATABASE_ERROR",
				"message": "Database is not connected",
			},
		})
		return
	}

	// Get the underlying SQL database to check connection
	sqlDB, err := db.DB()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "DATABASE_ERROR",
				"message": "Failed to get database instance",
			},
		})
		return
	}

	// Ping the database to verify connection
	if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "DATABASE_CONNECTION_ERROR",
				"message": "Database connection failed",
			},
		})
		return
	}

	tables, err := db.Migrator().GetTables()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error": gin.H{
				"code":    "DATABASE_QUERY_ERROR",
				"message": "Failed to query tables",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Database connected",
		"tables":  tables,
	})
}
