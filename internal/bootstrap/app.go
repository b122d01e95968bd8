// Package bootstrap wires configuration, infrastructure, and the application
// components, and owns the start/shutdown lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "collaborative-diagram/internal/handler/http"
	wsHandler "collaborative-diagram/internal/handler/websocket"
	"collaborative-diagram/internal/hub"
	gormpersistence "collaborative-diagram/internal/infra/persistence/gorm"
	"collaborative-diagram/internal/infra/setup"
	redisstate "collaborative-diagram/internal/infra/state/redis"
	"collaborative-diagram/internal/middleware"
	"collaborative-diagram/internal/monitor"
	"collaborative-diagram/internal/registry"
	"collaborative-diagram/internal/repository"
	"collaborative-diagram/internal/worker"
)

// Config holds everything loaded from the environment.
type Config struct {
	DBUser        string
	DBPassword    string
	DBHost        string
	DBPort        string
	DBName        string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	JWTSecret     string
	ServerPort    string
	LogLevel      string
	AppEnv        string
	KeyPrefix     string

	RateLimitMax    int
	RateLimitWindow time.Duration

	LockTTL          time.Duration
	UndoDepth        int
	IdleThreshold    time.Duration
	PresenceInterval time.Duration
	LockInterval     time.Duration
	EvictionGrace    time.Duration
	EvictionInterval time.Duration
}

// LoadConfig reads the environment, layering a .env file when present.
// REDIS_ADDR and JWT_SECRET are required; the MySQL settings are optional
// and their absence switches the activity archive off.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBUser:        os.Getenv("DB_USER"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBHost:        os.Getenv("DB_HOST"),
		DBPort:        os.Getenv("DB_PORT"),
		DBName:        os.Getenv("DB_NAME"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		ServerPort:    os.Getenv("SERVER_PORT"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
		AppEnv:        os.Getenv("APP_ENV"),
		KeyPrefix:     os.Getenv("REDIS_KEY_PREFIX"),

		RateLimitMax:    100,
		RateLimitWindow: time.Second,

		LockTTL:          30 * time.Second,
		UndoDepth:        50,
		IdleThreshold:    5 * time.Minute,
		PresenceInterval: time.Minute,
		LockInterval:     10 * time.Second,
		EvictionGrace:    time.Minute,
		EvictionInterval: time.Minute,
	}

	cfg.RedisDB, _ = strconv.Atoi(os.Getenv("REDIS_DB"))

	if v := os.Getenv("LOCK_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.LockTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("UNDO_DEPTH"); v != "" {
		if depth, err := strconv.Atoi(v); err == nil && depth > 0 {
			cfg.UndoDepth = depth
		}
	}
	if v := os.Getenv("IDLE_THRESHOLD_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.IdleThreshold = time.Duration(secs) * time.Second
		}
	}

	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dc:"
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

// hasArchiveDB reports whether the MySQL settings are complete enough to run
// the activity archive.
func (c *Config) hasArchiveDB() bool {
	return c.DBHost != "" && c.DBName != "" && c.DBUser != ""
}

// App holds the assembled components for lifecycle management.
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Registry    *registry.RoomRegistry
	Hub         *hub.Hub
	Monitor     *monitor.Monitor
	HttpServer  *http.Server

	monitorCancel context.CancelFunc
}

// NewApp builds the full dependency graph.
func NewApp() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel)
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	logrus.SetLevel(logLevel)
	log.Info("Configuration loaded successfully")

	log.Info("Initializing infrastructure...")
	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	log.Info("Redis client initialized")

	// The archive database is optional; without it the engine serves rooms
	// from memory only and activity history does not survive eviction.
	var db *gorm.DB
	var activityRepo repository.ActivityRepository
	var asynqClient *asynq.Client
	var workerServer *worker.WorkerServer
	if cfg.hasArchiveDB() {
		db, err = setup.InitDB(cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
		if err != nil {
			return nil, fmt.Errorf("failed to init DB: %w", err)
		}
		if err := setup.MigrateDB(db); err != nil {
			return nil, fmt.Errorf("failed to migrate DB: %w", err)
		}
		log.Info("Database initialized and migrated")

		redisClientOpt := asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
		asynqClient = asynq.NewClient(redisClientOpt)
		activityRepo = gormpersistence.NewGormActivityRepository(db)
		workerServer = worker.NewWorkerServer(redisClientOpt, activityRepo, log)
		log.Info("Activity archive initialized")
	} else {
		log.Warn("Archive database not configured, running memory-only")
	}

	stateRepo := redisstate.NewRedisStateRepository(redisClient, cfg.KeyPrefix)

	reg := registry.NewRoomRegistry(registry.Config{
		LockTTL:       cfg.LockTTL,
		UndoDepth:     cfg.UndoDepth,
		EvictionGrace: cfg.EvictionGrace,
	})
	log.Info("Room registry initialized")

	hubInstance := hub.NewHub(reg, stateRepo, asynqClient, cfg.LockTTL)
	log.WithField("instance_id", hubInstance.InstanceID()).Info("Hub initialized")

	mon := monitor.NewMonitor(reg, hubInstance, monitor.Config{
		PresenceInterval: cfg.PresenceInterval,
		IdleThreshold:    cfg.IdleThreshold,
		LockInterval:     cfg.LockInterval,
		EvictionInterval: cfg.EvictionInterval,
	})
	log.Info("Background monitors initialized")

	diagHandler := httpHandler.NewDiagnosticHandler(reg, hubInstance, activityRepo, mon)
	socketHandler := wsHandler.NewWebSocketHandler(hubInstance)

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(corsMiddleware())
	router.Use(middleware.RateLimit(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow))

	auth := middleware.Auth(cfg.JWTSecret)

	api := router.Group("/api").Use(auth)
	{
		api.GET("/rooms", diagHandler.ListRooms)
		api.GET("/rooms/:room_id/users", diagHandler.RoomUsers)
		api.GET("/rooms/:room_id/activity", diagHandler.RoomActivity)
		api.GET("/rooms/:room_id/connection-quality", diagHandler.ConnectionQuality)
		api.GET("/undo-redo/stacks/:room_id/:user_id", diagHandler.UndoRedoStacks)
		api.POST("/broadcast/:room_id", diagHandler.Broadcast)
		api.GET("/monitors", diagHandler.MonitorStatus)
	}
	router.GET("/ws", auth, socketHandler.HandleConnection)
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	log.Info("Router setup complete")

	httpServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	return &App{
		Config:      cfg,
		Log:         log,
		DB:          db,
		RedisClient: redisClient,
		AsynqClient: asynqClient,
		AsynqServer: workerServer,
		Registry:    reg,
		Hub:         hubInstance,
		Monitor:     mon,
		HttpServer:  httpServer,
	}, nil
}

// Start launches background routines and the HTTP server.
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")

	monitorCtx, cancel := context.WithCancel(context.Background())
	a.monitorCancel = cancel
	a.Monitor.Start(monitorCtx)

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.Log.Info("Asynq worker server routine started")
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// Shutdown stops components in dependency order.
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	if a.monitorCancel != nil {
		a.monitorCancel()
	}

	if a.Hub != nil {
		a.Hub.Shutdown()
	}

	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}

	a.Log.Info("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}

	a.Log.Info("Application shutdown complete.")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowedOrigin := os.Getenv("CORS_ALLOWED_ORIGIN")
		if allowedOrigin == "" {
			allowedOrigin = "http://localhost:3000"
		}
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware logs one structured line per HTTP request.
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
