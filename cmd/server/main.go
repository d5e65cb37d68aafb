package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/internal/api/handlers"
	"github.com/edvisortech/voice-bridge/internal/bridge"
	"github.com/edvisortech/voice-bridge/pkg/env"
	"github.com/edvisortech/voice-bridge/pkg/logger"
	"github.com/edvisortech/voice-bridge/pkg/middleware"
	"github.com/edvisortech/voice-bridge/pkg/mongo"
	"github.com/edvisortech/voice-bridge/pkg/otel"
	"github.com/edvisortech/voice-bridge/pkg/storage"
)

type server struct {
	cfg         *env.Config
	mongoClient *mongo.Client
	redisClient *redis.Client
	storage     storage.Driver
	handler     *handlers.Handler
}

func main() {
	cfg, err := env.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.AppEnv); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.OTELEnabled {
		shutdown, err := otel.InitTracing("voice-bridge", "1.0.0", cfg.OTELEndpoint)
		if err != nil {
			logger.Log.Warn("Failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdown()
			logger.Log.Info("OpenTelemetry tracing enabled", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	logger.Log.Info("Starting voice bridge",
		zap.String("env", cfg.AppEnv),
		zap.String("port", cfg.AppPort),
	)

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Log.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	redisClient := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	mongoClient, err := mongo.NewClient(cfg.MongoURI, cfg.DBName)
	if err != nil {
		logger.Log.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(ctx); err != nil {
			logger.Log.Warn("Failed to disconnect MongoDB", zap.Error(err))
		}
	}()

	storageDriver, err := storage.NewDriver(cfg.StorageDriver, cfg.ExotelAccountSID, cfg.LocalStoragePath)
	if err != nil {
		logger.Log.Fatal("Failed to create storage driver", zap.Error(err))
	}

	if cfg.ElevenLabsApiKey == "" || cfg.ElevenLabsAgentID == "" {
		logger.Log.Warn("Agent credentials not configured; calls will run without agent audio")
	}

	uplinkClient := bridge.NewUplinkClient(
		cfg.ElevenLabsApiKey,
		cfg.ElevenLabsAgentID,
		cfg.AgentWSBaseURL,
		cfg.AgentDialTimeoutMs,
		logger.Log,
	)
	resolver := bridge.NewResolver(
		bridge.NewMongoLeadStore(mongoClient),
		cfg.LookupTimeoutMs,
		cfg.LookupWorkers,
		logger.Log,
	)
	br := bridge.New(cfg, uplinkClient, resolver, mongoClient, redisClient, logger.Log)

	apiHandler := handlers.NewHandler(cfg, redisClient, mongoClient, br, storageDriver)

	srvState := &server{
		cfg:         cfg,
		mongoClient: mongoClient,
		redisClient: redisClient,
		storage:     storageDriver,
		handler:     apiHandler,
	}

	router := srvState.setupRouter()

	srv := &http.Server{
		Addr:        ":" + cfg.AppPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the media WebSocket outlives any sane value.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Log.Info("Voice bridge listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Log.Info("Server exited")
}

func (s *server) setupRouter() *gin.Engine {
	if s.cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceMiddleware())

	if s.cfg.OTELEnabled {
		router.Use(otel.GinMiddleware())
	}

	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] %s %s %d %s\n",
			param.TimeStamp.Format(time.RFC3339),
			param.Method,
			param.Path,
			param.StatusCode,
			param.Latency,
		)
	}))

	corsConfig := cors.DefaultConfig()
	if s.cfg.CORSAllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{s.cfg.CORSAllowedOrigins}
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	rateLimiter := middleware.NewRateLimiter(s.redisClient, s.cfg.APIRateLimitRPM)

	router.GET("/health", s.handler.HealthCheck)
	router.GET("/metrics", s.handler.GetMetrics)
	router.GET("/metrics/prometheus", s.handler.GetPrometheusMetrics)

	// Carrier-facing surface. The applet init endpoint and the media
	// WebSocket are unauthenticated by contract; the webhook carries an
	// HMAC signature instead.
	router.GET("/bridge/init", s.handler.BridgeInit)
	router.POST("/bridge/init", s.handler.BridgeInit)
	router.GET("/bridge/ws", s.handler.BridgeWebSocket)
	router.POST("/webhooks/carrier", rateLimiter.Middleware(), s.handler.CarrierWebhook)

	// Internal ops API, consumed by the CRM backend.
	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(s.cfg.JWTSecret))
	api.Use(rateLimiter.Middleware())
	{
		api.GET("/calls", s.handler.ListCalls)
		api.GET("/calls/active", s.handler.GetActiveCalls)
		api.GET("/calls/:call_sid", middleware.ValidateSIDParam("call_sid"), s.handler.GetCall)
		api.GET("/calls/:call_sid/transcript", middleware.ValidateSIDParam("call_sid"), s.handler.GetCallTranscript)
	}

	return router
}
