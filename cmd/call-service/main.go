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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerlink-backend/internal/database"
	callHandler "peerlink-backend/internal/handler/http/call"
	chatHandler "peerlink-backend/internal/handler/http/chat"
	conversationHandler "peerlink-backend/internal/handler/http/conversation"
	presenceHandler "peerlink-backend/internal/handler/http/presence"
	wsHandler "peerlink-backend/internal/handler/ws"
	"peerlink-backend/internal/middleware"
	"peerlink-backend/internal/presence"
	"peerlink-backend/internal/repository/cassandra"
	"peerlink-backend/internal/repository/cockroach"
	redisRepo "peerlink-backend/internal/repository/redis"
	"peerlink-backend/internal/transport"
	callService "peerlink-backend/internal/service/call"
	chatService "peerlink-backend/internal/service/chat"
	conversationService "peerlink-backend/internal/service/conversation"
	"peerlink-backend/pkg/env"
	"peerlink-backend/pkg/jwt"
	"peerlink-backend/pkg/logger"
	"peerlink-backend/pkg/metrics"
)

func main() {
	logger.InitDefault()
	defer logger.Sync()

	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, 15*time.Minute, 30*24*time.Hour)

	// Cassandra holds the message rows, signaling envelopes included.
	cassandraDB, err := database.NewCassandraDB(&database.CassandraConfig{
		Hosts:    []string{env.GetString("CASSANDRA_HOST", "localhost")},
		Keyspace: env.GetString("CASSANDRA_KEYSPACE", "peerlink_ks"),
		Username: env.GetStringFromFile("CASSANDRA_USER", ""),
		Password: env.GetStringFromFile("CASSANDRA_PASSWORD", ""),
		Timeout:  10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Cassandra: %v", err)
	}
	defer cassandraDB.Close()
	logger.Info("connected to Cassandra")

	// Redis carries presence and the live message fan-out.
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		Timeout:  5 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisDB.Close()
	go redisDB.StartHealthCheck(context.Background(), 10*time.Second)
	logger.Info("connected to Redis")

	// CockroachDB holds conversations, participants and the call log.
	connString := fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		env.GetString("COCKROACH_USER", "root"),
		env.GetStringFromFile("COCKROACH_PASSWORD", ""),
		env.GetString("COCKROACH_HOST", "localhost"),
		env.GetInt("COCKROACH_PORT", 26257),
		env.GetString("COCKROACH_DATABASE", "peerlink_db"),
		env.GetString("COCKROACH_SSLMODE", "disable"),
	)
	cockroachDB, err := database.NewDB(context.Background(), connString, database.DefaultDBConfig())
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB: %v", err)
	}
	defer cockroachDB.Close()
	logger.Info("connected to CockroachDB")

	// Repositories.
	messageRepo := cassandra.NewMessageRepository(cassandraDB.Session)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	conversationRepo := cockroach.NewConversationRepository(cockroachDB.Pool)
	callRepo := cockroach.NewCallRepository(cockroachDB.Pool)

	// Transport: persisted rows fan out over Redis pub/sub.
	messageTransport := transport.NewRedisTransport(messageRepo, redisDB)

	// Services.
	conversationSvc := conversationService.NewService(conversationRepo)
	chatSvc := chatService.NewService(messageTransport, messageRepo, conversationRepo)
	callSvc := callService.NewService(messageTransport, conversationRepo, callRepo, callService.Options{
		ICEServers:    []string{env.GetString("STUN_SERVER", "stun:stun.l.google.com:19302")},
		ListenTimeout: env.GetDuration("CALL_LISTEN_TIMEOUT", 0),
	}, logger.With(zap.String("component", "call")))

	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// Handlers.
	callHdlr := callHandler.NewHandler(callSvc)
	chatHdlr := chatHandler.NewHandler(chatSvc)
	conversationHdlr := conversationHandler.NewHandler(conversationSvc)
	presenceHdlr := presenceHandler.NewHandler(presenceRepo)

	newTracker := func(userID uuid.UUID) *presence.Tracker {
		return presence.NewTracker(presenceRepo, userID, logger.With(zap.String("component", "presence")))
	}
	callWS := wsHandler.NewCallHandler(callSvc, newTracker, appMetrics)
	chatWS := wsHandler.NewChatHandler(messageTransport, conversationRepo, appMetrics)

	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())
	router.Use(middleware.Timeout(env.GetDuration("REQUEST_TIMEOUT", 30*time.Second)))

	router.GET("/health", func(c *gin.Context) {
		stats := cockroachDB.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":         "healthy",
			"service":        "call-service",
			"redis_degraded": redisDB.IsDegraded(),
			"db_conns_total": stats.TotalConns(),
			"db_conns_idle":  stats.IdleConns(),
			"time":           time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	rateLimiter := middleware.NewRateLimiter(redisDB, env.GetInt("RATE_LIMIT_REQUESTS", 300), time.Minute)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	v1.Use(rateLimiter.Middleware())
	{
		v1.POST("/conversations", conversationHdlr.Create)
		v1.GET("/conversations", conversationHdlr.List)
		v1.GET("/conversations/:conversation_id", conversationHdlr.Get)
		v1.GET("/conversations/:conversation_id/participants", conversationHdlr.Participants)
		v1.POST("/conversations/:conversation_id/participants", conversationHdlr.AddParticipants)
		v1.DELETE("/conversations/:conversation_id/participants/me", conversationHdlr.Leave)

		v1.POST("/messages", chatHdlr.SendMessage)
		v1.GET("/conversations/:conversation_id/messages", chatHdlr.History)
		v1.GET("/conversations/:conversation_id/messages/recent", chatHdlr.Recent)

		v1.POST("/calls", callHdlr.StartCall)
		v1.DELETE("/calls/active", callHdlr.Hangup)
		v1.GET("/calls/active", callHdlr.ActiveCall)
		v1.GET("/calls", callHdlr.History)
		v1.POST("/calls/links", callHdlr.CreateLink)
		v1.GET("/calls/links/:slug", callHdlr.ResolveLink)

		// gin's tree rejects a static segment next to a wildcard, so the
		// single-user lookup keeps its own /users segment.
		v1.GET("/presence/users/:user_id", presenceHdlr.GetPresence)
		v1.GET("/presence/online", presenceHdlr.OnlineUsers)

		v1.GET("/ws/calls", callWS.Stream)
		v1.GET("/ws/conversations/:conversation_id", chatWS.Stream)
	}

	port := env.GetString("PORT", "8084")
	server := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		logger.Info("call service listening", zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}
