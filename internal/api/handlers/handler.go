package handlers

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/internal/bridge"
	"github.com/edvisortech/voice-bridge/pkg/env"
	"github.com/edvisortech/voice-bridge/pkg/logger"
	"github.com/edvisortech/voice-bridge/pkg/mongo"
	"github.com/edvisortech/voice-bridge/pkg/storage"
)

type Handler struct {
	cfg         *env.Config
	redisClient *redis.Client
	mongoClient *mongo.Client
	bridge      *bridge.Bridge
	storage     storage.Driver
	logger      *zap.Logger
}

func NewHandler(
	cfg *env.Config,
	redisClient *redis.Client,
	mongoClient *mongo.Client,
	br *bridge.Bridge,
	storageDriver storage.Driver,
) *Handler {
	return &Handler{
		cfg:         cfg,
		redisClient: redisClient,
		mongoClient: mongoClient,
		bridge:      br,
		storage:     storageDriver,
		logger:      logger.Log,
	}
}
