package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv  string
	AppPort string
	TZ      string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	RedisURL string

	MongoURI string
	DBName   string

	// Conversational agent service (ElevenLabs Agents Platform)
	ElevenLabsApiKey   string
	ElevenLabsAgentID  string
	AgentWSBaseURL     string
	AgentDialTimeoutMs int

	// Carrier (Exotel) REST + media stream settings
	ExotelSubdomain     string
	ExotelAccountSID    string
	ExotelAPIKey        string
	ExotelAPIToken      string
	ExotelExophone      string
	ExotelWebhookSecret string
	BridgeBaseURL       string // Public HTTPS URL Exotel resolves to WSS (e.g., https://bridge.example.com)

	// Audio framing
	InboundFrameBytes  int // carrier -> agent, low latency
	OutboundFrameBytes int // agent -> carrier, smoother playback

	// Recording storage
	StorageDriver    string
	LocalStoragePath string

	// Lead lookup
	LookupTimeoutMs int
	LookupWorkers   int

	// Call hardening
	IdleCallTimeoutSec int

	APIRateLimitRPM int

	LogLevel           string
	CORSAllowedOrigins string

	OTELEndpoint string
	OTELEnabled  bool
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// Missing .env is fine; production injects plain environment variables.
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		AppPort: getEnv("APP_PORT", "8080"),
		TZ:      getEnv("TZ", "Asia/Kolkata"),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "edvisory-voice-bridge"),
		JWTAudience: getEnv("JWT_AUDIENCE", "edvisory-api"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:   getEnv("DB_NAME", "edvisory"),

		ElevenLabsApiKey:   getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsAgentID:  getEnv("ELEVENLABS_AGENT_ID", ""),
		AgentWSBaseURL:     getEnv("AGENT_WS_BASE_URL", "wss://api.elevenlabs.io/v1/convai/conversation"),
		AgentDialTimeoutMs: getEnvInt("AGENT_DIAL_TIMEOUT_MS", 5000),

		ExotelSubdomain:     getEnv("EXOTEL_SUBDOMAIN", "api"),
		ExotelAccountSID:    getEnv("EXOTEL_ACCOUNT_SID", ""),
		ExotelAPIKey:        getEnv("EXOTEL_API_KEY", ""),
		ExotelAPIToken:      getEnv("EXOTEL_API_TOKEN", ""),
		ExotelExophone:      getEnv("EXOTEL_EXOPHONE", ""),
		ExotelWebhookSecret: getEnv("EXOTEL_WEBHOOK_SIGNATURE_SECRET", ""),
		BridgeBaseURL:       getEnv("BRIDGE_BASE_URL", ""),

		InboundFrameBytes:  getEnvInt("INBOUND_FRAME_BYTES", 160),
		OutboundFrameBytes: getEnvInt("OUTBOUND_FRAME_BYTES", 800),

		StorageDriver:    getEnv("STORAGE_DRIVER", "carrier-proxy"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "/data/recordings"),

		LookupTimeoutMs: getEnvInt("LOOKUP_TIMEOUT_MS", 2000),
		LookupWorkers:   getEnvInt("LOOKUP_WORKERS", 8),

		IdleCallTimeoutSec: getEnvInt("IDLE_CALL_TIMEOUT_SEC", 120),

		APIRateLimitRPM: getEnvInt("API_RATE_LIMIT_RPM", 180),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
	}

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", cfg.TZ, err)
	}
	time.Local = loc

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}
