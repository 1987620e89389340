package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port             string
	AllowedOrigins   []string
	AllowCredentials bool
	DBDriver         string
	DatabaseURL      string
	RedisHost        string
	RedisPort        string
	RedisPassword    string
	KafkaEnabled     bool
	KafkaBrokers     []string
	JWTSecret        string
	TypingTTL        time.Duration
	// DevUsers seeds the in-memory directory, entries are id:role:name.
	DevUsers         []string
	// DevSessions seeds coaching sessions, entries are id:userId:coachId.
	DevSessions      []string
	Environment      string
}

func LoadConfig() *Config {
	// Get allowed origins from environment variable
	allowedOrigins := []string{"*"} // Default to allow all origins
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = splitList(origins)
	}

	kafkaBrokers := []string{"localhost:9092"}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaBrokers = splitList(brokers)
	}

	return &Config{
		Port:             getEnv("PORT", "8082"),
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: getEnv("ALLOW_CREDENTIALS", "false") == "true",
		DBDriver:         getEnv("DB_DRIVER", "postgres"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisHost:        getEnv("REDIS_HOST", "localhost"),
		RedisPort:        getEnv("REDIS_PORT", "6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		KafkaEnabled:     getEnv("KAFKA_ENABLED", "true") == "true",
		KafkaBrokers:     kafkaBrokers,
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret"),
		TypingTTL:        time.Duration(getEnvInt("TYPING_TTL_SECONDS", 10)) * time.Second,
		DevUsers:         splitList(getEnv("DEV_USERS", "")),
		DevSessions:      splitList(getEnv("DEV_SESSIONS", "")),
		Environment:      getEnv("ENVIRONMENT", "development"),
	}
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
