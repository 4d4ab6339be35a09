package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string        `env:"PORT"`
	LogLevel           string        `env:"LOG_LEVEL"`
	DatabaseURL        string        `env:"DATABASE_URL,secret"`
	RedisURL           string        `env:"REDIS_URL,secret"`
	FCMCredentialsFile string        `env:"FCM_CREDENTIALS_FILE"`
	JWTPrivateKey      string        `env:"JWT_PRIVATE_KEY,secret"`
	JWTPublicKey       string        `env:"JWT_PUBLIC_KEY,secret"`
	PushQueueSize      int           `env:"PUSH_QUEUE_SIZE"`
	PushWorkers        int           `env:"PUSH_WORKERS"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

// Load loads configuration from environment variables. A local .env file is
// read first when present; variables already set in the environment win.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		FCMCredentialsFile: getEnv("FCM_CREDENTIALS_FILE", ""),
		JWTPrivateKey:      getEnv("JWT_PRIVATE_KEY", ""),
		JWTPublicKey:       getEnv("JWT_PUBLIC_KEY", ""),
		PushQueueSize:      getEnvInt("PUSH_QUEUE_SIZE", 1024),
		PushWorkers:        getEnvInt("PUSH_WORKERS", 4),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
