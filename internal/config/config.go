package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	DBPath   string
	LogLevel string

	ModelPath           string
	InputSize           int     // Side length of the square model input
	NumClasses          int     // impure, pure, unwanted
	ConfidenceThreshold float64 // Default per-connection confidence threshold
	IoUThreshold        float64
	ProcessingWorkers   int           // Number of model instances in the inference pool
	InferenceTimeout    time.Duration // 0 disables the timeout

	FrameQueueSize int     // Per-connection inbox capacity
	MaxFrameRate   float64 // Frames per second per connection, 0 = unlimited
	MaxFrameBytes  int64
	AllowedOrigins []string

	ImageDirectory           string // Evidence frames, empty disables the buffer
	ImageBufferLimit         int
	ImageBufferFlushInterval int // Seconds
	LogDirectory             string
	APIRateLimit             int // Requests per minute per IP
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	return &Config{
		Port:     getEnvAsInt("PORT", 8080),
		DBPath:   getEnv("DB_PATH", filepath.Join(".", "data", "salt.db")),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ModelPath:           getEnv("MODEL_PATH", filepath.Join(".", "models", "best.onnx")),
		InputSize:           getEnvAsInt("INPUT_SIZE", 320),
		NumClasses:          getEnvAsInt("NUM_CLASSES", 3),
		ConfidenceThreshold: getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.5),
		IoUThreshold:        getEnvAsFloat("IOU_THRESHOLD", 0.45),
		ProcessingWorkers:   getEnvAsInt("PROCESSING_WORKERS", 2),
		InferenceTimeout:    getEnvAsDuration("INFERENCE_TIMEOUT", 0),

		FrameQueueSize: getEnvAsInt("FRAME_QUEUE_SIZE", 4),
		MaxFrameRate:   getEnvAsFloat("MAX_FRAME_RATE", 0),
		MaxFrameBytes:  getEnvAsInt64("MAX_FRAME_BYTES", 8<<20),
		AllowedOrigins: getEnvAsList("WS_ALLOWED_ORIGINS"),

		ImageDirectory:           getEnv("IMAGE_DIR", ""),
		ImageBufferLimit:         getEnvAsInt("BUFFER_LIMIT", 10),
		ImageBufferFlushInterval: getEnvAsInt("FLUSH_INTERVAL", 30),
		LogDirectory:             getEnv("LOG_DIR", filepath.Join(".", "logs")),
		APIRateLimit:             getEnvAsInt("API_RATE_LIMIT", 100),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping empty items.
func getEnvAsList(key string) []string {
	var list []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}
