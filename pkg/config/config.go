package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Gateway  GatewayConfig
	Engine   EngineConfig
	Session  SessionConfig
	SMTP     SMTPConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers       []string
	TopicBatches  string
	TopicSensors  string
	TopicEvents   string
	NumPartitions int
}

type GatewayConfig struct {
	Port              int
	MaxConnections    int
	IdentifyTimeout   time.Duration
	InactivityTimeout time.Duration
}

type EngineConfig struct {
	QueueSize       int
	ProfileCacheTTL time.Duration
	FetchLimit      int
	FailstoreDir    string
	NoiseAlpha      float64
}

type SessionConfig struct {
	DefaultDuration time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "soundml_user"),
			Password: getEnv("DB_PASSWORD", "soundml_pass"),
			DBName:   getEnv("DB_NAME", "soundml_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			TopicBatches:  getEnv("KAFKA_TOPIC_BATCHES", "machine.batches"),
			TopicSensors:  getEnv("KAFKA_TOPIC_SENSORS", "machine.sensors"),
			TopicEvents:   getEnv("KAFKA_TOPIC_EVENTS", "machine.events"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
		},
		Gateway: GatewayConfig{
			Port:              getEnvAsInt("TCP_PORT", 8080),
			MaxConnections:    getEnvAsInt("TCP_MAX_CONNECTIONS", 10000),
			IdentifyTimeout:   getEnvAsDuration("TCP_IDENTIFY_TIMEOUT", 10*time.Second),
			InactivityTimeout: getEnvAsDuration("TCP_INACTIVITY_TIMEOUT", 2*time.Minute),
		},
		Engine: EngineConfig{
			QueueSize:       getEnvAsInt("ENGINE_QUEUE_SIZE", 64),
			ProfileCacheTTL: getEnvAsDuration("ENGINE_PROFILE_CACHE_TTL", 5*time.Minute),
			FetchLimit:      getEnvAsInt("ENGINE_FETCH_LIMIT", 3000),
			FailstoreDir:    getEnv("ENGINE_FAILSTORE_DIR", "data/failed"),
			NoiseAlpha:      getEnvAsFloat("ENGINE_NOISE_ALPHA", 0.02),
		},
		Session: SessionConfig{
			DefaultDuration: getEnvAsDuration("SESSION_DURATION", 60*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", "smtp.gmail.com"),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "soundml-server@example.com"),
			To:       getEnv("SMTP_TO", "admin@example.com"),
		},
	}

	return config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
