package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	StorageSQLite    = "sqlite"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"

	BackendFCM     = "fcm"
	BackendAPNS    = "apns"
	BackendWebPush = "webpush"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type StorageConfig struct {
	Driver               string
	DSN                  string
	UniqueRegistrationID bool
}

type APNSConfig struct {
	KeyID        string
	TeamID       string
	BundleID     string
	P8KeyContent string
	Production   bool
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type BackendConfig struct {
	Kind   string
	DryRun bool
	APNS   APNSConfig
	Vapid  VapidConfig
}

// DevicePolicy carries the registry behaviour switches.
type DevicePolicy struct {
	OneDevicePerUser       bool
	DeleteInactiveDevices  bool
	UpdateOnDuplicateRegID bool
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Backend    BackendConfig
	Devices    DevicePolicy

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// Storage Overrides
	if val := os.Getenv("STORAGE_DRIVER"); val != "" {
		logger.Debug("Overriding config value", "key", "STORAGE_DRIVER", "source", "env")
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("DATABASE_DSN"); val != "" {
		logger.Debug("Overriding config value", "key", "DATABASE_DSN", "source", "env")
		cfg.Storage.DSN = val
	}
	overrideBool("UNIQUE_REGISTRATION_ID", &cfg.Storage.UniqueRegistrationID, logger)

	// Push Backend Overrides
	if val := os.Getenv("PUSH_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "PUSH_BACKEND", "source", "env")
		cfg.Backend.Kind = val
	}
	overrideBool("PUSH_DRY_RUN", &cfg.Backend.DryRun, logger)
	if val := os.Getenv("APNS_KEY_ID"); val != "" {
		cfg.Backend.APNS.KeyID = val
	}
	if val := os.Getenv("APNS_TEAM_ID"); val != "" {
		cfg.Backend.APNS.TeamID = val
	}
	if val := os.Getenv("APNS_BUNDLE_ID"); val != "" {
		cfg.Backend.APNS.BundleID = val
	}
	if val := os.Getenv("APNS_P8_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "APNS_P8_KEY", "source", "env")
		cfg.Backend.APNS.P8KeyContent = val
	}
	overrideBool("APNS_PRODUCTION", &cfg.Backend.APNS.Production, logger)

	// VAPID Overrides
	if val := os.Getenv("VAPID_PUBLIC_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PUBLIC_KEY", "source", "env")
		cfg.Backend.Vapid.PublicKey = val
	}
	if val := os.Getenv("VAPID_PRIVATE_KEY"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_PRIVATE_KEY", "source", "env")
		cfg.Backend.Vapid.PrivateKey = val
	}
	if val := os.Getenv("VAPID_SUB_EMAIL"); val != "" {
		logger.Debug("Overriding config value", "key", "VAPID_SUB_EMAIL", "source", "env")
		cfg.Backend.Vapid.SubscriberEmail = val
	}

	// Device Policy Overrides
	overrideBool("ONE_DEVICE_PER_USER", &cfg.Devices.OneDevicePerUser, logger)
	overrideBool("DELETE_INACTIVE_DEVICES", &cfg.Devices.DeleteInactiveDevices, logger)
	overrideBool("UPDATE_ON_DUPLICATE_REG_ID", &cfg.Devices.UpdateOnDuplicateRegID, logger)

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}

	switch cfg.Storage.Driver {
	case "":
		cfg.Storage.Driver = StorageFirestore
	case StorageFirestore, StoragePostgres, StorageSQLite:
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver != StorageFirestore && cfg.Storage.DSN == "" {
		return nil, fmt.Errorf("database dsn is required for %s (set via YAML or DATABASE_DSN env var)", cfg.Storage.Driver)
	}

	switch cfg.Backend.Kind {
	case "":
		cfg.Backend.Kind = BackendFCM
	case BackendFCM:
	case BackendAPNS:
		if cfg.Backend.APNS.P8KeyContent == "" || cfg.Backend.APNS.BundleID == "" {
			return nil, fmt.Errorf("apns backend requires a p8 key and bundle id")
		}
	case BackendWebPush:
		if cfg.Backend.Vapid.PublicKey == "" || cfg.Backend.Vapid.PrivateKey == "" {
			return nil, fmt.Errorf("webpush backend requires a vapid key pair")
		}
	default:
		return nil, fmt.Errorf("unknown push backend %q", cfg.Backend.Kind)
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func overrideBool(key string, dst *bool, logger *slog.Logger) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		logger.Warn("Ignoring invalid boolean override", "key", key, "value", val)
		return
	}
	logger.Debug("Overriding config value", "key", key, "source", "env")
	*dst = b
}
