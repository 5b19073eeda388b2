package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
	TTL      string `yaml:"ttl"`
}

type YamlStorageConfig struct {
	Driver               string `yaml:"driver"`
	DSN                  string `yaml:"dsn"`
	UniqueRegistrationID bool   `yaml:"unique_registration_id"`
}

type YamlAPNSConfig struct {
	KeyID      string `yaml:"key_id"`
	TeamID     string `yaml:"team_id"`
	BundleID   string `yaml:"bundle_id"`
	Production bool   `yaml:"production"`
}

type YamlVapidConfig struct {
	PublicKey       string `yaml:"public_key"`
	SubscriberEmail string `yaml:"subscriber_email"`
}

type YamlBackendConfig struct {
	Kind   string          `yaml:"kind"`
	DryRun bool            `yaml:"dry_run"`
	APNS   YamlAPNSConfig  `yaml:"apns"`
	Vapid  YamlVapidConfig `yaml:"vapid"`
}

type YamlDevicesConfig struct {
	OneDevicePerUser       bool `yaml:"one_device_per_user"`
	DeleteInactiveDevices  bool `yaml:"delete_inactive_devices"`
	UpdateOnDuplicateRegID bool `yaml:"update_on_duplicate_reg_id"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
// Secrets (database passwords, the APNs key) only arrive through the environment.
type YamlConfig struct {
	ProjectID              string            `yaml:"project_id"`
	ListenAddr             string            `yaml:"listen_addr"`
	TopicID                string            `yaml:"topic_id"`
	SubscriptionID         string            `yaml:"subscription_id"`
	SubscriptionDLQTopicID string            `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig    `yaml:"cors"`
	RedisConfig            YamlRedisConfig   `yaml:"redis"`
	StorageConfig          YamlStorageConfig `yaml:"storage"`
	BackendConfig          YamlBackendConfig `yaml:"backend"`
	DevicesConfig          YamlDevicesConfig `yaml:"devices"`
	NumPipelineWorkers     int               `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	var ttl time.Duration
	if baseCfg.RedisConfig.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(baseCfg.RedisConfig.TTL); err != nil {
			return nil, fmt.Errorf("invalid redis ttl %q: %w", baseCfg.RedisConfig.TTL, err)
		}
	}

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
			TTL:      ttl,
		},
		Storage: StorageConfig{
			Driver:               baseCfg.StorageConfig.Driver,
			DSN:                  baseCfg.StorageConfig.DSN,
			UniqueRegistrationID: baseCfg.StorageConfig.UniqueRegistrationID,
		},
		Backend: BackendConfig{
			Kind:   baseCfg.BackendConfig.Kind,
			DryRun: baseCfg.BackendConfig.DryRun,
			APNS: APNSConfig{
				KeyID:      baseCfg.BackendConfig.APNS.KeyID,
				TeamID:     baseCfg.BackendConfig.APNS.TeamID,
				BundleID:   baseCfg.BackendConfig.APNS.BundleID,
				Production: baseCfg.BackendConfig.APNS.Production,
			},
			Vapid: VapidConfig{
				PublicKey:       baseCfg.BackendConfig.Vapid.PublicKey,
				SubscriberEmail: baseCfg.BackendConfig.Vapid.SubscriberEmail,
			},
		},
		Devices: DevicePolicy{
			OneDevicePerUser:       baseCfg.DevicesConfig.OneDevicePerUser,
			DeleteInactiveDevices:  baseCfg.DevicesConfig.DeleteInactiveDevices,
			UpdateOnDuplicateRegID: baseCfg.DevicesConfig.UpdateOnDuplicateRegID,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"storage", cfg.Storage.Driver,
		"backend", cfg.Backend.Kind,
	)

	return cfg, nil
}
