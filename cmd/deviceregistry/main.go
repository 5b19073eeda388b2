package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-device-registry/internal/platform/apns"
	"github.com/tinywideclouds/go-device-registry/internal/platform/fcm"
	"github.com/tinywideclouds/go-device-registry/internal/platform/web"

	"github.com/tinywideclouds/go-device-registry/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-device-registry/internal/storage/firestore"
	"github.com/tinywideclouds/go-device-registry/internal/storage/sqlstore"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"

	"github.com/tinywideclouds/go-device-registry/deviceregistry"
	"github.com/tinywideclouds/go-device-registry/deviceregistry/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-device-registry")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	// --- Device Store (Decorated) ---
	store, closeStore, err := newDeviceStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Device store failed", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		store = cache.NewCachedTokenStore(store, redisClient, cfg.Redis.TTL, logger)
		logger.Info("DeviceStore upgraded", "type", "redis_cached_"+cfg.Storage.Driver)
	}

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", identityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Push Backend ---
	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("Push backend failed", "kind", cfg.Backend.Kind, "err", err)
		os.Exit(1)
	}

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	service, err := deviceregistry.New(cfg, consumer, backend, store, authMiddleware, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...", "storage", cfg.Storage.Driver, "backend", cfg.Backend.Kind)
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newDeviceStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.DeviceStore, func(), error) {
	switch cfg.Storage.Driver {
	case config.StorageFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		logger.Info("DeviceStore initialized", "type", "firestore")
		return fsStore.NewFirestoreStore(fsClient, logger), func() { _ = fsClient.Close() }, nil
	default:
		db, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:               cfg.Storage.Driver,
			DSN:                  cfg.Storage.DSN,
			UniqueRegistrationID: cfg.Storage.UniqueRegistrationID,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		logger.Info("DeviceStore initialized", "type", cfg.Storage.Driver)
		return sqlstore.NewStore(db, logger), func() { _ = sqlDB.Close() }, nil
	}
}

func newBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dispatch.Backend, error) {
	switch cfg.Backend.Kind {
	case config.BackendAPNS:
		a := cfg.Backend.APNS
		return apns.NewBackend(apns.Config{
			KeyID:        a.KeyID,
			TeamID:       a.TeamID,
			BundleID:     a.BundleID,
			P8KeyContent: a.P8KeyContent,
			Production:   a.Production,
		}, logger)
	case config.BackendWebPush:
		v := cfg.Backend.Vapid
		logger.Info("Web Push backend enabled", "public_key", v.PublicKey)
		return web.NewBackend(web.Config{
			PublicKey:       v.PublicKey,
			PrivateKey:      v.PrivateKey,
			SubscriberEmail: v.SubscriberEmail,
		}, &http.Client{Timeout: 30 * time.Second}, logger), nil
	default:
		fbApp, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Firebase App: %w", err)
		}
		messaging, err := fbApp.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create FCM messaging client: %w", err)
		}
		return fcm.NewBackend(messaging, cfg.Backend.DryRun, logger), nil
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) != codes.AlreadyExists {
			return nil, fmt.Errorf("could not create subscription %s: %w", sub, err)
		}
		logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type pubsubKind string

func convertPubsub(project, id string, kind pubsubKind) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}
