// Package deviceregistry assembles the device registry service: the owner
// facing REST API and the Pub/Sub command pipeline over one device store and
// one push backend.
package deviceregistry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-device-registry/deviceregistry/config"
	"github.com/tinywideclouds/go-device-registry/internal/api"
	"github.com/tinywideclouds/go-device-registry/internal/pipeline"
	"github.com/tinywideclouds/go-device-registry/internal/registration"
	"github.com/tinywideclouds/go-device-registry/internal/sender"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.Command]
	Sender          *sender.Sender
	Registrar       *registration.Registrar
	logger          *slog.Logger
}

// New assembles the service.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	backend dispatch.Backend,
	store dispatch.DeviceStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Core components
	pushSender := sender.New(backend, store, sender.Options{DeleteInactive: cfg.Devices.DeleteInactiveDevices}, logger)
	registrar := registration.NewRegistrar(store, registration.Options{
		OneDevicePerUser:       cfg.Devices.OneDevicePerUser,
		UpdateOnDuplicateRegID: cfg.Devices.UpdateOnDuplicateRegID,
	}, logger)

	// 3. Pipeline
	processor := pipeline.NewProcessor(pushSender, registrar, logger)
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.CommandTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API (Device Registration)
	deviceAPI := api.NewDeviceAPI(registrar, pushSender, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	deviceAPI.RegisterRoutes(mux, func(h http.Handler) http.Handler {
		return corsMiddleware(authMiddleware(h))
	})

	// Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		Sender:          pushSender,
		Registrar:       registrar,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
