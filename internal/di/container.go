package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medrelay/api/internal/payments"
	"github.com/medrelay/api/internal/platform/config"
	"github.com/medrelay/api/internal/platform/requestctx"
	"github.com/medrelay/api/internal/repositories"
	"github.com/medrelay/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Requests    services.RequestService
	Fulfillment services.FulfillmentService
	Stock       services.StockService
}

// Dependencies carries the externally constructed infrastructure the container
// wires into the services.
type Dependencies struct {
	Registry repositories.Registry
	Gateway  payments.Gateway
	Notifier services.Notifier
	Logger   *zap.Logger
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// real implementations, while tests can supply in-memory registries and stub
// gateways.
func NewContainer(ctx context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

func buildServices(deps Dependencies) (Services, error) {
	var svc Services
	reg := deps.Registry
	logger := serviceLogger(deps.Logger)

	requestSvc, err := services.NewRequestService(services.RequestServiceDeps{
		Requests: reg.Requests(),
		Notifier: deps.Notifier,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build request service: %w", err)
	}
	svc.Requests = requestSvc

	fulfillmentSvc, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Requests:   reg.Requests(),
		Orders:     reg.Orders(),
		Stock:      reg.Stock(),
		UnitOfWork: reg.UnitOfWork(),
		Gateway:    deps.Gateway,
		Notifier:   deps.Notifier,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment service: %w", err)
	}
	svc.Fulfillment = fulfillmentSvc

	stockSvc, err := services.NewStockService(services.StockServiceDeps{
		Stock:  reg.Stock(),
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock service: %w", err)
	}
	svc.Stock = stockSvc

	return svc, nil
}

// serviceLogger adapts the request-scoped zap logger to the event callback the
// services accept. The base logger backs requests that carry no logger of
// their own.
func serviceLogger(base *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}
