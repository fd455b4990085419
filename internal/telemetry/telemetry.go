// Package telemetry wires OpenTelemetry providers for resolverd.
//
// Metrics export through the Prometheus registry that the HTTP server
// already serves on /metrics; traces export over OTLP when an endpoint is
// configured. Provider failures degrade to no-op instrumentation rather
// than failing startup.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/fyrsmithlabs/resolverd/internal/config"
)

// Telemetry owns the tracer and meter providers and their shutdown.
type Telemetry struct {
	cfg config.TelemetryConfig

	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	degraded atomic.Bool
	reasons  []string
}

// New initializes the global OpenTelemetry providers from cfg.
//
// A disabled config returns a no-op instance. Exporter construction errors
// do not fail startup; the affected signal stays no-op and the instance
// reports itself degraded.
func New(ctx context.Context, cfg config.TelemetryConfig, serviceVersion string) (*Telemetry, error) {
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{cfg: cfg}
	if !cfg.Enabled {
		return t, nil
	}

	res := newResource(serviceVersion)

	mp, err := newMeterProvider(res)
	if err != nil {
		t.setDegraded(fmt.Sprintf("meter provider: %v", err))
	} else {
		t.meterProvider = mp
		otel.SetMeterProvider(mp)
	}

	if cfg.Endpoint != "" {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			t.setDegraded(fmt.Sprintf("tracer provider: %v", err))
		} else {
			t.tracerProvider = tp
			otel.SetTracerProvider(tp)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Degraded reports whether any provider failed to initialize, with the
// accumulated reasons.
func (t *Telemetry) Degraded() (bool, []string) {
	if t == nil {
		return false, nil
	}
	return t.degraded.Load(), t.reasons
}

// Shutdown flushes and stops the providers. Safe on a nil or disabled
// instance.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(reason string) {
	t.degraded.Store(true)
	t.reasons = append(t.reasons, reason)
}

func validate(cfg config.TelemetryConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Insecure && cfg.Endpoint != "" && !isLocalEndpoint(cfg.Endpoint) {
		return errors.New("insecure OTLP export to a remote endpoint is not allowed")
	}
	return nil
}

// isLocalEndpoint reports whether the endpoint host is a loopback address.
func isLocalEndpoint(endpoint string) bool {
	host := endpoint
	if strings.HasPrefix(host, "[") {
		// Bracketed IPv6, with or without a port.
		if idx := strings.Index(host, "]:"); idx != -1 {
			host = host[1:idx]
		} else if strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	} else if strings.Count(host, ":") == 1 {
		if idx := strings.LastIndex(host, ":"); idx != -1 {
			host = host[:idx]
		}
	}
	return host == "localhost" ||
		host == "127.0.0.1" ||
		host == "::1" ||
		strings.HasPrefix(host, "127.") ||
		strings.HasPrefix(endpoint, "::1")
}
