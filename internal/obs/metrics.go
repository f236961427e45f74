package obs

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "claude-relay"

var (
	initOnce sync.Once

	requestCount metric.Int64Counter
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
)

// Setup installs the global meter provider and registers the relay
// instruments. With stdoutMetrics set, a periodic stdout exporter is
// attached; otherwise metrics stay in-process until another reader is
// configured. The returned shutdown func flushes pending exports.
func Setup(stdoutMetrics bool) (func(context.Context) error, error) {
	var opts []sdkmetric.Option
	if stdoutMetrics {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(60*time.Second)),
		))
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	if err := initInstruments(); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}
	return provider.Shutdown, nil
}

func initInstruments() error {
	meter := otel.GetMeterProvider().Meter(meterName)

	var err error
	requestCount, err = meter.Int64Counter(
		"relay.request.count",
		metric.WithDescription("Number of relayed requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}
	inputTokens, err = meter.Int64Counter(
		"relay.token.input",
		metric.WithDescription("Input tokens consumed upstream"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return err
	}
	outputTokens, err = meter.Int64Counter(
		"relay.token.output",
		metric.WithDescription("Output tokens consumed upstream"),
		metric.WithUnit("{token}"),
	)
	return err
}

// ensureInstruments lets counters work without an explicit Setup, e.g. in
// tests; they bind to whatever meter provider is installed at first use.
func ensureInstruments() {
	initOnce.Do(func() {
		if requestCount != nil {
			return
		}
		if err := initInstruments(); err != nil {
			logrus.Errorf("failed to init metric instruments: %v", err)
		}
	})
}

// CountRequest increments the relayed-request counter.
func CountRequest(ctx context.Context, model, outcome string, streamed bool) {
	ensureInstruments()
	if requestCount == nil {
		return
	}
	requestCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
		attribute.Bool("streamed", streamed),
	))
}

// CountTokens adds the token totals of one exchange.
func CountTokens(ctx context.Context, model string, input, output int64) {
	ensureInstruments()
	attrs := metric.WithAttributes(attribute.String("model", model))
	if inputTokens != nil && input > 0 {
		inputTokens.Add(ctx, input, attrs)
	}
	if outputTokens != nil && output > 0 {
		outputTokens.Add(ctx, output, attrs)
	}
}
