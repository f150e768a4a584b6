package redpanda

import (
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// kafkaTracingHooks instruments produce and fetch calls with OpenTelemetry
// spans.
func kafkaTracingHooks() []kgo.Hook {
	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)
	return kotelService.Hooks()
}
