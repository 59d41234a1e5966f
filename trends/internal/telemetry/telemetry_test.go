package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupDisabled(t *testing.T) {
	tel, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.Visit(ctx, "rows", time.Second)
	m.Record(ctx, "data")
	m.Retry(ctx, "timeout")
	m.Rotation(ctx)
}

func TestMetricsWithoutProvider(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()
	m.Visit(ctx, "rows", time.Second)
	m.Record(ctx, "data")
}

func TestInstrumentResty(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	client := InstrumentResty(resty.New(), "test")
	_, err := client.R().Get(srv.URL)
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "http GET", spans[0].Name())
}
