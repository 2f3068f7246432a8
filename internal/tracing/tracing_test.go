package tracing

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

func TestDisabledTracingStillUsable(t *testing.T) {
	shutdown, err := Initialize(Config{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), "delegate", AttrTaskID.String("t-1"))
	defer span.End()
	assert.NotNil(t, ctx)

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	InjectTraceparent(ctx, req)
	assert.Empty(t, req.Header.Get("traceparent"))
}

func TestTraceparentFromRecordedSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	setTracer(otel.Tracer("test"))
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		setTracer(otel.Tracer(defaultServiceName))
	})

	ctx, span := StartSpan(context.Background(), "execute", AttrAgentType.String("research"))
	RecordError(span, errors.New("agent failed"))
	RecordError(span, nil)

	req, _ := http.NewRequest(http.MethodPost, "http://llm.local/complete", nil)
	InjectTraceparent(ctx, req)
	assert.Regexp(t, regexp.MustCompile(`^00-[0-9a-f]{32}-[0-9a-f]{16}-01$`), req.Header.Get("traceparent"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "execute", ended[0].Name())
	assert.Len(t, ended[0].Events(), 1)
}
