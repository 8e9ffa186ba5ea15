package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestTracerProviderExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	tp, err := NewTracerProvider("sparkbridge-test", "test", &buf)
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "session.Acquire", AttrSessionID.String("s1"))
	AddEvent(ctx, "constructed", AttrAttempt.Int(1))
	End(span, errors.New("boom"))

	require.NoError(t, tp.Shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "session.Acquire")
	assert.Contains(t, out, "sparkbridge.session.id")
	assert.Contains(t, out, "boom")
}

func TestNilProviderShutdown(t *testing.T) {
	var tp *TracerProvider
	assert.NoError(t, tp.Shutdown(context.Background()))
}
