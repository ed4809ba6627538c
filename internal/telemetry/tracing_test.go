package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"strips http prefix", "http://localhost:4318", "localhost:4318"},
		{"strips https prefix", "https://otel.example.com:4318", "otel.example.com:4318"},
		{"returns unchanged when no scheme", "localhost:4318", "localhost:4318"},
		{"handles empty string", "", ""},
		{"strips trailing slash from http URL", "http://localhost:4318/", "localhost:4318"},
		{"strips multiple trailing slashes", "http://localhost:4318///", "localhost:4318"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, endpointHost(tt.input))
		})
	}
}

func TestTracerIsNonNilWithoutEndpoint(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test.span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	End(span, nil)
}

func TestEndRecordsError(t *testing.T) {
	_, span := StartSpan(context.Background(), "test.span.error")
	End(span, assertErr("boom"))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
