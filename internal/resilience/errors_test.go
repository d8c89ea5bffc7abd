package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"source unavailable", SourceUnavailable("count_rows", errors.New("down")), true},
		{"external call failure", ExternalCallFailure("submit", errors.New("502")), true},
		{"schema mismatch", SchemaMismatch("latest", errors.New("no column")), false},
		{"configuration missing", ConfigurationMissing("load", errors.New("dsn")), false},
		{"malformed payload", MalformedPayload("submit", errors.New("422")), false},
		{"fatal kind wrapping network error", SchemaMismatch("q", syscall.ECONNRESET), false},
		{"wrapped retryable", fmt.Errorf("outer: %w", SourceUnavailable("q", errors.New("x"))), true},
		{"circuit open", ErrCircuitOpen, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"econnrefused", syscall.ECONNREFUSED, true},
		{"connection reset text", errors.New("read tcp: connection reset by peer"), true},
		{"i/o timeout text", errors.New("dial tcp 10.0.0.1:5432: i/o timeout"), true},
		{"plain", errors.New("something else"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindSchemaMismatch, KindOf(SchemaMismatch("q", nil)))
	assert.Equal(t, Kind(0), KindOf(errors.New("plain")))
	assert.Equal(t, KindSourceUnavailable, KindOf(fmt.Errorf("ctx: %w", SourceUnavailable("q", nil))))
	assert.True(t, IsKind(ConfigurationMissing("load", nil), KindConfigurationMissing))
}

func TestError_Message(t *testing.T) {
	err := SourceUnavailable("count_rows", errors.New("connection refused"))
	assert.Equal(t, "count_rows: source_unavailable: connection refused", err.Error())
	assert.Equal(t, "load: configuration_missing", ConfigurationMissing("load", nil).Error())

	inner := errors.New("root")
	assert.True(t, errors.Is(ExternalCallFailure("x", inner), inner))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "source_unavailable", KindSourceUnavailable.String())
	assert.Equal(t, "schema_mismatch", KindSchemaMismatch.String())
	assert.Equal(t, "external_call_failure", KindExternalCallFailure.String())
	assert.Equal(t, "configuration_missing", KindConfigurationMissing.String())
	assert.Equal(t, "malformed_payload", KindMalformedPayload.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "code %d", code)
	}
	for _, code := range []int{200, 400, 401, 404, 422, 501} {
		assert.False(t, IsTransientHTTPStatus(code), "code %d", code)
	}
}
