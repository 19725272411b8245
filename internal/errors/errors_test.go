package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		result TransportResult
		want   ErrorCode
	}{
		{"timeout", TransportResult{Timeout: true}, CodeNetwork},
		{"no response", TransportResult{NoResponse: true}, CodeNetwork},
		{"rate limited", TransportResult{StatusCode: http.StatusTooManyRequests}, CodeRateLimited},
		{"not found", TransportResult{StatusCode: http.StatusNotFound}, CodeNotFound},
		{"unauthorized", TransportResult{StatusCode: http.StatusUnauthorized}, CodeAuthentication},
		{"bad gateway", TransportResult{StatusCode: http.StatusBadGateway}, CodeUpstreamUnavailable},
		{"internal error", TransportResult{StatusCode: http.StatusInternalServerError}, CodeUpstreamUnavailable},
		{"bad request", TransportResult{StatusCode: http.StatusBadRequest}, CodeUpstreamUnavailable},
		{"unparseable body", TransportResult{StatusCode: http.StatusOK, ParseFailed: true}, CodeMalformedResponse},
		{"status wins over parse", TransportResult{StatusCode: http.StatusServiceUnavailable, ParseFailed: true}, CodeUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.result)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Code)
		})
	}
}

func TestClassifySuccess(t *testing.T) {
	if got := Classify(TransportResult{StatusCode: http.StatusOK}); got != nil {
		t.Fatalf("Classify(200) = %v, want nil", got)
	}
}

func TestMessagesAreDistinctPerKind(t *testing.T) {
	errs := []*ServiceError{
		Network("CoinGecko", nil),
		UpstreamUnavailable("CoinGecko", 503),
		RateLimited("CoinGecko"),
		NotFound("coin", "doge"),
		Malformed("CoinGecko", "current_price", "missing"),
		InvalidAPIKey("OpenRouter"),
		Validation("amount", "Amount must be greater than zero."),
	}

	seen := make(map[string]ErrorCode)
	for _, e := range errs {
		if prev, ok := seen[e.Message]; ok {
			t.Fatalf("message %q shared by %s and %s", e.Message, prev, e.Code)
		}
		seen[e.Message] = e.Code
	}
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(stderrors.New("connection refused")))
	assert.False(t, IsTimeout(nil))
}

func TestGetServiceErrorThroughWrapping(t *testing.T) {
	base := NotFound("coin", "pepe")
	wrapped := fmt.Errorf("fetch detail: %w", base)

	se := GetServiceError(wrapped)
	require.NotNil(t, se)
	assert.Equal(t, CodeNotFound, se.Code)
	assert.Equal(t, "Coin not found.", Message(wrapped))
	assert.True(t, HasCode(wrapped, CodeNotFound))
	assert.True(t, stderrors.Is(wrapped, &ServiceError{Code: CodeNotFound}))
	assert.Equal(t, CodeInternal, CodeOf(stderrors.New("plain")))
}
