// Package provider builds the OpenAI API client shared by the credential
// minter and the recall embedder, and classifies its errors for the circuit
// breakers that guard both.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voicecoach/internal/resilience"
)

// Options configures [NewOpenAI].
type Options struct {
	APIKey  string
	BaseURL string

	// Timeout bounds each HTTP request. Zero keeps the client default.
	Timeout time.Duration

	// MaxRetries overrides the SDK's retry count. Negative keeps the default.
	MaxRetries int

	// HTTPClient replaces the transport, mainly for tests.
	HTTPClient *http.Client
}

// NewOpenAI constructs an API client from opts.
func NewOpenAI(opts Options) oai.Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	switch {
	case opts.HTTPClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	case opts.Timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: opts.Timeout}))
	}
	if opts.MaxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(opts.MaxRetries))
	}
	return oai.NewClient(reqOpts...)
}

// IsFailure reports whether err says something about the provider's health:
// a 5xx response or a transport error. Client errors (4xx) and
// cancellation by the caller do not count.
func IsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

// StatusCode extracts the upstream HTTP status from err, or 0.
func StatusCode(err error) int {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// NewBreaker returns a circuit breaker named name that trips on
// [IsFailure] errors and logs its state changes.
func NewBreaker(name string, maxFailures int, resetTimeout time.Duration) *resilience.CircuitBreaker {
	return resilience.New(resilience.Config{
		Name:         name,
		MaxFailures:  maxFailures,
		ResetTimeout: resetTimeout,
		IsFailure:    IsFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}
