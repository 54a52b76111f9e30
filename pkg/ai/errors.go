package ai

import (
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrMissingAPIKey is returned before any network call when no provider credential was configured.
	ErrMissingAPIKey = errors.New("provider api key is not configured")
	// ErrEmptyCompletion indicates the provider answered without any choices.
	ErrEmptyCompletion = errors.New("provider returned no completion choices")
)

// ProviderError reports a non-success HTTP status from the completion endpoint.
type ProviderError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider api error: %d", e.StatusCode)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// RateLimited reports whether the provider throttled the request.
func (e *ProviderError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Unauthorized reports whether the provider rejected the configured credential.
func (e *ProviderError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

func asProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &ProviderError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &ProviderError{StatusCode: reqErr.HTTPStatusCode, Body: string(reqErr.Body), Err: err}
	}

	return fmt.Errorf("provider request: %w", err)
}
