package openai

import (
	"errors"

	"github.com/openai/openai-go"

	"github.com/michaelbrown/convo/internal/llm"
)

// classifyError maps SDK and transport failures onto llm.ProviderError.
func classifyError(provider string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		kind, retryable := llm.KindForStatus(apiErr.StatusCode)
		msg := apiErr.Message
		if msg == "" {
			msg = err.Error()
		}
		return &llm.ProviderError{
			Provider:   provider,
			Kind:       kind,
			Retryable:  retryable,
			StatusCode: apiErr.StatusCode,
			Message:    msg,
			Raw:        apiErr.RawJSON(),
			Cause:      err,
		}
	}
	return llm.TransportError(provider, err)
}

func withProvider(err error, provider string) error {
	var ne *llm.NormalizationError
	if errors.As(err, &ne) {
		ne.Provider = provider
	}
	return err
}
