package providers

import (
	"testing"

	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/llm"
)

func TestAnthropicFactoryRejectsMissingAPIKey(t *testing.T) {
	factory := NewAnthropicFactory(AnthropicConfig{})
	_, err := factory("claude-sonnet-4", llm.Params{})
	if !nexuserrors.Is(err, nexuserrors.Configuration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestOpenAIFactoryRejectsMissingAPIKey(t *testing.T) {
	factory := NewOpenAIFactory(OpenAIConfig{})
	_, err := factory("gpt-4o", llm.Params{})
	if !nexuserrors.Is(err, nexuserrors.Configuration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestOllamaFactoryDefaultsBaseURLAndAPIKey(t *testing.T) {
	factory := NewOllamaFactory(OllamaConfigStub())
	gw, err := factory("llama3", llm.Params{MaxTokens: 512})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.Name() != "ollama" {
		t.Fatalf("got name %q", gw.Name())
	}
}

func TestIsRetryableErrorRecognizesRateLimit(t *testing.T) {
	if !isRetryableError(errString("rate limit exceeded")) {
		t.Fatal("expected rate-limit errors to be retryable")
	}
	if isRetryableError(errString("invalid api key")) {
		t.Fatal("expected auth errors not to be retryable")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

// OllamaConfigStub returns an empty OpenAIConfig, exercising NewOllamaFactory's
// defaulting of BaseURL and APIKey.
func OllamaConfigStub() OpenAIConfig { return OpenAIConfig{} }
