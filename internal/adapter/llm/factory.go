package llm

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// EnvMode is the environment variable name for mode selection.
	EnvMode = "TASKAGENT_MODE"
	// ModeMock indicates mock mode should be used.
	ModeMock = "MOCK"
)

// Providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderMock   = "mock"
)

// Config selects and configures a Completer.
type Config struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// NewCompleter creates a Completer for the configured provider.
// TASKAGENT_MODE=MOCK forces the mock client.
func NewCompleter(cfg Config, log *zap.Logger) (Completer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	provider := strings.ToLower(cfg.Provider)
	if os.Getenv(EnvMode) == ModeMock {
		provider = ProviderMock
	}

	switch provider {
	case ProviderMock:
		log.Info("using mock LLM client")
		return NewMockClient(), nil
	case "", ProviderOllama:
		log.Info("using ollama LLM client", zap.String("base_url", cfg.BaseURL), zap.String("model", cfg.Model))
		return NewOllamaClient(cfg.BaseURL, cfg.Model, cfg.Temperature, cfg.Timeout), nil
	case ProviderOpenAI:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("LLM_BASE_URL is required for provider %q", provider)
		}
		log.Info("using OpenAI-compatible LLM client", zap.String("base_url", cfg.BaseURL), zap.String("model", cfg.Model))
		return NewClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Temperature, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
