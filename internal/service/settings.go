package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/liliang-cn/docchat/internal/config"
	"github.com/liliang-cn/docchat/internal/domain"
	ragodomain "github.com/liliang-cn/rago/v2/pkg/domain"
	"github.com/liliang-cn/rago/v2/pkg/providers"
	"go.uber.org/zap"
)

// Backends are the embedding and language-model providers selected when
// the credential is configured
type Backends struct {
	Embedder ragodomain.EmbedderProvider
	LLM      ragodomain.LLMProvider
}

// ProviderSettings holds the process-wide provider credential. It starts
// unconfigured and, once configured, stays configured for the life of the
// process.
type ProviderSettings struct {
	mu         sync.RWMutex
	cfg        config.LLMConfig
	factory    ragodomain.ProviderFactory
	logger     *zap.Logger
	credential string
	backends   *Backends
}

// NewProviderSettings creates unconfigured settings. A nil factory selects
// rago's provider factory.
func NewProviderSettings(cfg config.LLMConfig, factory ragodomain.ProviderFactory, logger *zap.Logger) *ProviderSettings {
	if factory == nil {
		factory = providers.NewFactory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CredentialPrefix == "" {
		cfg.CredentialPrefix = "sk-"
	}
	return &ProviderSettings{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
	}
}

// Configure validates the credential and attaches the providers.
// Calling it after a successful configuration is a no-op.
func (s *ProviderSettings) Configure(ctx context.Context, credential string) error {
	// The prefix must open the raw input; only trailing whitespace is dropped
	if !strings.HasPrefix(credential, s.cfg.CredentialPrefix) {
		return domain.ErrInvalidCredential
	}
	credential = strings.TrimRightFunc(credential, unicode.IsSpace)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backends != nil {
		return nil
	}

	providerCfg := &ragodomain.OpenAIProviderConfig{
		BaseURL:        s.cfg.BaseURL,
		APIKey:         credential,
		EmbeddingModel: s.cfg.EmbeddingModel,
		LLMModel:       s.cfg.LLMModel,
	}

	embedder, err := s.factory.CreateEmbedderProvider(ctx, providerCfg)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	llm, err := s.factory.CreateLLMProvider(ctx, providerCfg)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}

	s.credential = credential
	s.backends = &Backends{Embedder: embedder, LLM: llm}

	s.logger.Info("Provider credential configured",
		zap.String("base_url", s.cfg.BaseURL),
		zap.String("embedding_model", s.cfg.EmbeddingModel),
		zap.String("llm_model", s.cfg.LLMModel),
	)
	return nil
}

// Preconfigure applies the credential from configuration, if one is set
func (s *ProviderSettings) Preconfigure(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return nil
	}
	return s.Configure(ctx, s.cfg.APIKey)
}

// State returns the credential phase
func (s *ProviderSettings) State() domain.CredentialState {
	if s.Configured() {
		return domain.CredentialConfigured
	}
	return domain.CredentialUnconfigured
}

// Configured reports whether a credential has been accepted
func (s *ProviderSettings) Configured() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backends != nil
}

// Backends returns the configured providers
func (s *ProviderSettings) Backends() (*Backends, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backends == nil {
		return nil, domain.ErrNotConfigured
	}
	return s.backends, nil
}
