package service

import (
	"context"
	"strings"

	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/metrics"
	"github.com/liliang-cn/docchat/internal/repository"
	"go.uber.org/zap"
)

// ChatService answers questions against a session's index and keeps the
// transcript
type ChatService struct {
	sessions    *SessionManager
	settings    *ProviderSettings
	sessionRepo *repository.SessionRepository
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewChatService creates a new chat service
func NewChatService(
	sessions *SessionManager,
	settings *ProviderSettings,
	sessionRepo *repository.SessionRepository,
	logger *zap.Logger,
	m *metrics.Metrics,
) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		sessions:    sessions,
		settings:    settings,
		sessionRepo: sessionRepo,
		logger:      logger,
		metrics:     m,
	}
}

// Ask answers a question and appends it to the transcript. A blank
// question returns domain.ErrEmptyQuestion and changes nothing.
func (s *ChatService) Ask(ctx context.Context, sessionID, question string) (*domain.ChatEntry, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.ErrEmptyQuestion
	}

	sess, release, err := s.sessions.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	if !s.settings.Configured() {
		return nil, domain.ErrNotConfigured
	}

	engine := sess.currentEngine()
	if engine == nil {
		return nil, domain.ErrNoIndex
	}

	if !sess.allow() {
		s.metrics.ObserveQuestion(metrics.OutcomeLimited)
		return nil, domain.ErrRateLimited
	}

	answer, err := engine.Query(ctx, question)
	if err != nil {
		s.metrics.ObserveQuestion(metrics.OutcomeFailure)
		s.logger.Error("Query failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	entry := &domain.ChatEntry{
		SessionID: sessionID,
		Question:  question,
		Answer:    answer.Text,
		Sources:   answer.Sources,
	}
	if err := s.sessionRepo.AppendEntry(entry); err != nil {
		s.metrics.ObserveQuestion(metrics.OutcomeFailure)
		return nil, err
	}

	s.metrics.ObserveQuestion(metrics.OutcomeSuccess)
	s.logger.Info("Question answered",
		zap.String("session_id", sessionID),
		zap.Int("seq", entry.Seq),
		zap.Int("sources", len(entry.Sources)),
	)
	return entry, nil
}

// Transcript returns the session's question and answer pairs, newest first
func (s *ChatService) Transcript(sessionID string) ([]*domain.ChatEntry, error) {
	if _, err := s.sessions.lookup(sessionID); err != nil {
		return nil, err
	}
	return s.sessionRepo.ListEntries(sessionID, true)
}

// Reload discards the session's index so a new archive can be uploaded.
// The credential and the transcript are kept.
func (s *ChatService) Reload(sessionID string) (*domain.Session, error) {
	sess, release, err := s.sessions.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	s.sessions.reset(sess)
	s.logger.Info("Session reloaded", zap.String("session_id", sessionID))
	return s.sessions.snapshot(sess), nil
}
