package service

import (
	"context"

	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/repository"
)

// AdminService handles admin operations
type AdminService struct {
	sessions    *SessionManager
	settings    *ProviderSettings
	sessionRepo *repository.SessionRepository
	uploadRepo  *repository.UploadRepository
}

// NewAdminService creates a new admin service
func NewAdminService(
	sessions *SessionManager,
	settings *ProviderSettings,
	sessionRepo *repository.SessionRepository,
	uploadRepo *repository.UploadRepository,
) *AdminService {
	return &AdminService{
		sessions:    sessions,
		settings:    settings,
		sessionRepo: sessionRepo,
		uploadRepo:  uploadRepo,
	}
}

// Session operations

func (s *AdminService) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.sessions.List()
}

func (s *AdminService) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return s.sessions.Get(id)
}

func (s *AdminService) DeleteSession(ctx context.Context, id string) error {
	return s.sessions.Delete(id)
}

// Upload history

func (s *AdminService) ListUploads(ctx context.Context, sessionID string) ([]*domain.UploadRecord, error) {
	if _, err := s.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	return s.uploadRepo.ListBySession(sessionID)
}

// Stats

func (s *AdminService) GetStats(ctx context.Context) (*domain.Stats, error) {
	sessions, err := s.sessionRepo.Count()
	if err != nil {
		return nil, err
	}
	questions, err := s.sessionRepo.CountAllEntries()
	if err != nil {
		return nil, err
	}
	uploads, err := s.uploadRepo.Count()
	if err != nil {
		return nil, err
	}

	return &domain.Stats{
		TotalSessions:   sessions,
		IndexedSessions: s.sessions.IndexedCount(),
		TotalQuestions:  questions,
		TotalUploads:    uploads,
		Configured:      s.settings.Configured(),
	}, nil
}
