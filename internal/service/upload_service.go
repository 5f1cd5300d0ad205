package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/liliang-cn/docchat/internal/archive"
	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/extract"
	"github.com/liliang-cn/docchat/internal/metrics"
	"github.com/liliang-cn/docchat/internal/repository"
	"go.uber.org/zap"
)

// UploadService runs the upload cycle: archive intake, extraction and
// index construction
type UploadService struct {
	sessions    *SessionManager
	settings    *ProviderSettings
	dispatcher  *extract.Dispatcher
	builder     *IndexBuilder
	uploadRepo  *repository.UploadRepository
	archiveOpts archive.Options
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// NewUploadService creates a new upload service
func NewUploadService(
	sessions *SessionManager,
	settings *ProviderSettings,
	dispatcher *extract.Dispatcher,
	builder *IndexBuilder,
	uploadRepo *repository.UploadRepository,
	archiveOpts archive.Options,
	logger *zap.Logger,
	m *metrics.Metrics,
) *UploadService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadService{
		sessions:    sessions,
		settings:    settings,
		dispatcher:  dispatcher,
		builder:     builder,
		uploadRepo:  uploadRepo,
		archiveOpts: archiveOpts,
		logger:      logger,
		metrics:     m,
	}
}

// Upload replaces the session's index with one built from the archive in r.
// On any error the session keeps its previous state.
func (s *UploadService) Upload(ctx context.Context, sessionID string, r io.Reader, reporter extract.Reporter) (*domain.UploadReport, error) {
	sess, release, err := s.sessions.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	report, engine, err := s.process(ctx, r, reporter)
	if err != nil {
		s.metrics.ObserveUpload(uploadOutcome(err))
		s.logger.Warn("Upload failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}

	s.sessions.install(sess, engine, report)
	s.metrics.ObserveUpload(metrics.OutcomeSuccess)

	record := &domain.UploadRecord{
		SessionID: sessionID,
		Attempted: report.Attempted,
		Processed: report.Processed,
		Documents: report.Documents,
		Chunks:    report.Chunks,
		Warnings:  report.Warnings,
	}
	if err := s.uploadRepo.Create(record); err != nil {
		s.logger.Warn("Failed to record upload", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.logger.Info("Upload processed",
		zap.String("session_id", sessionID),
		zap.Int("attempted", report.Attempted),
		zap.Int("processed", report.Processed),
		zap.Int("documents", report.Documents),
		zap.Int("chunks", report.Chunks),
		zap.Int("warnings", len(report.Warnings)),
	)
	return report, nil
}

func (s *UploadService) process(ctx context.Context, r io.Reader, reporter extract.Reporter) (*domain.UploadReport, *QueryEngine, error) {
	if !s.settings.Configured() {
		return nil, nil, domain.ErrNotConfigured
	}

	ws, err := archive.Open(ctx, r, s.archiveOpts)
	if err != nil {
		return nil, nil, err
	}
	defer ws.Close()

	result, err := s.dispatcher.Run(ctx, ws.Dir, reporter)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range result.Files {
		outcome := metrics.OutcomeSuccess
		if f.Err != nil {
			outcome = metrics.OutcomeSkipped
		}
		s.metrics.ObserveFile(f.Format.String(), outcome)
	}

	if result.Attempted == 0 {
		return nil, nil, domain.ErrNoDocuments
	}
	if len(result.Documents) == 0 {
		return nil, nil, fmt.Errorf("%w: none of %d files could be read", domain.ErrNoDocuments, result.Attempted)
	}

	engine, err := s.builder.Build(ctx, result.Documents, nil)
	if err != nil {
		return nil, nil, err
	}

	return &domain.UploadReport{
		Documents: len(result.Documents),
		Attempted: result.Attempted,
		Processed: result.Processed,
		Chunks:    engine.Chunks(),
		Warnings:  result.Warnings,
	}, engine, nil
}

func uploadOutcome(err error) string {
	if errors.Is(err, domain.ErrNoDocuments) {
		return metrics.OutcomeEmpty
	}
	return metrics.OutcomeFailure
}
