package service

import (
	"sync"
	"time"

	"github.com/liliang-cn/docchat/internal/config"
	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// chatSession is the runtime side of a session. busy serializes user
// actions; mu guards the engine and the stored record.
type chatSession struct {
	busy sync.Mutex

	mu      sync.RWMutex
	record  domain.Session
	engine  *QueryEngine
	limiter *rate.Limiter
}

// SessionManager owns every session's query engine and state
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*chatSession

	repo      *repository.SessionRepository
	settings  *ProviderSettings
	rateLimit config.RateLimitConfig
	logger    *zap.Logger
}

// NewSessionManager creates a session manager
func NewSessionManager(
	repo *repository.SessionRepository,
	settings *ProviderSettings,
	rateLimit config.RateLimitConfig,
	logger *zap.Logger,
) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		sessions:  make(map[string]*chatSession),
		repo:      repo,
		settings:  settings,
		rateLimit: rateLimit,
		logger:    logger,
	}
}

// Create starts a new session awaiting an upload
func (m *SessionManager) Create() (*domain.Session, error) {
	record := domain.Session{State: domain.StateAwaitingUpload}
	if err := m.repo.Create(&record); err != nil {
		return nil, err
	}

	s := m.newChatSession(record)
	m.mu.Lock()
	m.sessions[record.ID] = s
	m.mu.Unlock()

	m.logger.Info("Session created", zap.String("session_id", record.ID))
	return m.snapshot(s), nil
}

// Get returns the current view of a session
func (m *SessionManager) Get(id string) (*domain.Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.snapshot(s), nil
}

// List returns every known session
func (m *SessionManager) List() ([]*domain.Session, error) {
	records, err := m.repo.List()
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Session, 0, len(records))
	for _, r := range records {
		m.mu.Lock()
		s, ok := m.sessions[r.ID]
		m.mu.Unlock()
		if ok {
			out = append(out, m.snapshot(s))
			continue
		}
		r.State = m.phase(nil)
		out = append(out, r)
	}
	return out, nil
}

// Delete closes a session's engine and removes it with its transcript
func (m *SessionManager) Delete(id string) error {
	s, release, err := m.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	// lookup restores from the store under m.mu, so the row and the map
	// entry go together
	m.mu.Lock()
	err = m.repo.Delete(id)
	if err == nil {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()
	m.closeEngine(id, engine)
	return nil
}

// Close releases every session's engine
func (m *SessionManager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*chatSession)
	m.mu.Unlock()

	for id, s := range sessions {
		s.mu.Lock()
		engine := s.engine
		s.engine = nil
		s.mu.Unlock()
		m.closeEngine(id, engine)
	}
}

// IndexedCount returns the number of sessions holding an engine
func (m *SessionManager) IndexedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, s := range m.sessions {
		s.mu.RLock()
		if s.engine != nil {
			n++
		}
		s.mu.RUnlock()
	}
	return n
}

func (m *SessionManager) newChatSession(record domain.Session) *chatSession {
	s := &chatSession{record: record}
	if m.rateLimit.Enabled && m.rateLimit.RequestsPerHour > 0 {
		perSecond := rate.Limit(float64(m.rateLimit.RequestsPerHour) / time.Hour.Seconds())
		s.limiter = rate.NewLimiter(perSecond, m.rateLimit.RequestsPerHour)
	}
	return s
}

// lookup finds a session, restoring it from the store when this process
// has not seen it yet. A restored session has no engine.
func (m *SessionManager) lookup(id string) (*chatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}

	record, err := m.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrNotFound
	}

	record.State = domain.StateAwaitingUpload
	record.DocumentCount = 0
	record.AttemptedCount = 0
	s := m.newChatSession(*record)
	m.sessions[id] = s
	return s, nil
}

// acquire reserves a session for one action. A session already running an
// action is reported busy rather than waited on.
func (m *SessionManager) acquire(id string) (*chatSession, func(), error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	if !s.busy.TryLock() {
		return nil, nil, domain.ErrSessionBusy
	}
	return s, s.busy.Unlock, nil
}

// phase derives the session state from the credential and the engine
func (m *SessionManager) phase(engine *QueryEngine) domain.SessionState {
	switch {
	case !m.settings.Configured():
		return domain.StateUnconfigured
	case engine == nil:
		return domain.StateAwaitingUpload
	default:
		return domain.StateChatting
	}
}

func (m *SessionManager) snapshot(s *chatSession) *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.record
	out.State = m.phase(s.engine)
	if len(s.record.Warnings) > 0 {
		out.Warnings = append([]domain.Warning(nil), s.record.Warnings...)
	}
	return &out
}

// install swaps a new engine into the session and closes the old one
func (m *SessionManager) install(s *chatSession, engine *QueryEngine, report *domain.UploadReport) {
	s.mu.Lock()
	old := s.engine
	s.engine = engine
	s.record.State = domain.StateChatting
	s.record.DocumentCount = report.Documents
	s.record.AttemptedCount = report.Attempted
	s.record.Warnings = report.Warnings
	record := s.record
	s.mu.Unlock()

	m.closeEngine(record.ID, old)

	if err := m.repo.UpdateState(&record); err != nil {
		m.logger.Warn("Failed to persist session state", zap.String("session_id", record.ID), zap.Error(err))
	}
}

// reset discards the session's engine and derived counts
func (m *SessionManager) reset(s *chatSession) {
	s.mu.Lock()
	old := s.engine
	s.engine = nil
	s.record.State = domain.StateAwaitingUpload
	s.record.DocumentCount = 0
	s.record.AttemptedCount = 0
	s.record.Warnings = nil
	record := s.record
	s.mu.Unlock()

	m.closeEngine(record.ID, old)

	if err := m.repo.UpdateState(&record); err != nil {
		m.logger.Warn("Failed to persist session state", zap.String("session_id", record.ID), zap.Error(err))
	}
}

func (m *SessionManager) closeEngine(sessionID string, engine *QueryEngine) {
	if engine == nil {
		return
	}
	if err := engine.Close(); err != nil {
		m.logger.Warn("Failed to close query engine", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *chatSession) currentEngine() *QueryEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

func (s *chatSession) allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}
