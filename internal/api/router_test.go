package api

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/docchat/internal/archive"
	"github.com/liliang-cn/docchat/internal/config"
	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/extract"
	"github.com/liliang-cn/docchat/internal/metrics"
	"github.com/liliang-cn/docchat/internal/repository"
	"github.com/liliang-cn/docchat/internal/service"
	ragodomain "github.com/liliang-cn/rago/v2/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errUnsupported = errors.New("unsupported")

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return []float64{1}, nil
}
func (stubEmbedder) ProviderType() ragodomain.ProviderType { return ragodomain.ProviderOpenAI }
func (stubEmbedder) Health(ctx context.Context) error      { return nil }

type stubLLM struct{}

func (stubLLM) Generate(ctx context.Context, prompt string, opts *ragodomain.GenerationOptions) (string, error) {
	return "The answer.", nil
}
func (stubLLM) Stream(ctx context.Context, prompt string, opts *ragodomain.GenerationOptions, callback func(string)) error {
	callback("The answer.")
	return nil
}
func (stubLLM) GenerateWithTools(ctx context.Context, messages []ragodomain.Message, tools []ragodomain.ToolDefinition, opts *ragodomain.GenerationOptions) (*ragodomain.GenerationResult, error) {
	return nil, errUnsupported
}
func (stubLLM) StreamWithTools(ctx context.Context, messages []ragodomain.Message, tools []ragodomain.ToolDefinition, opts *ragodomain.GenerationOptions, callback ragodomain.ToolCallCallback) error {
	return errUnsupported
}
func (stubLLM) GenerateStructured(ctx context.Context, prompt string, schema interface{}, opts *ragodomain.GenerationOptions) (*ragodomain.StructuredResult, error) {
	return nil, errUnsupported
}
func (stubLLM) RecognizeIntent(ctx context.Context, request string) (*ragodomain.IntentResult, error) {
	return nil, errUnsupported
}
func (stubLLM) ProviderType() ragodomain.ProviderType { return ragodomain.ProviderOpenAI }
func (stubLLM) Health(ctx context.Context) error      { return nil }
func (stubLLM) ExtractMetadata(ctx context.Context, content string, model string) (*ragodomain.ExtractedMetadata, error) {
	return nil, errUnsupported
}

type stubProviders struct{}

func (stubProviders) CreateLLMProvider(ctx context.Context, cfg interface{}) (ragodomain.LLMProvider, error) {
	return stubLLM{}, nil
}
func (stubProviders) CreateEmbedderProvider(ctx context.Context, cfg interface{}) (ragodomain.EmbedderProvider, error) {
	return stubEmbedder{}, nil
}

// panicMarker makes memoryIndex panic on ingest
const panicMarker = "<<panic>>"

// memoryIndex returns every ingested document as a search hit
type memoryIndex struct {
	mu   sync.Mutex
	docs []domain.Document
}

func (i *memoryIndex) Ingest(ctx context.Context, doc domain.Document) (int, error) {
	if strings.Contains(doc.Text, panicMarker) {
		panic("index corrupted")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.docs = append(i.docs, doc)
	return 1, nil
}

func (i *memoryIndex) Search(ctx context.Context, vector []float64, topK int) ([]ragodomain.Chunk, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []ragodomain.Chunk
	for _, d := range i.docs {
		out = append(out, ragodomain.Chunk{
			Content:  d.Text,
			Metadata: map[string]interface{}{domain.MetadataKeyFileName: d.FileName()},
		})
	}
	return out, nil
}

func (i *memoryIndex) Close() error { return nil }

type testServer struct {
	router *gin.Engine
	m      *metrics.Metrics
}

func newTestServer(t *testing.T, adminKey string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := repository.NewDB(repository.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	logger := zap.NewNop()
	m := metrics.New()

	sessionRepo := repository.NewSessionRepository(db)
	uploadRepo := repository.NewUploadRepository(db)
	settings := service.NewProviderSettings(cfg.LLM, stubProviders{}, logger)
	sessions := service.NewSessionManager(sessionRepo, settings, cfg.RateLimit, logger)
	t.Cleanup(sessions.Close)

	indexFactory := func(ctx context.Context, dir string, backends *service.Backends) (service.Index, error) {
		return &memoryIndex{}, nil
	}
	builder := service.NewIndexBuilder(cfg.RAG, t.TempDir(), settings, indexFactory, logger, m)

	svc := Services{
		Settings: settings,
		Sessions: sessions,
		Upload: service.NewUploadService(sessions, settings, extract.NewDispatcher(logger), builder,
			uploadRepo, archive.Options{TempDir: t.TempDir()}, logger, m),
		Chat:  service.NewChatService(sessions, settings, sessionRepo, logger, m),
		Admin: service.NewAdminService(sessions, settings, sessionRepo, uploadRepo),
	}

	return &testServer{
		router: SetupRouter(svc, m, logger, RouterConfig{APIKey: adminKey, AllowOrigins: []string{"*"}}),
		m:      m,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) createSession(t *testing.T) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var session domain.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	return session.ID
}

func (s *testServer) configure(t *testing.T) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/settings/credential", domain.CredentialRequest{APIKey: "sk-validlookingkey"})
	require.Equal(t, http.StatusOK, w.Code)
}

func uploadRequest(t *testing.T, url, filename string, files map[string]string) *http.Request {
	t.Helper()
	var archiveBuf bytes.Buffer
	zw := zip.NewWriter(&archiveBuf)
	for name, content := range files {
		fw, err := zw.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(archiveBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

var sampleFiles = map[string]string{
	"notes.txt":   "The launch is planned for March.",
	"broken.pptx": "not a presentation",
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t, "")
	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRouter_IndexPage(t *testing.T) {
	s := newTestServer(t, "")
	w := s.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "<title>DocChat</title>")
}

func TestRouter_Credential(t *testing.T) {
	s := newTestServer(t, "")

	w := s.do(t, http.MethodGet, "/api/settings", nil)
	assert.JSONEq(t, `{"configured":false,"state":"unconfigured"}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/settings/credential", domain.CredentialRequest{APIKey: "abc123"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "sk-")

	s.configure(t)
	w = s.do(t, http.MethodGet, "/api/settings", nil)
	assert.JSONEq(t, `{"configured":true,"state":"configured"}`, w.Body.String())
}

func TestRouter_SessionLifecycle(t *testing.T) {
	s := newTestServer(t, "")
	id := s.createSession(t)

	// Nothing is accepted before the credential is set
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, uploadRequest(t, "/api/sessions/"+id+"/upload", "docs.zip", sampleFiles))
	assert.Equal(t, http.StatusConflict, w.Code)

	s.configure(t)

	w = s.do(t, http.MethodPost, "/api/sessions/"+id+"/questions", domain.AskRequest{Question: "When?"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, uploadRequest(t, "/api/sessions/"+id+"/upload", "docs.zip", sampleFiles))
	require.Equal(t, http.StatusOK, w.Code)
	var report domain.UploadReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, report.Warnings, 1)

	w = s.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	var session domain.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, domain.StateChatting, session.State)
	assert.Equal(t, 1, session.DocumentCount)

	w = s.do(t, http.MethodPost, "/api/sessions/"+id+"/questions", domain.AskRequest{Question: "  "})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/sessions/"+id+"/questions", domain.AskRequest{Question: "When is the launch?"})
	require.Equal(t, http.StatusOK, w.Code)
	var entry domain.ChatEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.Equal(t, "The answer.", entry.Answer)
	require.Len(t, entry.Sources, 1)
	assert.Equal(t, "notes.txt", entry.Sources[0].FileName)

	w = s.do(t, http.MethodGet, "/api/sessions/"+id+"/transcript", nil)
	var transcript struct {
		Entries []domain.ChatEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &transcript))
	require.Len(t, transcript.Entries, 1)
	assert.Equal(t, "When is the launch?", transcript.Entries[0].Question)

	w = s.do(t, http.MethodPost, "/api/sessions/"+id+"/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, domain.StateAwaitingUpload, session.State)
}

func TestRouter_UploadErrors(t *testing.T) {
	s := newTestServer(t, "")
	s.configure(t)
	id := s.createSession(t)

	tests := []struct {
		name     string
		filename string
		files    map[string]string
		want     int
	}{
		{"not a zip name", "docs.tar", sampleFiles, http.StatusBadRequest},
		{"no recognized files", "docs.zip", map[string]string{"photo.jpg": "x"}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, uploadRequest(t, "/api/sessions/"+id+"/upload", tt.filename, tt.files))
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := s.do(t, http.MethodPost, "/api/sessions/"+id+"/upload", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_UploadStream(t *testing.T) {
	s := newTestServer(t, "")
	s.configure(t)
	id := s.createSession(t)

	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	req := uploadRequest(t, srv.URL+"/api/sessions/"+id+"/upload/stream", "docs.zip", sampleFiles)
	req.RequestURI = ""
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event:"); ok {
			names = append(names, strings.TrimSpace(name))
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"progress", "warning", "progress", "done"}, names)
}

func TestRouter_UploadStreamRecoversPanic(t *testing.T) {
	s := newTestServer(t, "")
	s.configure(t)
	id := s.createSession(t)

	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	req := uploadRequest(t, srv.URL+"/api/sessions/"+id+"/upload/stream", "docs.zip", map[string]string{
		"notes.txt": "Contents " + panicMarker,
	})
	req.RequestURI = ""
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var names, data []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			names = append(names, strings.TrimSpace(name))
		}
		if d, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, d)
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{"progress", "error"}, names)
	require.Len(t, data, 2)
	assert.Contains(t, data[1], `"status":500`)

	// The session lock was released and the server still answers
	w := s.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_Admin(t *testing.T) {
	s := newTestServer(t, "secret")
	s.createSession(t)

	w := s.do(t, http.MethodGet, "/api/admin/stats", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var stats domain.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalSessions)
	assert.False(t, stats.Configured)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sessions"`)
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t, "")
	s.do(t, http.MethodGet, "/health", nil)

	w := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `docchat_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestRouter_CORSPreflight(t *testing.T) {
	s := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
