package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/liliang-cn/docchat/internal/config"
	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/repository"
	ragodomain "github.com/liliang-cn/rago/v2/pkg/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errNotSupported = errors.New("not supported")

type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float64{float64(len(text)), 1}, nil
}

func (e *fakeEmbedder) ProviderType() ragodomain.ProviderType { return ragodomain.ProviderOpenAI }

func (e *fakeEmbedder) Health(ctx context.Context) error { return nil }

// fakeLLM answers every prompt with "answer-N", N counting calls from 1
type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (l *fakeLLM) Generate(ctx context.Context, prompt string, opts *ragodomain.GenerationOptions) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.prompts = append(l.prompts, prompt)
	return fmt.Sprintf("answer-%d", len(l.prompts)), nil
}

func (l *fakeLLM) calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.prompts...)
}

func (l *fakeLLM) Stream(ctx context.Context, prompt string, opts *ragodomain.GenerationOptions, callback func(string)) error {
	out, err := l.Generate(ctx, prompt, opts)
	if err != nil {
		return err
	}
	callback(out)
	return nil
}

func (l *fakeLLM) GenerateWithTools(ctx context.Context, messages []ragodomain.Message, tools []ragodomain.ToolDefinition, opts *ragodomain.GenerationOptions) (*ragodomain.GenerationResult, error) {
	return nil, errNotSupported
}

func (l *fakeLLM) StreamWithTools(ctx context.Context, messages []ragodomain.Message, tools []ragodomain.ToolDefinition, opts *ragodomain.GenerationOptions, callback ragodomain.ToolCallCallback) error {
	return errNotSupported
}

func (l *fakeLLM) GenerateStructured(ctx context.Context, prompt string, schema interface{}, opts *ragodomain.GenerationOptions) (*ragodomain.StructuredResult, error) {
	return nil, errNotSupported
}

func (l *fakeLLM) RecognizeIntent(ctx context.Context, request string) (*ragodomain.IntentResult, error) {
	return nil, errNotSupported
}

func (l *fakeLLM) ProviderType() ragodomain.ProviderType { return ragodomain.ProviderOpenAI }

func (l *fakeLLM) Health(ctx context.Context) error { return nil }

func (l *fakeLLM) ExtractMetadata(ctx context.Context, content string, model string) (*ragodomain.ExtractedMetadata, error) {
	return nil, errNotSupported
}

// fakeProviderFactory hands out the same fake providers on every call
type fakeProviderFactory struct {
	embedder *fakeEmbedder
	llm      *fakeLLM
	configs  []*ragodomain.OpenAIProviderConfig
	err      error
}

func newFakeProviderFactory() *fakeProviderFactory {
	return &fakeProviderFactory{embedder: &fakeEmbedder{}, llm: &fakeLLM{}}
}

func (f *fakeProviderFactory) CreateLLMProvider(ctx context.Context, cfg interface{}) (ragodomain.LLMProvider, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.llm, nil
}

func (f *fakeProviderFactory) CreateEmbedderProvider(ctx context.Context, cfg interface{}) (ragodomain.EmbedderProvider, error) {
	if f.err != nil {
		return nil, f.err
	}
	if c, ok := cfg.(*ragodomain.OpenAIProviderConfig); ok {
		f.configs = append(f.configs, c)
	}
	return f.embedder, nil
}

// fakeIndex stores one chunk per ingested document
type fakeIndex struct {
	mu        sync.Mutex
	docs      []domain.Document
	results   []ragodomain.Chunk
	ingestErr error
	closed    int
}

func (i *fakeIndex) Ingest(ctx context.Context, doc domain.Document) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ingestErr != nil {
		return 0, i.ingestErr
	}
	i.docs = append(i.docs, doc)
	return 1, nil
}

func (i *fakeIndex) Search(ctx context.Context, vector []float64, topK int) ([]ragodomain.Chunk, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.results != nil {
		return i.results, nil
	}
	var out []ragodomain.Chunk
	for n, d := range i.docs {
		if n == topK {
			break
		}
		out = append(out, ragodomain.Chunk{
			Content:  d.Text,
			Metadata: map[string]interface{}{domain.MetadataKeyFileName: d.FileName()},
			Score:    1,
		})
	}
	return out, nil
}

func (i *fakeIndex) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed++
	return nil
}

func (i *fakeIndex) closeCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// fakeIndexes records every index the builder opens
type fakeIndexes struct {
	mu        sync.Mutex
	opened    []*fakeIndex
	ingestErr error
	openErr   error
}

func (f *fakeIndexes) factory() IndexFactory {
	return func(ctx context.Context, dir string, backends *Backends) (Index, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.openErr != nil {
			return nil, f.openErr
		}
		idx := &fakeIndex{ingestErr: f.ingestErr}
		f.opened = append(f.opened, idx)
		return idx, nil
	}
}

func (f *fakeIndexes) last() *fakeIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		return nil
	}
	return f.opened[len(f.opened)-1]
}

// testEnv wires the services against fakes and an in-memory store
type testEnv struct {
	cfg        *config.Config
	providers  *fakeProviderFactory
	indexes    *fakeIndexes
	indexDir   string
	settings   *ProviderSettings
	repo       *repository.SessionRepository
	uploadRepo *repository.UploadRepository
	sessions   *SessionManager
	builder    *IndexBuilder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := repository.NewDB(repository.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	logger := zap.NewNop()

	env := &testEnv{
		cfg:        cfg,
		providers:  newFakeProviderFactory(),
		indexes:    &fakeIndexes{},
		indexDir:   t.TempDir(),
		repo:       repository.NewSessionRepository(db),
		uploadRepo: repository.NewUploadRepository(db),
	}
	env.settings = NewProviderSettings(cfg.LLM, env.providers, logger)
	env.sessions = NewSessionManager(env.repo, env.settings, cfg.RateLimit, logger)
	t.Cleanup(env.sessions.Close)
	env.builder = NewIndexBuilder(cfg.RAG, env.indexDir, env.settings, env.indexes.factory(), logger, nil)
	return env
}

func (e *testEnv) configure(t *testing.T) {
	t.Helper()
	require.NoError(t, e.settings.Configure(context.Background(), "sk-validlookingkey"))
}

func (e *testEnv) engine(t *testing.T, texts ...string) *QueryEngine {
	t.Helper()
	docs := make([]domain.Document, len(texts))
	for i, text := range texts {
		docs[i] = domain.NewDocument(text, map[string]any{domain.MetadataKeyFileName: fmt.Sprintf("doc%d.txt", i+1)})
	}
	engine, err := e.builder.Build(context.Background(), docs, nil)
	require.NoError(t, err)
	return engine
}

func entries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	list, err := os.ReadDir(dir)
	require.NoError(t, err)
	return list
}

// zipArchive builds an in-memory ZIP archive from name/content pairs
func zipArchive(t *testing.T, files map[string]string) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return bytes.NewReader(buf.Bytes())
}
