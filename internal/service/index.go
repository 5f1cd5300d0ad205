package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/liliang-cn/docchat/internal/config"
	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/metrics"
	ragodomain "github.com/liliang-cn/rago/v2/pkg/domain"
	"github.com/liliang-cn/rago/v2/pkg/rag/chunker"
	"github.com/liliang-cn/rago/v2/pkg/rag/store"
	"go.uber.org/zap"
)

// Index is a vector index over the chunks of one upload
type Index interface {
	// Ingest chunks and embeds a document, returning the number of chunks stored
	Ingest(ctx context.Context, doc domain.Document) (int, error)
	Search(ctx context.Context, vector []float64, topK int) ([]ragodomain.Chunk, error)
	Close() error
}

// IndexFactory opens a new, empty index whose files live under dir
type IndexFactory func(ctx context.Context, dir string, backends *Backends) (Index, error)

// RagoIndexFactory returns an IndexFactory backed by rago's vector stores.
// Only the embedder is used; nothing in the index calls the LLM.
func RagoIndexFactory(cfg config.RAGConfig) IndexFactory {
	return func(ctx context.Context, dir string, backends *Backends) (Index, error) {
		// Documents always live in the local sqvect file, vectors too unless
		// an external store is configured
		sqlite, err := store.NewSQLiteStore(filepath.Join(dir, "index.db"), cfg.IndexType)
		if err != nil {
			return nil, fmt.Errorf("failed to open index store: %w", err)
		}

		index := &ragoIndex{
			vectors:      sqlite,
			documents:    store.NewDocumentStore(sqlite.GetSqvectStore()),
			embedder:     backends.Embedder,
			chunker:      chunker.New(),
			chunkSize:    cfg.ChunkSize,
			chunkOverlap: cfg.ChunkOverlap,
			closers:      []func() error{sqlite.Close},
		}

		if cfg.VectorStore == "qdrant" {
			params := make(map[string]interface{}, len(cfg.VectorStoreParams)+1)
			for k, v := range cfg.VectorStoreParams {
				params[k] = v
			}
			// One collection per index keeps sessions apart
			params["collection"] = "docchat_" + strings.TrimPrefix(filepath.Base(dir), indexDirPrefix)

			vectors, err := store.NewVectorStore(store.StoreConfig{Type: "qdrant", Parameters: params})
			if err != nil {
				sqlite.Close()
				return nil, fmt.Errorf("failed to open vector store: %w", err)
			}
			index.vectors = vectors
			if c, ok := vectors.(io.Closer); ok {
				index.closers = append(index.closers, c.Close)
			}
		}

		return index, nil
	}
}

type ragoIndex struct {
	vectors      ragodomain.VectorStore
	documents    ragodomain.DocumentStore
	embedder     ragodomain.Embedder
	chunker      ragodomain.Chunker
	chunkSize    int
	chunkOverlap int
	closers      []func() error
}

func (i *ragoIndex) Ingest(ctx context.Context, doc domain.Document) (int, error) {
	pieces, err := splitText(i.chunker, doc.Text, i.chunkSize, i.chunkOverlap)
	if err != nil {
		return 0, err
	}
	if len(pieces) == 0 {
		return 0, nil
	}

	metadata := make(map[string]interface{}, len(doc.Metadata)+1)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	if src, ok := doc.Metadata[domain.MetadataKeySource]; ok {
		metadata[metadataKeyExtraction] = src
	}

	record := ragodomain.Document{
		ID:       uuid.NewString(),
		Path:     doc.FileName(),
		Content:  doc.Text,
		Metadata: metadata,
		Created:  time.Now(),
	}

	chunks := make([]ragodomain.Chunk, 0, len(pieces))
	for n, piece := range pieces {
		vector, err := i.embedder.Embed(ctx, piece)
		if err != nil {
			return 0, fmt.Errorf("failed to embed chunk %d: %w", n, err)
		}
		chunks = append(chunks, ragodomain.Chunk{
			ID:         fmt.Sprintf("%s_%d", record.ID, n),
			DocumentID: record.ID,
			Content:    piece,
			Vector:     vector,
			Metadata:   metadata,
		})
	}

	// sqvect needs the document row before its chunks
	if err := i.documents.Store(ctx, record); err != nil {
		return 0, err
	}
	if err := i.vectors.Store(ctx, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

func (i *ragoIndex) Search(ctx context.Context, vector []float64, topK int) ([]ragodomain.Chunk, error) {
	return i.vectors.Search(ctx, vector, topK)
}

func (i *ragoIndex) Close() error {
	var errs []error
	for n := len(i.closers) - 1; n >= 0; n-- {
		if err := i.closers[n](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// splitText cuts text into chunks of at most size runes. Paragraphs and
// sentences are kept whole where they fit; longer runs are cut at the last
// whitespace inside the window, carrying overlap runes into the next chunk.
func splitText(c ragodomain.Chunker, text string, size, overlap int) ([]string, error) {
	pieces, err := c.Split(text, ragodomain.ChunkOptions{Size: size, Overlap: overlap, Method: "paragraph"})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if utf8.RuneCountInString(p) <= size {
			out = append(out, p)
			continue
		}
		out = append(out, hardSplit(p, size, overlap)...)
	}
	return out, nil
}

func hardSplit(text string, size, overlap int) []string {
	if overlap >= size {
		overlap = 0
	}
	runes := []rune(text)

	var out []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			// Back off to a word boundary in the second half of the window
			for cut := end; cut > start+size/2; cut-- {
				if unicode.IsSpace(runes[cut]) {
					end = cut
					break
				}
			}
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			out = append(out, piece)
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

const (
	indexDirPrefix        = "docchat-index-"
	metadataKeyExtraction = "extraction"
)

// IndexBuilder turns the documents of one upload into a QueryEngine
type IndexBuilder struct {
	cfg      config.RAGConfig
	baseDir  string
	settings *ProviderSettings
	factory  IndexFactory
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewIndexBuilder creates an index builder. Index files are created under
// baseDir, or the system temp directory when it is empty.
func NewIndexBuilder(
	cfg config.RAGConfig,
	baseDir string,
	settings *ProviderSettings,
	factory IndexFactory,
	logger *zap.Logger,
	m *metrics.Metrics,
) *IndexBuilder {
	if factory == nil {
		factory = RagoIndexFactory(cfg)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IndexBuilder{
		cfg:      cfg,
		baseDir:  baseDir,
		settings: settings,
		factory:  factory,
		logger:   logger,
		metrics:  m,
	}
}

// Build ingests every document into a fresh index. progress, if not nil,
// is called after each document.
func (b *IndexBuilder) Build(ctx context.Context, docs []domain.Document, progress func(done, total int)) (*QueryEngine, error) {
	if len(docs) == 0 {
		return nil, domain.ErrNoDocuments
	}

	backends, err := b.settings.Backends()
	if err != nil {
		return nil, err
	}

	start := time.Now()

	dir, err := os.MkdirTemp(b.baseDir, indexDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create index directory: %v", domain.ErrIndexBuild, err)
	}

	index, err := b.factory(ctx, dir, backends)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", domain.ErrIndexBuild, err)
	}

	var chunks, indexed int
	for i, doc := range docs {
		if strings.TrimSpace(doc.Text) != "" {
			n, err := index.Ingest(ctx, doc)
			if err != nil {
				index.Close()
				os.RemoveAll(dir)
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrIndexBuild, doc.FileName(), err)
			}
			if n > 0 {
				indexed++
			}
			chunks += n
		}

		if progress != nil {
			progress(i+1, len(docs))
		}
	}

	elapsed := time.Since(start)
	b.metrics.ObserveIndexBuild(elapsed)
	b.logger.Info("Index built",
		zap.Int("documents", len(docs)),
		zap.Int("indexed", indexed),
		zap.Int("chunks", chunks),
		zap.Duration("elapsed", elapsed),
	)

	return &QueryEngine{
		index:     index,
		dir:       dir,
		embedder:  backends.Embedder,
		generator: backends.LLM,
		opts: QueryOptions{
			TopK:          b.cfg.TopK,
			ResponseMode:  b.cfg.ResponseMode,
			MaxTokens:     b.cfg.MaxTokens,
			Temperature:   b.cfg.Temperature,
			ContextBudget: b.cfg.ContextBudget,
		},
		documents: len(docs),
		chunks:    chunks,
		logger:    b.logger,
		metrics:   b.metrics,
	}, nil
}
