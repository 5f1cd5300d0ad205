package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/liliang-cn/docchat/internal/config"
	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/liliang-cn/docchat/internal/metrics"
	ragodomain "github.com/liliang-cn/rago/v2/pkg/domain"
	"go.uber.org/zap"
)

// EmptyResponse is returned when retrieval finds nothing to answer from
const EmptyResponse = "Empty Response"

// QueryOptions is the retrieval and generation configuration of a
// QueryEngine. It is fixed when the engine is built.
type QueryOptions struct {
	TopK          int
	ResponseMode  string
	MaxTokens     int
	Temperature   float64
	ContextBudget int
}

// QueryEngine answers questions against one session index
type QueryEngine struct {
	index     Index
	dir       string
	embedder  ragodomain.Embedder
	generator ragodomain.Generator
	opts      QueryOptions
	documents int
	chunks    int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	closeOnce sync.Once
	closeErr  error
}

// Documents returns the number of documents the index was built from
func (e *QueryEngine) Documents() int { return e.documents }

// Chunks returns the number of chunks stored in the index
func (e *QueryEngine) Chunks() int { return e.chunks }

// Options returns the engine's fixed configuration
func (e *QueryEngine) Options() QueryOptions { return e.opts }

// Query answers a question. Errors wrap domain.ErrQuery.
func (e *QueryEngine) Query(ctx context.Context, question string) (*domain.Answer, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery(time.Since(start)) }()

	var (
		answer *domain.Answer
		err    error
	)
	switch e.opts.ResponseMode {
	case config.ResponseModeCompact:
		answer, err = e.queryCompact(ctx, question)
	default:
		answer, err = e.queryTreeSummarize(ctx, question)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrQuery, err)
	}
	return answer, nil
}

// retrieve embeds the question and returns the nearest chunks
func (e *QueryEngine) retrieve(ctx context.Context, question string) ([]ragodomain.Chunk, error) {
	vector, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("failed to embed question: %w", err)
	}

	chunks, err := e.index.Search(ctx, vector, e.opts.TopK)
	if err != nil {
		return nil, fmt.Errorf("failed to search index: %w", err)
	}
	return chunks, nil
}

func (e *QueryEngine) genOptions() *ragodomain.GenerationOptions {
	return &ragodomain.GenerationOptions{
		Temperature: e.opts.Temperature,
		MaxTokens:   e.opts.MaxTokens,
	}
}

// queryCompact packs the retrieved chunks into as few budget-sized groups
// as possible, answers from the first group and refines that answer with
// each following group.
func (e *QueryEngine) queryCompact(ctx context.Context, question string) (*domain.Answer, error) {
	chunks, err := e.retrieve(ctx, question)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return &domain.Answer{Text: EmptyResponse}, nil
	}

	genOpts := e.genOptions()
	var answer string
	for n, group := range packTexts(chunkTexts(chunks), e.opts.ContextBudget, 1) {
		prompt := summarizePrompt(group, question)
		if n > 0 {
			prompt = refinePrompt(group, question, answer)
		}
		answer, err = e.generator.Generate(ctx, prompt, genOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to generate answer: %w", err)
		}
	}

	return &domain.Answer{
		Text:    strings.TrimSpace(answer),
		Sources: toSources(chunks),
	}, nil
}

// queryTreeSummarize answers from every retrieved chunk: chunks are packed
// into groups that fit the context budget, each group is answered, and the
// answers are combined level by level until one remains.
func (e *QueryEngine) queryTreeSummarize(ctx context.Context, question string) (*domain.Answer, error) {
	chunks, err := e.retrieve(ctx, question)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return &domain.Answer{Text: EmptyResponse}, nil
	}

	genOpts := e.genOptions()
	answers, err := e.summarizeGroups(ctx, question, packTexts(chunkTexts(chunks), e.opts.ContextBudget, 1), genOpts)
	if err != nil {
		return nil, err
	}
	for level := 1; len(answers) > 1; level++ {
		e.logger.Debug("Combining answers", zap.Int("level", level), zap.Int("answers", len(answers)))
		answers, err = e.summarizeGroups(ctx, question, packTexts(answers, e.opts.ContextBudget, 2), genOpts)
		if err != nil {
			return nil, err
		}
	}

	return &domain.Answer{
		Text:    strings.TrimSpace(answers[0]),
		Sources: toSources(chunks),
	}, nil
}

func chunkTexts(chunks []ragodomain.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	return texts
}

func (e *QueryEngine) summarizeGroups(ctx context.Context, question string, groups [][]string, opts *ragodomain.GenerationOptions) ([]string, error) {
	answers := make([]string, 0, len(groups))
	for _, g := range groups {
		out, err := e.generator.Generate(ctx, summarizePrompt(g, question), opts)
		if err != nil {
			return nil, fmt.Errorf("failed to generate answer: %w", err)
		}
		answers = append(answers, out)
	}
	return answers, nil
}

func summarizePrompt(texts []string, question string) string {
	var sb strings.Builder
	sb.WriteString("Context information from multiple sources is below.\n")
	sb.WriteString("---------------------\n")
	sb.WriteString(strings.Join(texts, "\n\n"))
	sb.WriteString("\n---------------------\n")
	sb.WriteString("Given the information from multiple sources and not prior knowledge, answer the query.\n")
	fmt.Fprintf(&sb, "Query: %s\n", question)
	sb.WriteString("Answer: ")
	return sb.String()
}

func refinePrompt(texts []string, question, existing string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The original query is as follows: %s\n", question)
	fmt.Fprintf(&sb, "We have provided an existing answer: %s\n", existing)
	sb.WriteString("We have the opportunity to refine the existing answer (only if needed) with some more context below.\n")
	sb.WriteString("------------\n")
	sb.WriteString(strings.Join(texts, "\n\n"))
	sb.WriteString("\n------------\n")
	sb.WriteString("Given the new context, refine the original answer to better answer the query. If the context isn't useful, return the original answer.\n")
	sb.WriteString("Refined Answer: ")
	return sb.String()
}

// packTexts groups consecutive texts so that each group's combined length
// stays within budget. A text longer than the budget gets a group of its
// own. When minPerGroup is 2, every group but possibly the last holds at
// least two texts, so repeated packing always shrinks the list.
func packTexts(texts []string, budget, minPerGroup int) [][]string {
	var (
		groups  [][]string
		current []string
		size    int
	)
	for _, t := range texts {
		if len(current) >= minPerGroup && size+len(t) > budget {
			groups = append(groups, current)
			current, size = nil, 0
		}
		current = append(current, t)
		size += len(t)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func toSources(chunks []ragodomain.Chunk) []domain.Source {
	if len(chunks) == 0 {
		return nil
	}
	sources := make([]domain.Source, len(chunks))
	for i, c := range chunks {
		sources[i] = domain.Source{Content: c.Content, Score: c.Score}
		if c.Metadata != nil {
			if name, ok := c.Metadata[domain.MetadataKeyFileName].(string); ok {
				sources[i].FileName = name
			}
		}
	}
	return sources
}

// Close releases the index and removes its files. It is safe to call more
// than once.
func (e *QueryEngine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.index.Close()
		if err := os.RemoveAll(e.dir); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
	})
	return e.closeErr
}
