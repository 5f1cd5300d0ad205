package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/liliang-cn/docchat/internal/domain"
	"go.uber.org/zap"
)

// Reporter receives per-file progress and skipped-file warnings while the
// dispatcher runs. Calls are made synchronously from the dispatch loop.
type Reporter interface {
	Progress(p domain.Progress)
	Warning(w domain.Warning)
}

// FileOutcome records what happened to a single recognized file
type FileOutcome struct {
	File      string
	Format    Format
	Documents int
	Err       error
}

// Result is the output of one dispatch run
type Result struct {
	Documents []domain.Document
	Attempted int
	Processed int
	Warnings  []domain.Warning
	Files     []FileOutcome
}

// Dispatcher routes the files of a directory to their extractor
type Dispatcher struct {
	loader *Loader
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		loader: NewLoader(),
		logger: logger,
	}
}

// Run extracts every recognized file directly inside dir. Subdirectories
// are not visited. A file that fails or yields nothing is reported as a
// warning and skipped.
func (d *Dispatcher) Run(ctx context.Context, dir string, reporter Reporter) (*Result, error) {
	files, err := recognizedFiles(dir)
	if err != nil {
		return nil, err
	}

	result := &Result{Attempted: len(files)}
	for i, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if reporter != nil {
			reporter.Progress(domain.Progress{
				File:     name,
				Index:    i + 1,
				Total:    len(files),
				Fraction: float64(i+1) / float64(len(files)),
			})
		}

		format, _ := FormatOf(name)
		docs, err := d.extract(filepath.Join(dir, name), format)
		if err == nil && len(docs) == 0 {
			err = fmt.Errorf("no content extracted")
		}
		result.Files = append(result.Files, FileOutcome{
			File:      name,
			Format:    format,
			Documents: len(docs),
			Err:       err,
		})

		if err != nil {
			w := domain.Warning{File: name, Message: err.Error()}
			result.Warnings = append(result.Warnings, w)
			d.logger.Warn("Skipping file",
				zap.String("file", name),
				zap.String("format", format.String()),
				zap.Error(err),
			)
			if reporter != nil {
				reporter.Warning(w)
			}
			continue
		}

		result.Documents = append(result.Documents, docs...)
		result.Processed++
	}

	return result, nil
}

func (d *Dispatcher) extract(path string, format Format) ([]domain.Document, error) {
	switch format {
	case FormatPPTX:
		doc, err := ExtractPresentation(path)
		if err != nil {
			return nil, err
		}
		return []domain.Document{doc}, nil
	case FormatPDF, FormatDOCX, FormatTXT, FormatMD:
		return d.loader.Load(path, format)
	default:
		return nil, fmt.Errorf("unsupported format %s", format)
	}
}

// recognizedFiles lists the regular files in dir with a known extension,
// sorted by name.
func recognizedFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatOf(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
