package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/liliang-cn/docchat/internal/domain"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Loader reads the non-presentation formats. A single call may return
// several documents: one per PDF page and one per markdown section.
type Loader struct {
	md goldmark.Markdown
}

// NewLoader creates a generic document loader
func NewLoader() *Loader {
	return &Loader{md: goldmark.New()}
}

// Load reads one file that must have the required format and tags every
// returned document with its file name, file type and source.
func (l *Loader) Load(filePath string, required Format) (docs []domain.Document, err error) {
	if f, ok := FormatOf(filePath); !ok || f != required {
		return nil, fmt.Errorf("%s: expected .%s file", filepath.Base(filePath), required.Ext())
	}

	// The PDF reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			docs = nil
			err = fmt.Errorf("failed to parse %s: %v", filepath.Base(filePath), r)
		}
	}()

	switch required {
	case FormatPDF:
		docs, err = l.loadPDF(filePath)
	case FormatDOCX:
		docs, err = l.loadDOCX(filePath)
	case FormatTXT:
		docs, err = l.loadText(filePath)
	case FormatMD:
		docs, err = l.loadMarkdown(filePath)
	default:
		return nil, fmt.Errorf("format %s is not handled by the document loader", required)
	}
	if err != nil {
		return nil, err
	}

	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = make(map[string]any)
		}
		docs[i].Metadata[domain.MetadataKeyFileName] = filepath.Base(filePath)
		docs[i].Metadata[domain.MetadataKeyFileType] = required.Ext()
		docs[i].Metadata[domain.MetadataKeySource] = domain.SourceDocument
	}
	return docs, nil
}

func (l *Loader) loadPDF(filePath string) ([]domain.Document, error) {
	f, r, err := pdf.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	var docs []domain.Document
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read PDF page %d: %w", i, err)
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		docs = append(docs, domain.NewDocument(content, map[string]any{
			domain.MetadataKeyPageLabel: strconv.Itoa(i),
		}))
	}
	return docs, nil
}

func (l *Loader) loadText(filePath string) ([]domain.Document, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	return []domain.Document{domain.NewDocument(string(data), nil)}, nil
}

func (l *Loader) loadDOCX(filePath string) ([]domain.Document, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open DOCX: %w", err)
	}
	defer zr.Close()

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return nil, fmt.Errorf("not a DOCX file: missing word/document.xml")
	}

	rc, err := body.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := docxText(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse word/document.xml: %w", err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return []domain.Document{domain.NewDocument(content, nil)}, nil
}

// markupCompatNS is the namespace of mc:AlternateContent
const markupCompatNS = "http://schemas.openxmlformats.org/markup-compatibility/2006"

// docxText flattens a WordprocessingML body. Paragraphs become lines and
// table rows become tab-separated cell text. Paragraphs nested in text
// boxes and tables nested in cells are flattened into their container.
// Only the mc:Choice branch of alternate content is read.
func docxText(r io.Reader) (string, error) {
	var (
		lines    []string
		paras    []*strings.Builder
		cells    [][]string
		rows     [][]string
		runDepth int
		inText   bool
	)

	// emit sends a finished line to the innermost open cell, or the body
	emit := func(line string) {
		if n := len(cells); n > 0 {
			cells[n-1] = append(cells[n-1], line)
			return
		}
		lines = append(lines, line)
	}

	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == markupCompatNS && t.Name.Local == "Fallback" {
				if err := dec.Skip(); err != nil {
					return "", err
				}
				continue
			}
			switch t.Name.Local {
			case "p":
				paras = append(paras, &strings.Builder{})
			case "r":
				runDepth++
			case "t":
				inText = true
			case "tab":
				// tab stops in paragraph properties share the element name
				if runDepth > 0 && len(paras) > 0 {
					paras[len(paras)-1].WriteByte('\t')
				}
			case "br", "cr":
				if runDepth > 0 && len(paras) > 0 {
					paras[len(paras)-1].WriteByte('\n')
				}
			case "tr":
				rows = append(rows, nil)
			case "tc":
				cells = append(cells, nil)
			}
		case xml.CharData:
			if inText && len(paras) > 0 {
				paras[len(paras)-1].Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "r":
				if runDepth > 0 {
					runDepth--
				}
			case "t":
				inText = false
			case "p":
				if n := len(paras); n > 0 {
					line := paras[n-1].String()
					paras = paras[:n-1]
					emit(line)
				}
			case "tc":
				if n := len(cells); n > 0 {
					cell := strings.TrimSpace(strings.Join(cells[n-1], " "))
					cells = cells[:n-1]
					if m := len(rows); m > 0 {
						rows[m-1] = append(rows[m-1], cell)
					}
				}
			case "tr":
				if n := len(rows); n > 0 {
					row := rows[n-1]
					rows = rows[:n-1]
					emit(strings.Join(row, "\t"))
				}
			}
		}
	}

	return strings.Join(lines, "\n"), nil
}

// mdSection is a heading together with the blocks that follow it
type mdSection struct {
	header string
	body   []string
}

func (l *Loader) loadMarkdown(filePath string) ([]domain.Document, error) {
	source, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	root := l.md.Parser().Parse(text.NewReader(source))

	var (
		sections []mdSection
		current  mdSection
	)
	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			sections = append(sections, current)
			current = mdSection{header: strings.TrimSpace(inlineText(h, source))}
			continue
		}
		if block := strings.TrimSpace(blockText(n, source)); block != "" {
			current.body = append(current.body, block)
		}
	}
	sections = append(sections, current)

	var docs []domain.Document
	for _, s := range sections {
		if s.header == "" && len(s.body) == 0 {
			continue
		}
		var sb strings.Builder
		if s.header != "" {
			sb.WriteString(s.header)
			sb.WriteByte('\n')
		}
		sb.WriteString(strings.Join(s.body, "\n\n"))

		meta := map[string]any{}
		if s.header != "" {
			meta[domain.MetadataKeyHeader] = s.header
		}
		docs = append(docs, domain.NewDocument(strings.TrimSpace(sb.String()), meta))
	}
	return docs, nil
}

// inlineText concatenates the text leaves under n
func inlineText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := child.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(t.Value)
		case *ast.AutoLink:
			buf.Write(t.Label(source))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

// blockText renders a block node as plain text, keeping code verbatim
func blockText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		switch t := child.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			if entering {
				lines := t.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					buf.Write(seg.Value(source))
				}
				buf.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				buf.Write(t.Segment.Value(source))
				if t.SoftLineBreak() || t.HardLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				buf.Write(t.Value)
			}
		case *ast.AutoLink:
			if entering {
				buf.Write(t.Label(source))
			}
			return ast.WalkSkipChildren, nil
		default:
			if !entering && child.Type() == ast.TypeBlock && child != n {
				buf.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}
