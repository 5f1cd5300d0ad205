package extract

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/liliang-cn/docchat/internal/domain"
)

var slidePartRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

type presentationXML struct {
	SlideIDs []struct {
		RID string `xml:"http://schemas.openxmlformats.org/officeDocument/2006/relationships id,attr"`
	} `xml:"sldIdLst>sldId"`
}

type relationshipsXML struct {
	Relationships []struct {
		ID     string `xml:"Id,attr"`
		Target string `xml:"Target,attr"`
	} `xml:"Relationship"`
}

// ExtractPresentation reads a PPTX file and returns one document holding
// the text of every slide in order.
func ExtractPresentation(filePath string) (domain.Document, error) {
	zr, err := zip.OpenReader(filePath)
	if err != nil {
		return domain.Document{}, fmt.Errorf("failed to open presentation: %w", err)
	}
	defer zr.Close()

	parts := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		parts[f.Name] = f
	}

	slides, err := slideOrder(parts)
	if err != nil {
		return domain.Document{}, err
	}

	sections := make([]string, 0, len(slides))
	for i, name := range slides {
		lines, err := slideLines(parts[name])
		if err != nil {
			return domain.Document{}, fmt.Errorf("slide %d: %w", i+1, err)
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "=== SLIDE %d ===\n", i+1)
		for _, line := range lines {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		sections = append(sections, sb.String())
	}

	return domain.NewDocument(strings.Join(sections, "\n"), map[string]any{
		domain.MetadataKeyFileName:    filepath.Base(filePath),
		domain.MetadataKeyFileType:    FormatPPTX.Ext(),
		domain.MetadataKeyTotalSlides: len(slides),
		domain.MetadataKeySource:      domain.SourcePresentation,
	}), nil
}

// slideOrder returns slide part names in presentation order. It follows
// sldIdLst when present and falls back to the slideN numbering.
func slideOrder(parts map[string]*zip.File) ([]string, error) {
	pres, ok := parts["ppt/presentation.xml"]
	if !ok {
		return nil, fmt.Errorf("not a presentation: missing ppt/presentation.xml")
	}

	var p presentationXML
	if err := decodePart(pres, &p); err != nil {
		return nil, fmt.Errorf("failed to parse presentation.xml: %w", err)
	}

	var rels relationshipsXML
	if f, ok := parts["ppt/_rels/presentation.xml.rels"]; ok {
		if err := decodePart(f, &rels); err != nil {
			return nil, fmt.Errorf("failed to parse presentation relationships: %w", err)
		}
	}
	targets := make(map[string]string, len(rels.Relationships))
	for _, r := range rels.Relationships {
		targets[r.ID] = r.Target
	}

	if len(p.SlideIDs) > 0 {
		ordered := make([]string, 0, len(p.SlideIDs))
		for _, id := range p.SlideIDs {
			target, ok := targets[id.RID]
			if !ok {
				break
			}
			name := resolvePart("ppt", target)
			if _, ok := parts[name]; !ok {
				return nil, fmt.Errorf("slide part %s not found", name)
			}
			ordered = append(ordered, name)
		}
		if len(ordered) == len(p.SlideIDs) {
			return ordered, nil
		}
	}

	return numberedSlides(parts), nil
}

func numberedSlides(parts map[string]*zip.File) []string {
	type numbered struct {
		name string
		n    int
	}
	var found []numbered
	for name := range parts {
		if m := slidePartRe.FindStringSubmatch(name); m != nil {
			n, _ := strconv.Atoi(m[1])
			found = append(found, numbered{name: name, n: n})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names
}

func resolvePart(base, target string) string {
	if strings.HasPrefix(target, "/") {
		return strings.TrimPrefix(target, "/")
	}
	return path.Join(base, target)
}

func decodePart(f *zip.File, v any) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return xml.NewDecoder(rc).Decode(v)
}

// slideLines walks the shape tree of a slide in document order. Each text
// shape yields its text; each table yields one line per non-empty row.
func slideLines(f *zip.File) ([]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var (
		lines []string

		shapeDepth int
		shapeParas []string

		inTable   bool
		row       []string
		cellParas []string
		inCell    bool

		para   strings.Builder
		inPara bool
		inText bool
	)

	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "sp":
				if shapeDepth == 0 {
					shapeParas = shapeParas[:0]
				}
				shapeDepth++
			case "tbl":
				inTable = true
			case "tr":
				if inTable {
					row = row[:0]
				}
			case "tc":
				if inTable {
					inCell = true
					cellParas = cellParas[:0]
				}
			case "p":
				inPara = true
				para.Reset()
			case "t":
				inText = true
			case "br":
				if inPara {
					para.WriteByte('\n')
				}
			}

		case xml.CharData:
			if inText && inPara {
				para.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if !inPara {
					continue
				}
				inPara = false
				switch {
				case inCell:
					cellParas = append(cellParas, para.String())
				case shapeDepth > 0:
					shapeParas = append(shapeParas, para.String())
				}
			case "tc":
				if inCell {
					inCell = false
					row = append(row, strings.TrimSpace(strings.Join(cellParas, "\n")))
				}
			case "tr":
				if inTable {
					if line, ok := tableRow(row); ok {
						lines = append(lines, line)
					}
				}
			case "tbl":
				inTable = false
			case "sp":
				if shapeDepth == 0 {
					continue
				}
				shapeDepth--
				if shapeDepth == 0 {
					text := strings.Join(shapeParas, "\n")
					if strings.TrimSpace(text) != "" {
						lines = append(lines, text)
					}
				}
			}
		}
	}

	return lines, nil
}

// tableRow joins trimmed cell texts with " | ". Rows without any
// non-empty cell are dropped.
func tableRow(cells []string) (string, bool) {
	for _, c := range cells {
		if c != "" {
			return strings.Join(cells, " | "), true
		}
	}
	return "", false
}
