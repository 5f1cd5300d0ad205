package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	nsA = "http://schemas.openxmlformats.org/drawingml/2006/main"
	nsP = "http://schemas.openxmlformats.org/presentationml/2006/main"
	nsR = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
	nsW = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
)

func writeZip(t *testing.T, path string, parts map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range parts {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func shapeXML(paras ...string) string {
	var sb strings.Builder
	sb.WriteString(`<p:sp><p:nvSpPr><p:cNvPr id="2" name="Text"/></p:nvSpPr><p:txBody><a:bodyPr/>`)
	for _, p := range paras {
		fmt.Fprintf(&sb, `<a:p><a:r><a:rPr lang="en-US"/><a:t>%s</a:t></a:r></a:p>`, p)
	}
	sb.WriteString(`</p:txBody></p:sp>`)
	return sb.String()
}

func tableXML(rows ...[]string) string {
	var sb strings.Builder
	sb.WriteString(`<p:graphicFrame><p:nvGraphicFramePr><p:cNvPr id="3" name="Table"/></p:nvGraphicFramePr>`)
	sb.WriteString(`<a:graphic><a:graphicData><a:tbl><a:tblGrid><a:gridCol w="100"/></a:tblGrid>`)
	for _, row := range rows {
		sb.WriteString(`<a:tr h="10">`)
		for _, cell := range row {
			fmt.Fprintf(&sb, `<a:tc><a:txBody><a:bodyPr/><a:p><a:r><a:t>%s</a:t></a:r></a:p></a:txBody></a:tc>`, cell)
		}
		sb.WriteString(`</a:tr>`)
	}
	sb.WriteString(`</a:tbl></a:graphicData></a:graphic></p:graphicFrame>`)
	return sb.String()
}

func slideXML(body ...string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`+
		`<p:sld xmlns:a="%s" xmlns:p="%s" xmlns:r="%s"><p:cSld><p:spTree>`+
		`<p:nvGrpSpPr><p:cNvPr id="1" name=""/></p:nvGrpSpPr>%s</p:spTree></p:cSld></p:sld>`,
		nsA, nsP, nsR, strings.Join(body, ""))
}

// writePPTX writes a presentation whose slide list follows order, given as
// indexes into slides. A nil order lists the slides as given.
func writePPTX(t *testing.T, path string, order []int, slides ...string) {
	t.Helper()
	if order == nil {
		for i := range slides {
			order = append(order, i)
		}
	}

	parts := map[string]string{}
	var ids, rels strings.Builder
	for i, s := range slides {
		parts[fmt.Sprintf("ppt/slides/slide%d.xml", i+1)] = s
		fmt.Fprintf(&rels, `<Relationship Id="rId%d" Type="%s/slide" Target="slides/slide%d.xml"/>`, i+10, nsR, i+1)
	}
	for n, idx := range order {
		fmt.Fprintf(&ids, `<p:sldId id="%d" r:id="rId%d"/>`, 256+n, idx+10)
	}

	parts["ppt/presentation.xml"] = fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`+
		`<p:presentation xmlns:a="%s" xmlns:p="%s" xmlns:r="%s"><p:sldIdLst>%s</p:sldIdLst></p:presentation>`,
		nsA, nsP, nsR, ids.String())
	parts["ppt/_rels/presentation.xml.rels"] = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">` + rels.String() + `</Relationships>`
	parts["[Content_Types].xml"] = `<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`

	writeZip(t, path, parts)
}

func writeDOCX(t *testing.T, path, body string) {
	t.Helper()
	writeZip(t, path, map[string]string{
		"[Content_Types].xml": `<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"/>`,
		"word/document.xml": fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`+
			`<w:document xmlns:w="%s"><w:body>%s</w:body></w:document>`, nsW, body),
	})
}

func docxPara(text string) string {
	return fmt.Sprintf(`<w:p><w:pPr><w:tabs><w:tab w:val="left" w:pos="720"/></w:tabs></w:pPr><w:r><w:t>%s</w:t></w:r></w:p>`, text)
}

// writePDF writes a single-font PDF with one page per entry of pages.
// Object offsets are computed so the cross-reference table is exact.
func writePDF(t *testing.T, path string, pages ...string) {
	t.Helper()

	n := len(pages)
	// 1 catalog, 2 pages, 3 font, then a page and content object per page
	objs := make([]string, 3+2*n)
	kids := make([]string, n)
	for i, text := range pages {
		pageID := 4 + 2*i
		contentID := pageID + 1
		kids[i] = fmt.Sprintf("%d 0 R", pageID)

		stream := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
		objs[pageID-1] = fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] "+
			"/Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", contentID)
		objs[contentID-1] = fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream)
	}
	objs[0] = "<< /Type /Catalog /Pages 2 0 R >>"
	objs[1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n)
	objs[2] = "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>"

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// writeSampleSet writes one valid file per recognized format into dir
func writeSampleSet(t *testing.T, dir string) {
	t.Helper()
	writePDF(t, filepath.Join(dir, "report.pdf"), "Quarterly revenue grew")
	writeDOCX(t, filepath.Join(dir, "memo.docx"), docxPara("Memo body"))
	writePPTX(t, filepath.Join(dir, "deck.pptx"), nil, slideXML(shapeXML("Welcome")))
	writeFile(t, filepath.Join(dir, "notes.txt"), "plain notes")
	writeFile(t, filepath.Join(dir, "guide.md"), "# Guide\n\nRead me.\n")
}
