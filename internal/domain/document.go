package domain

import "time"

// Source tags stored under MetadataKeySource
const (
	SourcePresentation = "presentation"
	SourceDocument     = "document"
)

// Metadata keys attached to extracted documents
const (
	MetadataKeyFileName    = "file_name"
	MetadataKeyFileType    = "file_type"
	MetadataKeySource      = "source"
	MetadataKeyTotalSlides = "total_slides"
	MetadataKeyPageLabel   = "page_label"
	MetadataKeyHeader      = "header"
)

// Document is one unit of extracted text plus its metadata.
// It is created once during extraction and not modified afterwards.
type Document struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewDocument creates a document with a copy of the given metadata
func NewDocument(text string, metadata map[string]any) Document {
	m := make(map[string]any, len(metadata))
	for k, v := range metadata {
		m[k] = v
	}
	return Document{Text: text, Metadata: m}
}

// FileName returns the source file name recorded in metadata
func (d Document) FileName() string {
	name, _ := d.Metadata[MetadataKeyFileName].(string)
	return name
}

// FileType returns the file-type tag recorded in metadata
func (d Document) FileType() string {
	t, _ := d.Metadata[MetadataKeyFileType].(string)
	return t
}

// Warning describes a file that was skipped during extraction
type Warning struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// UploadReport summarizes one upload cycle
type UploadReport struct {
	Documents int       `json:"documents"`
	Attempted int       `json:"attempted"`
	Processed int       `json:"processed"`
	Chunks    int       `json:"chunks"`
	Warnings  []Warning `json:"warnings,omitempty"`
}

// Progress is reported once per file while an archive is processed
type Progress struct {
	File     string  `json:"file"`
	Index    int     `json:"index"`
	Total    int     `json:"total"`
	Fraction float64 `json:"fraction"`
}

// UploadRecord is the stored outcome of one successful upload cycle
type UploadRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Attempted int       `json:"attempted"`
	Processed int       `json:"processed"`
	Documents int       `json:"documents"`
	Chunks    int       `json:"chunks"`
	Warnings  []Warning `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
