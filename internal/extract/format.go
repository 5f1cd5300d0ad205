// Package extract turns the files of an unpacked archive into documents.
package extract

import (
	"path/filepath"
	"strings"
)

// Format is one of the recognized document formats
type Format int

const (
	FormatPDF Format = iota + 1
	FormatDOCX
	FormatPPTX
	FormatTXT
	FormatMD
)

var allFormats = []Format{FormatPDF, FormatDOCX, FormatPPTX, FormatTXT, FormatMD}

// AllFormats returns every recognized format
func AllFormats() []Format {
	out := make([]Format, len(allFormats))
	copy(out, allFormats)
	return out
}

// Ext returns the file-type tag, i.e. the extension without its dot
func (f Format) Ext() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatDOCX:
		return "docx"
	case FormatPPTX:
		return "pptx"
	case FormatTXT:
		return "txt"
	case FormatMD:
		return "md"
	default:
		return ""
	}
}

func (f Format) String() string {
	if ext := f.Ext(); ext != "" {
		return ext
	}
	return "unknown"
}

// ParseFormat maps an extension, with or without the leading dot, to a Format.
// Matching is case-insensitive.
func ParseFormat(ext string) (Format, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, f := range allFormats {
		if f.Ext() == ext {
			return f, true
		}
	}
	return 0, false
}

// FormatOf returns the format of a file path
func FormatOf(path string) (Format, bool) {
	return ParseFormat(filepath.Ext(path))
}
