// Package ingestion turns uploaded or on-disk files into indexed, owned documents.
package ingestion

import (
	"path/filepath"
	"strings"
)

type Format string

const (
	FormatUnknown  Format = ""
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatCSV      Format = "csv"
	FormatHTML     Format = "html"
	FormatText     Format = "text"
)

// DetectFormat infers a document format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".csv":
		return FormatCSV
	case ".html", ".htm":
		return FormatHTML
	case ".txt", ".text":
		return FormatText
	default:
		return FormatUnknown
	}
}
