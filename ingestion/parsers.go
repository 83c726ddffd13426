package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fumiama/go-docx"
	pdf "github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var ErrUnsupportedFormat = errors.New("unsupported document format")

type Payload struct {
	FileName string
	Data     []byte
}

// ParsedDocument is the plain text of a file, ready for chunking.
type ParsedDocument struct {
	Title string
	Text  string
}

type Parser interface {
	Parse(ctx context.Context, payload Payload) (*ParsedDocument, error)
}

func ParserFor(format Format) (Parser, error) {
	switch format {
	case FormatMarkdown:
		return markdownParser{}, nil
	case FormatPDF:
		return pdfParser{}, nil
	case FormatDOCX:
		return docxParser{}, nil
	case FormatCSV:
		return csvParser{}, nil
	case FormatHTML:
		return htmlParser{}, nil
	case FormatText:
		return textParser{}, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

// Parse picks a parser from the payload's file name.
func Parse(ctx context.Context, payload Payload) (*ParsedDocument, error) {
	parser, err := ParserFor(DetectFormat(payload.FileName))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", payload.FileName, err)
	}
	return parser.Parse(ctx, payload)
}

type markdownParser struct{}

func (markdownParser) Parse(_ context.Context, payload Payload) (*ParsedDocument, error) {
	src := payload.Data
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var (
		title  string
		blocks []string
	)
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		t := blockText(n, src)
		if t == "" {
			continue
		}
		if heading, ok := n.(*ast.Heading); ok && heading.Level == 1 && title == "" {
			title = t
		}
		blocks = append(blocks, t)
	}

	if title == "" {
		title = baseName(payload.FileName)
	}
	return &ParsedDocument{Title: title, Text: strings.Join(blocks, "\n\n")}, nil
}

// blockText flattens one markdown block to plain text, dropping markup.
func blockText(n ast.Node, src []byte) string {
	var buf strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *ast.Text:
			buf.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(v.Value)
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := node.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				buf.Write(line.Value(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem, *ast.Paragraph:
			if buf.Len() > 0 && !strings.HasSuffix(buf.String(), "\n") {
				buf.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

type pdfParser struct{}

func (pdfParser) Parse(_ context.Context, payload Payload) (*ParsedDocument, error) {
	reader, err := pdf.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	pages := make([]string, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract pdf page %d: %w", i, err)
		}
		if content = strings.TrimSpace(normalizePlainText(content)); content != "" {
			pages = append(pages, content)
		}
	}

	body := strings.Join(pages, "\n\n")
	title := firstNonEmptyLine(body)
	if title == "" {
		title = baseName(payload.FileName)
	}
	return &ParsedDocument{Title: title, Text: body}, nil
}

type docxParser struct{}

func (docxParser) Parse(_ context.Context, payload Payload) (*ParsedDocument, error) {
	doc, err := docx.Parse(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return nil, fmt.Errorf("parse docx: %w", err)
	}

	var (
		title      string
		paragraphs []string
	)
	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		t := docxParagraphText(para)
		if t == "" {
			continue
		}
		if title == "" && isDocxHeading(para) {
			title = t
		}
		paragraphs = append(paragraphs, t)
	}

	if title == "" {
		title = baseName(payload.FileName)
	}
	return &ParsedDocument{Title: title, Text: strings.Join(paragraphs, "\n\n")}, nil
}

func isDocxHeading(para *docx.Paragraph) bool {
	if para.Properties == nil || para.Properties.Style == nil {
		return false
	}
	style := strings.ToLower(strings.ReplaceAll(para.Properties.Style.Val, " ", ""))
	return strings.HasPrefix(style, "heading") || style == "title"
}

func docxParagraphText(para *docx.Paragraph) string {
	var buf strings.Builder
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		for _, rc := range run.Children {
			if t, ok := rc.(*docx.Text); ok {
				buf.WriteString(t.Text)
			}
		}
	}
	return strings.TrimSpace(buf.String())
}

type csvParser struct{}

func (csvParser) Parse(_ context.Context, payload Payload) (*ParsedDocument, error) {
	reader := csv.NewReader(bytes.NewReader(payload.Data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	title := baseName(payload.FileName)
	if len(records) == 0 {
		return &ParsedDocument{Title: title}, nil
	}

	headers := records[0]
	rows := make([]string, 0, len(records)-1)
	for idx, row := range records[1:] {
		rows = append(rows, formatCSVRow(headers, row, idx))
	}
	return &ParsedDocument{Title: title, Text: strings.Join(rows, "\n\n")}, nil
}

type textParser struct{}

func (textParser) Parse(_ context.Context, payload Payload) (*ParsedDocument, error) {
	content := strings.TrimSpace(normalizePlainText(string(payload.Data)))
	title := firstNonEmptyLine(content)
	if title == "" {
		title = baseName(payload.FileName)
	}
	return &ParsedDocument{Title: title, Text: content}, nil
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func formatCSVRow(headers, row []string, idx int) string {
	builder := &strings.Builder{}
	fmt.Fprintf(builder, "Row %d", idx+1)

	for i, value := range row {
		header := ""
		if i < len(headers) {
			header = strings.TrimSpace(headers[i])
		}
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		builder.WriteString("\n")
		builder.WriteString(header)
		builder.WriteString(": ")
		builder.WriteString(strings.TrimSpace(value))
	}
	return builder.String()
}
