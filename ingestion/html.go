package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

type htmlParser struct{}

// Parse keeps the readable blocks of an HTML page: headings, paragraphs, list
// items, table cells, quotes and preformatted text. Scripts, styles and page
// chrome are dropped.
func (htmlParser) Parse(_ context.Context, payload Payload) (*ParsedDocument, error) {
	root, err := html.Parse(bytes.NewReader(payload.Data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	title := htmlTitle(root)
	var blocks []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "head", "script", "style", "noscript", "nav", "footer", "header", "template":
				return
			case "h1", "h2", "h3", "h4", "h5", "h6", "p", "li", "td", "th", "blockquote", "pre", "dt", "dd", "figcaption":
				if t := htmlText(n); t != "" {
					if title == "" && n.Data == "h1" {
						title = t
					}
					blocks = append(blocks, t)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if title == "" {
		title = baseName(payload.FileName)
	}
	return &ParsedDocument{Title: title, Text: strings.Join(blocks, "\n\n")}, nil
}

// htmlText concatenates the text below n with whitespace runs collapsed.
func htmlText(n *html.Node) string {
	var buf strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			buf.WriteString(n.Data)
		case n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style"):
			return
		case n.Type == html.ElementNode && n.Data == "br":
			buf.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return strings.Join(strings.Fields(buf.String()), " ")
}

func htmlTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		return htmlText(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := htmlTitle(c); t != "" {
			return t
		}
	}
	return ""
}
