package rag

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

// break candidates in order of preference; within a tier the latest match wins.
var breakTiers = [][]string{
	{"\n\n"},
	{". ", "! ", "? ", ".\n", "!\n", "?\n"},
	{"\n"},
	{" ", "\t"},
}

// Splitter cuts text into windows of at most ChunkSize bytes that end on a
// paragraph, sentence or word boundary when one exists in the second half of
// the window. Consecutive windows share about ChunkOverlap bytes.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
}

func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 10
	}
	return Splitter{ChunkSize: size, ChunkOverlap: overlap}
}

// Split is deterministic for a given text and configuration.
func (s Splitter) Split(text string) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}
	size := s.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}

	chunks := make([]string, 0, len(text)/size+1)
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			if chunk := strings.TrimSpace(text[start:]); chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}
		end = runeStart(text, start, end)

		brk := breakPoint(text, start, end)
		if chunk := strings.TrimSpace(text[start:brk]); chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := brk
		if s.ChunkOverlap > 0 {
			next = wordStart(text, brk-s.ChunkOverlap, brk)
		}
		if next <= start {
			next = brk
		}
		start = next
	}
	return chunks
}

// runeStart moves end back onto a rune boundary without reaching start.
func runeStart(text string, start, end int) int {
	for end > start && !utf8.RuneStart(text[end]) {
		end--
	}
	if end == start {
		_, width := utf8.DecodeRuneInString(text[start:])
		end = start + width
	}
	return end
}

func breakPoint(text string, start, end int) int {
	window := text[start:end]
	minPos := len(window) / 2
	for _, tier := range breakTiers {
		best := -1
		for _, sep := range tier {
			idx := strings.LastIndex(window, sep)
			if idx >= minPos && idx+len(sep) > best {
				best = idx + len(sep)
			}
		}
		if best > 0 {
			return start + best
		}
	}
	return end
}

// wordStart returns the first word boundary at or after pos, bounded by limit.
func wordStart(text string, pos, limit int) int {
	if pos <= 0 {
		return 0
	}
	for pos < limit && !utf8.RuneStart(text[pos]) {
		pos++
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:pos])
	if unicode.IsSpace(prev) {
		return pos
	}
	if idx := strings.IndexFunc(text[pos:limit], unicode.IsSpace); idx >= 0 {
		return pos + idx + 1
	}
	return pos
}
