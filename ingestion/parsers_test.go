package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"notes.md":       FormatMarkdown,
		"NOTES.MARKDOWN": FormatMarkdown,
		"report.pdf":     FormatPDF,
		"memo.docx":      FormatDOCX,
		"table.csv":      FormatCSV,
		"page.HTM":       FormatHTML,
		"readme.txt":     FormatText,
		"image.png":      FormatUnknown,
	}
	for path, want := range cases {
		assert.Equal(t, want, DetectFormat(path), path)
	}
}

func TestParseMarkdownStripsMarkup(t *testing.T) {
	src := "# Travel Policy\n\nEmployees **must** book via the [portal](https://example.com).\n\n- item one\n- item two\n\n```\ncode line\n```\n"
	doc, err := Parse(context.Background(), Payload{FileName: "policy.md", Data: []byte(src)})
	require.NoError(t, err)

	assert.Equal(t, "Travel Policy", doc.Title)
	assert.Contains(t, doc.Text, "Employees must book via the portal.")
	assert.Contains(t, doc.Text, "item one\nitem two")
	assert.Contains(t, doc.Text, "code line")
	assert.NotContains(t, doc.Text, "**")
	assert.NotContains(t, doc.Text, "https://example.com")
}

func TestParseMarkdownTitleFallback(t *testing.T) {
	doc, err := Parse(context.Background(), Payload{FileName: "dir/handbook.md", Data: []byte("just text")})
	require.NoError(t, err)
	assert.Equal(t, "handbook", doc.Title)
	assert.Equal(t, "just text", doc.Text)
}

func TestParseCSV(t *testing.T) {
	src := "name,team\nAda,Platform\nLinus,Kernel,extra\n"
	doc, err := Parse(context.Background(), Payload{FileName: "people.csv", Data: []byte(src)})
	require.NoError(t, err)

	assert.Equal(t, "people", doc.Title)
	assert.Equal(t, "Row 1\nname: Ada\nteam: Platform\n\nRow 2\nname: Linus\nteam: Kernel\nColumn 3: extra", doc.Text)
}

func TestParseText(t *testing.T) {
	doc, err := Parse(context.Background(), Payload{FileName: "a.txt", Data: []byte("\r\n  First line  \r\nsecond\r\n")})
	require.NoError(t, err)
	assert.Equal(t, "First line", doc.Title)
	assert.Equal(t, "First line\nsecond", doc.Text)
}

func TestParseRejectsUnsupported(t *testing.T) {
	_, err := Parse(context.Background(), Payload{FileName: "photo.png", Data: []byte{0x89}})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseInvalidPDF(t *testing.T) {
	_, err := Parse(context.Background(), Payload{FileName: "broken.pdf", Data: []byte("not a pdf")})
	assert.Error(t, err)
}

func TestParseInvalidDOCX(t *testing.T) {
	_, err := Parse(context.Background(), Payload{FileName: "broken.docx", Data: []byte("not a zip")})
	assert.Error(t, err)
}

func TestParseHTMLKeepsReadableBlocks(t *testing.T) {
	src := `<html><head><title>Expense Guide</title><style>p{color:red}</style></head>
<body><nav><a href="/">Home</a></nav>
<h1>Expenses</h1>
<p>Submit receipts   within <b>30 days</b>.</p>
<script>track()</script>
<ul><li>Meals</li><li>Travel</li></ul>
<footer>Copyright</footer></body></html>`
	doc, err := Parse(context.Background(), Payload{FileName: "guide.html", Data: []byte(src)})
	require.NoError(t, err)

	assert.Equal(t, "Expense Guide", doc.Title)
	assert.Equal(t, "Expenses\n\nSubmit receipts within 30 days.\n\nMeals\n\nTravel", doc.Text)
}

func TestParseHTMLTitleFallsBackToHeading(t *testing.T) {
	doc, err := Parse(context.Background(), Payload{FileName: "x/page.htm", Data: []byte("<h1>Onboarding</h1><p>Day one.</p>")})
	require.NoError(t, err)
	assert.Equal(t, "Onboarding", doc.Title)
}
