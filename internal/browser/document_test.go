package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const listing = `<html><body>
<a href="/work/1">one</a>
<a href="/work/1#comments">one again</a>
<a href="https://other.example/work/2">two</a>
<a href="javascript:void(0)">js</a>
<a href="#top">top</a>
<a>no href</a>
<a href="?page=2">next</a>
</body></html>`

func TestParseSetsDocumentURL(t *testing.T) {
	t.Parallel()
	doc, err := Parse(crawler.Response{URL: "https://example.com/work/genres", Body: []byte(listing)})
	require.NoError(t, err)
	require.NotNil(t, doc.Url)
	assert.Equal(t, "example.com", doc.Url.Host)
	assert.Equal(t, 7, doc.Find("a").Length())
}

func TestLinksResolvesAndDedupes(t *testing.T) {
	t.Parallel()
	doc, err := Parse(crawler.Response{URL: "https://example.com/work/genres", Body: []byte(listing)})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://example.com/work/1",
		"https://other.example/work/2",
		"https://example.com/work/genres?page=2",
	}, Links(doc, doc.Find("a")))
}

func TestAbsURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		href string
		want string
	}{
		{"empty", "  ", ""},
		{"fragment only", "#x", ""},
		{"mailto", "mailto:a@b.c", ""},
		{"relative", "cover.jpg", "https://example.com/work/cover.jpg"},
		{"absolute", "https://cdn.example/x.png?w=1", "https://cdn.example/x.png?w=1"},
	}
	doc, err := Parse(crawler.Response{URL: "https://example.com/work/1", Body: []byte("<html></html>")})
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, AbsURL(doc, tt.href))
		})
	}
}
