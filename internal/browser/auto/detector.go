package auto

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

const defaultBodyThreshold = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// NeedsRendering reports whether a static response looks like a shell that
// only fills in under JavaScript. Non-200 responses are never promoted.
func NeedsRendering(resp crawler.Response, bodyThreshold int) bool {
	if resp.Status != http.StatusOK {
		return false
	}
	if bodyThreshold <= 0 {
		bodyThreshold = defaultBodyThreshold
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < bodyThreshold && scriptShare(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptShare returns the percentage of body covered by script elements.
// Unclosed tags count to the end of the body.
func scriptShare(body []byte) int {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return 0
	}
	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered, pos := 0, 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered * 100 / total
}
