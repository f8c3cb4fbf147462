// Package browser holds the pieces shared by the page engines.
package browser

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Parse builds a document from resp. The document's Url is the final
// response URL so relative links resolve against it.
func Parse(resp crawler.Response) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", resp.URL, err)
	}
	if u, err := url.Parse(resp.URL); err == nil {
		doc.Url = u
	}
	return doc, nil
}

// AbsURL resolves href against the document URL. Fragments are dropped.
// It returns "" for empty, javascript: and mailto: links.
func AbsURL(doc *goquery.Document, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	switch ref.Scheme {
	case "javascript", "mailto", "tel", "data":
		return ""
	}
	if doc != nil && doc.Url != nil {
		ref = doc.Url.ResolveReference(ref)
	}
	ref.Fragment = ""
	return ref.String()
}

// Links returns the absolute URLs of every element in sel with an href, in
// document order and without duplicates.
func Links(doc *goquery.Document, sel *goquery.Selection) []string {
	seen := make(map[string]struct{})
	var out []string
	sel.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		abs := AbsURL(doc, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}
