package scraper

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"linkfeed/internal/domain"
)

// ParseMetadata reads an HTML document and extracts Open Graph metadata,
// falling back to Twitter cards, <title> and the standard meta description.
// pageURL is used to resolve a relative image reference.
func ParseMetadata(r io.Reader, pageURL string) (domain.Metadata, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return domain.Metadata{}, fmt.Errorf("%w: parse html: %v", ErrFetchFailed, err)
	}

	meta := domain.Metadata{
		Title: firstNonEmpty(
			metaContent(doc, `meta[property="og:title"]`),
			metaContent(doc, `meta[name="twitter:title"]`),
			collapseSpace(doc.Find("title").First().Text()),
		),
		Description: firstNonEmpty(
			metaContent(doc, `meta[property="og:description"]`),
			metaContent(doc, `meta[name="description"]`),
		),
	}

	image := firstNonEmpty(
		metaContent(doc, `meta[property="og:image"]`),
		metaContent(doc, `meta[property="og:image:url"]`),
		metaContent(doc, `meta[name="twitter:image"]`),
	)
	meta.ImageURL = resolveReference(pageURL, image)

	return meta, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	var out string
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		content, ok := s.Attr("content")
		if !ok {
			return true
		}
		out = collapseSpace(content)
		return out == ""
	})
	return out
}

func resolveReference(pageURL, ref string) string {
	if ref == "" {
		return ""
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if refURL.IsAbs() {
		return refURL.String()
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return base.ResolveReference(refURL).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
