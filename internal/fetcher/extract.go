package fetcher

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/IliaW/image-crawler/internal/crawler"
	"github.com/IliaW/image-crawler/internal/model"
	"github.com/PuerkitoBio/goquery"
)

// ExtractPage parses an HTML document and returns the absolute image sources and link targets on it.
// Relative references are resolved against pageURL, or against the document's <base href> if set.
func ExtractPage(pageURL string, body io.Reader) (*model.Page, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid page url %q: %w", crawler.ErrFetch, pageURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse html: %w", crawler.ErrFetch, err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	page := &model.Page{URL: pageURL}
	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		if abs := resolve(base, s.AttrOr("src", "")); abs != "" {
			page.ImageSrcs = append(page.ImageSrcs, abs)
		}
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if abs := resolve(base, s.AttrOr("href", "")); abs != "" {
			page.LinkHrefs = append(page.LinkHrefs, abs)
		}
	})

	return page, nil
}

// resolve returns ref made absolute against base. Unparseable references are passed through
// unchanged so the crawler can report them as invalid.
func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

var archivedHtml = regexp.MustCompile(`(?si)(?:<!doctype html[^>]*>\s*)?<html.*</html>`)

// extractHtml cuts the HTML document out of a WARC record.
func extractHtml(body string) string {
	return archivedHtml.FindString(body)
}
