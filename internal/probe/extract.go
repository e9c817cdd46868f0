package probe

import (
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// metadata is what the dashboard shows for a page.
type metadata struct {
	Title       string
	Description string
	Favicon     string
}

// extractMetadata reads the title, meta description and favicon from an
// HTML document. Unparseable bodies yield empty metadata with the default
// /favicon.ico location.
func extractMetadata(body io.Reader, base *url.URL) metadata {
	meta := metadata{Favicon: defaultFavicon(base)}

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return meta
	}

	meta.Title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if !strings.EqualFold(strings.TrimSpace(name), "description") {
			return true
		}
		content, _ := s.Attr("content")
		meta.Description = strings.TrimSpace(content)
		return false
	})

	doc.Find("link[rel][href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		if !strings.Contains(strings.ToLower(rel), "icon") {
			return true
		}
		href, _ := s.Attr("href")
		if resolved := resolve(base, href); resolved != "" {
			meta.Favicon = resolved
			return false
		}
		return true
	})

	return meta
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func defaultFavicon(base *url.URL) string {
	if base == nil || base.Host == "" {
		return ""
	}
	return (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: "/favicon.ico"}).String()
}
