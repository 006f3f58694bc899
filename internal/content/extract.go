package content

import (
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// contentSelectors are tried in order; the first match is the content area.
var contentSelectors = []string{"article", "main", "body"}

var whitespace = regexp.MustCompile(`\s+`)

// article is what the extractor pulls out of one fetched page
type article struct {
	Title string
	Body  string
	Media []string
}

func parseDocument(r io.Reader) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(r)
}

func contentArea(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			return s
		}
	}
	return doc.Selection
}

// extractLinks returns the same-host article links of a category page,
// resolved against base, de-duplicated and capped at limit.
func extractLinks(doc *goquery.Document, base *url.URL, limit int) []string {
	seen := map[string]struct{}{base.String(): {}}
	var links []string

	contentArea(doc).Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if limit > 0 && len(links) >= limit {
			return false
		}
		href, _ := s.Attr("href")
		u, ok := resolve(base, href)
		if !ok || u.Host != base.Host {
			return true
		}
		link := u.String()
		if _, dup := seen[link]; dup {
			return true
		}
		seen[link] = struct{}{}
		links = append(links, link)
		return true
	})
	return links
}

// extractArticle pulls the title, plain-text body and media references
func extractArticle(doc *goquery.Document, base *url.URL) article {
	area := contentArea(doc)

	title := strings.TrimSpace(area.Find("h1").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	media := extractMedia(area, base)

	body := area.Clone()
	body.Find("script, style, noscript, nav, header, footer, aside, form").Remove()
	text := strings.TrimSpace(whitespace.ReplaceAllString(body.Text(), " "))

	return article{
		Title: title,
		Body:  text,
		Media: media,
	}
}

func extractMedia(area *goquery.Selection, base *url.URL) []string {
	seen := make(map[string]struct{})
	var media []string
	area.Find("img[src], iframe[src], embed[src], video[src], source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		u, ok := resolve(base, src)
		if !ok {
			return
		}
		ref := u.String()
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		media = append(media, ref)
	})
	return media
}

func resolve(base *url.URL, ref string) (*url.URL, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "mailto:") || strings.HasPrefix(ref, "javascript:") {
		return nil, false
	}
	u, err := base.Parse(ref)
	if err != nil {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	u.Fragment = ""
	return u, true
}
