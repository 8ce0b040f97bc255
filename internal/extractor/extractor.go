// Package extractor turns raw HTML into clean Markdown with metadata.
package extractor

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
)

// Result is the output of extracting one page.
type Result struct {
	Title        string
	Content      string
	Links        []string
	QualityScore int
	WordCount    int
}

// Region selectors tried in order before falling back to a body scan.
var mainRegionSelectors = []string{
	"main",
	"article",
	".docs-content",
	".markdown-body",
	".documentation-content",
	".content-body",
	"[role=main]",
}

// Chrome that never belongs in extracted content.
const alwaysStripSelector = "script, style, noscript, template"

// Navigation-ish elements, stripped unless they carry real prose.
const chromeSelector = "nav, [role=navigation], .navigation, .menu, .sidebar, .breadcrumb, .toc, .footer"

// Ads, share widgets, comment sections.
const junkSelector = ".ad, .ads, .advertisement, .banner, .social-share, .share-buttons, .comments, .comment-section"

// Extractor converts documentation HTML to Markdown.
type Extractor struct {
	conv *md.Converter
}

// New creates an extractor with the standard conversion pipeline.
func New() *Extractor {
	return &Extractor{
		conv: md.NewConverter(
			md.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Extract parses htmlSrc, selects the main content region, strips
// boilerplate and converts the remainder to Markdown. An empty region
// yields an empty-content result, not an error; only a parse failure
// is an error.
func (e *Extractor) Extract(htmlSrc, sourceURL string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlSrc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	result := &Result{
		Title: extractTitle(doc),
		Links: ExtractLinks(doc, sourceURL),
	}

	region := selectMainRegion(doc)
	if region == nil || region.Length() == 0 {
		return result, nil
	}

	stripBoilerplate(region)
	annotateCodeLanguages(region)
	replaceImages(region)

	regionHTML, err := goquery.OuterHtml(region)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize content region: %w", err)
	}

	markdown, err := e.conv.ConvertString(regionHTML, md.WithDomain(sourceURL))
	if err != nil {
		return nil, fmt.Errorf("failed to convert to markdown: %w", err)
	}

	markdown = collapseBlankLines(strings.TrimSpace(markdown))
	result.Content = markdown
	result.WordCount = len(strings.Fields(markdown))
	result.QualityScore = Score(markdown)
	return result, nil
}

func extractTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if t = strings.TrimSpace(t); t != "" {
			return t
		}
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// selectMainRegion returns the best candidate for the page's primary
// content. Known selectors win; otherwise the densest body descendant
// is chosen, penalized by link count so menus do not win.
func selectMainRegion(doc *goquery.Document) *goquery.Selection {
	for _, sel := range mainRegionSelectors {
		if region := doc.Find(sel).First(); region.Length() > 0 {
			return region
		}
	}

	body := doc.Find("body").First()
	if body.Length() == 0 {
		return nil
	}

	best := body
	bestScore := contentScore(body)
	body.Find("div, section").Each(func(_ int, s *goquery.Selection) {
		if score := contentScore(s); score > bestScore {
			best = s
			bestScore = score
		}
	})
	return best
}

func contentScore(s *goquery.Selection) int {
	content := s.Find("p").Length() +
		s.Find("h1, h2, h3, h4, h5, h6").Length() +
		s.Find("pre").Length()
	links := s.Find("a").Length()
	return content*2 - links
}

func stripBoilerplate(region *goquery.Selection) {
	region.Find(alwaysStripSelector).Remove()
	region.Find(junkSelector).Remove()
	region.Find(chromeSelector).Each(func(_ int, s *goquery.Selection) {
		// A sidebar that carries its own prose stays
		if s.Find("p, h1, h2, h3, h4, h5, h6").Length() == 0 {
			s.Remove()
		}
	})
}

// annotateCodeLanguages normalizes the language hint of every code
// block onto a language- class so the Markdown converter emits it as
// the fence info string.
func annotateCodeLanguages(region *goquery.Selection) {
	region.Find("pre").Each(func(_ int, pre *goquery.Selection) {
		code := pre.Find("code").First()
		target := code
		if target.Length() == 0 {
			target = pre
		}
		lang := DetectLanguage(pre, code, target.Text())
		if lang != "" {
			target.SetAttr("class", "language-"+lang)
		}
	})
}

// replaceImages swaps every img for its alt text; pages never carry
// binary references into the artifact.
func replaceImages(region *goquery.Selection) {
	region.Find("img").Each(func(_ int, img *goquery.Selection) {
		alt := strings.TrimSpace(img.AttrOr("alt", ""))
		if alt == "" {
			img.Remove()
			return
		}
		img.ReplaceWithHtml("<span>[IMAGE: " + html.EscapeString(alt) + "]</span>")
	})
}

var blankLineRe = regexp.MustCompile(`\n{3,}`)

func collapseBlankLines(s string) string {
	return blankLineRe.ReplaceAllString(s, "\n\n")
}
