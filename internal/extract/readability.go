// Package extract turns raw HTML pages into plain article text.
package extract

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/htmlmeta"
)

const blockSelector = "h1,h2,h3,h4,h5,h6,p,li,pre,blockquote,tr"

// Readability implements corpus.Extractor on top of go-readability.
type Readability struct {
	meta   *htmlmeta.Parser
	logger *zap.Logger
}

// NewReadability constructs the extractor. A nil parser gets a fresh one.
func NewReadability(meta *htmlmeta.Parser, logger *zap.Logger) *Readability {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meta == nil {
		meta = htmlmeta.New(logger)
	}
	return &Readability{meta: meta, logger: logger}
}

// Extract decodes the page, isolates the main article and renders its blocks
// as markdown-flavoured text. An article without text yields a Document with
// an empty Text and no error.
func (r *Readability) Extract(ctx context.Context, req corpus.ExtractRequest) (corpus.Document, error) {
	if err := ctx.Err(); err != nil {
		return corpus.Document{}, err
	}
	if len(req.HTML) == 0 {
		return corpus.Document{}, fmt.Errorf("extract %s: empty document", req.URL)
	}
	pageURL, err := url.Parse(req.URL)
	if err != nil {
		return corpus.Document{}, fmt.Errorf("extract: parse url %q: %w", req.URL, err)
	}

	html := r.meta.Decode(req.HTML)
	parser := readability.NewParser()
	article, err := parser.Parse(strings.NewReader(html), pageURL)
	if err != nil {
		return corpus.Document{}, fmt.Errorf("extract %s: readability: %w", req.URL, err)
	}
	if err := ctx.Err(); err != nil {
		return corpus.Document{}, err
	}

	text, err := renderBlocks(article.Content)
	if err != nil {
		return corpus.Document{}, fmt.Errorf("extract %s: walk article: %w", req.URL, err)
	}

	doc := corpus.Document{
		Title:    normalizeText(article.Title),
		Author:   normalizeText(article.Byline),
		Hostname: pageURL.Hostname(),
		Sitename: normalizeText(article.SiteName),
		Excerpt:  normalizeText(article.Excerpt),
		Text:     text,
		Language: req.TargetLanguage,
	}
	if article.PublishedTime != nil {
		doc.Date = article.PublishedTime.Format("2006-01-02")
	}
	if lang, ok := r.meta.ParseLang(req.HTML); ok && lang != "" {
		doc.Language = strings.ToLower(lang)
	}
	return doc, nil
}

// renderBlocks walks the outermost content blocks of the article HTML.
func renderBlocks(content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", err
	}

	var lines []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered(blockSelector).Length() > 0 {
			return
		}
		if line := renderBlock(s); line != "" {
			lines = append(lines, line)
		}
	})
	return strings.Join(lines, "\n"), nil
}

func renderBlock(s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	switch tag {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		text := normalizeText(s.Text())
		if text == "" {
			return ""
		}
		return strings.Repeat("#", int(tag[1]-'0')) + " " + text
	case "li":
		text := normalizeText(s.Text())
		if text == "" {
			return ""
		}
		return "- " + text
	case "blockquote":
		text := normalizeText(s.Text())
		if text == "" {
			return ""
		}
		return "> " + text
	case "pre":
		return strings.TrimSpace(s.Text())
	case "tr":
		var cells []string
		s.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, normalizeText(cell.Text()))
		})
		if strings.TrimSpace(strings.Join(cells, "")) == "" {
			return ""
		}
		return strings.Join(cells, " | ")
	default:
		return normalizeText(s.Text())
	}
}

// normalizeText collapses a block's lines into one.
func normalizeText(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 0, 64*1024), len(input)+1)
	for scanner.Scan() {
		line := strings.Join(strings.Fields(scanner.Text()), " ")
		if line != "" {
			b.WriteString(line)
			b.WriteString(" ")
		}
	}
	return strings.TrimSpace(b.String())
}
