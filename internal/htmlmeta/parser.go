// Package htmlmeta extracts language, charset, and short descriptive text from
// raw markup bytes without building a DOM.
package htmlmeta

import (
	"bytes"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

var (
	descriptionTags = []string{
		"dc.description", "dc:description",
		"dcterms.abstract", "dcterms.description",
		"description", "sailthru.description", "twitter:description",
	}
	titleTags = []string{
		"citation_title", "dc.title", "dcterms.title", "fb_title",
		"headline", "parsely-title", "sailthru.title", "shareaholic:title",
		"rbtitle", "title", "twitter:title",
	}
)

// Signals are the decoded markup hints the language cascade consumes.
type Signals struct {
	Lang        string
	Description string
	Title       string
	Heading     string
}

// Parser holds the compiled patterns. It is safe for concurrent use.
type Parser struct {
	langPattern        *regexp.Regexp
	encodingPattern    *regexp.Regexp
	descriptionPattern *regexp.Regexp
	titlePattern       *regexp.Regexp
	htmlTitlePattern   *regexp.Regexp
	headingPattern     *regexp.Regexp
	tagPattern         *regexp.Regexp
	decoder            *Decoder
}

// New compiles the metadata patterns.
func New(logger *zap.Logger) *Parser {
	return &Parser{
		langPattern: regexp.MustCompile(`<html.*lang="(.*?)"`),
		encodingPattern: regexp.MustCompile(`(?is)(?:` +
			`<\?xml.*?encoding=["']([\w-]+)["']|` +
			`<meta[^>]+charset=["']([\w-]+)["']|` +
			`<meta[^>]+charset=([\w-]+)(?:\s|>)|` +
			`<meta\s+http-equiv=["'](?:Content-Type|content-type)["'][^>]+content=["'].*?charset=([\w-]+)["']` +
			`)`),
		descriptionPattern: metaPattern(descriptionTags),
		titlePattern:       metaPattern(titleTags),
		htmlTitlePattern:   regexp.MustCompile(`<title>(.*?)</title>`),
		headingPattern:     regexp.MustCompile(`(?is)<h[1-6][^>]*>(.*?)</h[1-6]>`),
		tagPattern:         regexp.MustCompile(`<[^>]+>`),
		decoder:            NewDecoder(logger),
	}
}

func metaPattern(tags []string) *regexp.Regexp {
	quoted := make([]string, len(tags))
	for i, tag := range tags {
		quoted[i] = regexp.QuoteMeta(tag)
	}
	return regexp.MustCompile(`<meta[^>]+(?:name|property)=["'](` +
		strings.Join(quoted, "|") +
		`)["'][^>]+content=["'](.*?)["']`)
}

// ParseLang returns the declared lang attribute of the html element.
func (p *Parser) ParseLang(data []byte) (string, bool) {
	m := p.langPattern.FindSubmatch(data)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

// ParseEncoding returns the first declared charset found in the markup.
func (p *Parser) ParseEncoding(data []byte) (string, bool) {
	m := p.encodingPattern.FindSubmatch(data)
	if m == nil {
		return "", false
	}
	for _, group := range m[1:] {
		if len(group) > 0 {
			return string(group), true
		}
	}
	return "", false
}

// ParseDescription returns the longest description-like meta content.
func (p *Parser) ParseDescription(data []byte) (string, bool) {
	content, ok := longestMetaContent(p.descriptionPattern, data)
	if !ok {
		return "", false
	}
	return p.decoder.Decode(content), true
}

// ParseTitle returns the longest title-like meta content, falling back to the
// document title element.
func (p *Parser) ParseTitle(data []byte) (string, bool) {
	if content, ok := longestMetaContent(p.titlePattern, data); ok {
		return p.decoder.Decode(content), true
	}
	m := p.htmlTitlePattern.FindSubmatch(data)
	if m == nil {
		return "", false
	}
	return p.decoder.Decode(m[1]), true
}

// ParseHeading returns the longest h1-h6 text with inner tags removed.
func (p *Parser) ParseHeading(data []byte) (string, bool) {
	matches := p.headingPattern.FindAllSubmatch(data, -1)
	if len(matches) == 0 {
		return "", false
	}
	var longest []byte
	for i, m := range matches {
		cleaned := bytes.TrimSpace(p.tagPattern.ReplaceAll(m[1], nil))
		if i == 0 || len(cleaned) > len(longest) {
			longest = cleaned
		}
	}
	return p.decoder.Decode(longest), true
}

// Decode converts markup bytes to text; see Decoder.Decode.
func (p *Parser) Decode(data []byte) string {
	return p.decoder.Decode(data)
}

// Signals gathers every hint used by the language cascade.
func (p *Parser) Signals(data []byte) Signals {
	var s Signals
	s.Lang, _ = p.ParseLang(data)
	s.Description, _ = p.ParseDescription(data)
	s.Title, _ = p.ParseTitle(data)
	s.Heading, _ = p.ParseHeading(data)
	return s
}

// longestMetaContent keeps the first of the longest matches by byte length.
func longestMetaContent(pattern *regexp.Regexp, data []byte) ([]byte, bool) {
	matches := pattern.FindAllSubmatch(data, -1)
	if len(matches) == 0 {
		return nil, false
	}
	best := matches[0][2]
	for _, m := range matches[1:] {
		if len(m[2]) > len(best) {
			best = m[2]
		}
	}
	return best, true
}
