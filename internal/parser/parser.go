// Package parser extracts blog posts from fetched response bodies.
//
// The monitored source serves either an HTML listing page or an RSS/Atom
// feed; Parse dispatches on the content type and falls back to sniffing.
package parser

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"blogwatch/internal/model"
)

// Parser turns raw blog responses into Post records.
type Parser struct {
	baseURL string
	log     *slog.Logger
}

// New creates a Parser. baseURL is used to resolve relative post and image links.
func New(baseURL string, log *slog.Logger) *Parser {
	return &Parser{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log,
	}
}

// Parse extracts posts from a response body. Malformed entries are skipped
// with a warning; an empty result is not an error.
func (p *Parser) Parse(contentType string, body []byte) ([]model.Post, error) {
	if isFeed(contentType, body) {
		return p.parseFeed(body)
	}
	return p.parseHTML(body)
}

var metaRe = regexp.MustCompile(`(Local|Global)\s*-\s*([^-]+)\s*-\s*([^-]+)\s*-\s*([^(]+)\s*\(([^)]+)\)`)
var dateFallbackRe = regexp.MustCompile(`\(([^)]*\d{4}[^)]*)\)`)
var likesRe = regexp.MustCompile(`(\d+)\s*like`)
var commentsRe = regexp.MustCompile(`(\d+)\s*comment`)
var tagRe = regexp.MustCompile(`<[^>]+>`)
var yearRe = regexp.MustCompile(`\b(20\d{2})\b`)

func (p *Parser) parseHTML(body []byte) ([]model.Post, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var posts []model.Post
	doc.Find(`div[class^="one_block"]`).Each(func(i int, block *goquery.Selection) {
		post, ok := p.parseBlock(block)
		if !ok {
			p.log.Warn("skipping malformed post block", "index", i)
			return
		}
		posts = append(posts, post)
	})
	return posts, nil
}

func (p *Parser) parseBlock(block *goquery.Selection) (model.Post, bool) {
	tooltip := block.Find("div.oldtooltip").First()
	if tooltip.Length() == 0 {
		return model.Post{}, false
	}

	title := cleanText(tooltip.Find("h5").First().Text())
	content := cleanText(tooltip.Find("span").First().Text())
	if title == "" {
		return model.Post{}, false
	}

	var link string
	if href, ok := block.Find("a[onmouseover]").First().Attr("href"); ok {
		link = p.resolve(href)
	}

	location, department, category, publishDate := p.extractMetadata(block)

	post := model.Post{
		ID:          tooltip.AttrOr("id", ""),
		Title:       title,
		Content:     content,
		PublishedAt: parseDate(publishDate, p.log),
		Link:        link,
		Location:    location,
		Department:  department,
		Category:    category,
		IsUrgent:    block.Find(".urgent").Length() > 0,
	}
	if post.ID == "" {
		post.ID = PostKey(title, link)
	}

	if href, ok := block.Find("a.fancybox.image").First().Attr("href"); ok {
		post.HasImage = true
		post.ImageURL = p.resolve(href)
	}

	text := strings.ToLower(block.Text())
	post.Likes = firstInt(likesRe, text)
	post.Comments = firstInt(commentsRe, text)

	return post, true
}

func (p *Parser) extractMetadata(block *goquery.Selection) (location, department, category, publishDate string) {
	text := strings.TrimSpace(block.Text())

	if m := metaRe.FindStringSubmatch(text); m != nil {
		return cleanText(m[2]), cleanText(m[3]), cleanText(m[4]), cleanText(m[5])
	}

	// Fallback if the metadata line format changes: grab a parenthesized date.
	if m := dateFallbackRe.FindStringSubmatch(text); m != nil {
		return "", "", "", cleanText(m[1])
	}
	return "", "", "", ""
}

func (p *Parser) resolve(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	return p.baseURL + "/" + strings.TrimLeft(href, "/")
}

// PostKey derives a stable identity key for posts whose markup carries none.
func PostKey(title, link string) string {
	h := sha256.Sum256([]byte(title + "|" + link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

var dateLayouts = []string{
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
	"02/01/2006",
	"2006-01-02",
	"02.01.2006",
}

func parseDate(raw string, log *slog.Logger) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC()
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	if m := yearRe.FindStringSubmatch(raw); m != nil {
		year, _ := strconv.Atoi(m[1])
		return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	log.Warn("unparseable publish date, using current time", "date", raw)
	return time.Now().UTC()
}

func firstInt(re *regexp.Regexp, text string) int {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

func cleanText(text string) string {
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	return strings.Join(strings.Fields(text), " ")
}
