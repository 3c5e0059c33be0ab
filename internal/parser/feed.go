package parser

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"blogwatch/internal/model"
)

// isFeed reports whether the body looks like an RSS/Atom document.
func isFeed(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "xml") || strings.Contains(ct, "rss") || strings.Contains(ct, "atom") {
		return true
	}
	head := bytes.TrimSpace(body)
	if len(head) > 256 {
		head = head[:256]
	}
	return bytes.Contains(head, []byte("<rss")) || bytes.Contains(head, []byte("<feed"))
}

func (p *Parser) parseFeed(body []byte) ([]model.Post, error) {
	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	var posts []model.Post
	for _, item := range feed.Items {
		if item == nil || item.Title == "" {
			p.log.Warn("skipping malformed feed item")
			continue
		}
		posts = append(posts, p.feedItemToPost(item))
	}
	return posts, nil
}

func (p *Parser) feedItemToPost(item *gofeed.Item) model.Post {
	id := item.GUID
	if id == "" {
		id = PostKey(item.Title, item.Link)
	}

	published := time.Now().UTC()
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.UTC()
	}

	post := model.Post{
		ID:          id,
		Title:       cleanText(item.Title),
		Content:     cleanText(item.Description),
		PublishedAt: published,
		Link:        item.Link,
	}
	if len(item.Categories) > 0 {
		post.Category = item.Categories[0]
	}
	if item.Image != nil && item.Image.URL != "" {
		post.HasImage = true
		post.ImageURL = item.Image.URL
	}
	return post
}
