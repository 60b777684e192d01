package scraper

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aviary/internal/interfaces"
	"github.com/ternarybob/aviary/internal/models"
)

// timelineExtractJS walks the rendered timeline and returns one candidate
// object per visible post. Engagement counts come back as display strings
// ("1.2K") and are parsed on the Go side.
const timelineExtractJS = `
(() => {
	const posts = [];
	for (const article of document.querySelectorAll('article[data-testid="tweet"]')) {
		const pick = (sel) => {
			const el = article.querySelector(sel);
			return el ? el.innerText : '';
		};
		const handleEl = article.querySelector('div[data-testid="User-Name"] a[href^="/"]');
		const linkEl = article.querySelector('a[href*="/status/"]');
		const timeEl = article.querySelector('time');
		const media = [];
		for (const img of article.querySelectorAll('div[data-testid="tweetPhoto"] img')) {
			if (img.src) media.push(img.src);
		}
		const hashtags = [];
		for (const tag of article.querySelectorAll('a[href^="/hashtag/"]')) {
			hashtags.push(tag.innerText);
		}
		posts.push({
			author: handleEl ? handleEl.getAttribute('href').slice(1) : '',
			content: pick('div[data-testid="tweetText"]'),
			published_at: timeEl ? timeEl.getAttribute('datetime') : '',
			likes: pick('button[data-testid="like"]'),
			replies: pick('button[data-testid="reply"]'),
			reposts: pick('button[data-testid="retweet"]'),
			link: linkEl ? linkEl.href : '',
			hashtags: hashtags,
			media: media,
		});
	}
	return posts;
})()
`

// candidate mirrors the JSON shape produced by timelineExtractJS
type candidate struct {
	Author      string   `json:"author"`
	Content     string   `json:"content"`
	PublishedAt string   `json:"published_at"`
	Likes       string   `json:"likes"`
	Replies     string   `json:"replies"`
	Reposts     string   `json:"reposts"`
	Link        string   `json:"link"`
	Hashtags    []string `json:"hashtags"`
	Media       []string `json:"media"`
}

// TimelineExtractor pulls candidate records out of the rendered page via a
// single JavaScript evaluation.
type TimelineExtractor struct {
	logger arbor.ILogger
}

// NewTimelineExtractor creates the default DOM extractor
func NewTimelineExtractor(logger arbor.ILogger) *TimelineExtractor {
	return &TimelineExtractor{logger: logger}
}

// Extract returns every candidate currently in the DOM. A candidate that
// fails to convert is dropped here only when its shape is unusable; semantic
// validation belongs to the driver.
func (e *TimelineExtractor) Extract(ctx context.Context, session interfaces.BrowserSession) ([]*models.Record, error) {
	var candidates []candidate
	if err := session.Evaluate(ctx, timelineExtractJS, &candidates); err != nil {
		return nil, models.Tag(models.ErrKindExtractionMalformed,
			fmt.Errorf("timeline extraction failed: %w", err))
	}

	records := make([]*models.Record, 0, len(candidates))
	for _, c := range candidates {
		records = append(records, &models.Record{
			Author:      c.Author,
			Content:     c.Content,
			PublishedAt: c.PublishedAt,
			Likes:       parseCount(c.Likes),
			Replies:     parseCount(c.Replies),
			Reposts:     parseCount(c.Reposts),
			Link:        c.Link,
			Hashtags:    c.Hashtags,
			Media:       c.Media,
		})
	}
	return records, nil
}

// parseCount converts a display count like "12", "1.2K" or "3M" to a number.
// Unparseable input reads as zero, which only makes threshold filters
// stricter, never looser than intended.
func parseCount(s string) uint32 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	multiplier := 1.0
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		multiplier = 1_000
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		multiplier = 1_000_000
		s = s[:len(s)-1]
	}

	s = strings.ReplaceAll(s, ",", "")
	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0
	}
	return uint32(value * multiplier)
}
