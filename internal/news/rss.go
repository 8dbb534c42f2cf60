package news

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"
)

const defaultMaxPerFeed = 20

// FeedConfig is one RSS or Atom feed.
type FeedConfig struct {
	URL  string
	Name string
}

// RSSAdapter reads configured feeds and keeps the items that mention one
// of the query terms. Short items are filled in with the article page text
// when a fetcher is set.
type RSSAdapter struct {
	feeds      []FeedConfig
	maxPerFeed int
	fetcher    *ContentFetcher
	parser     *gofeed.Parser
	log        logrus.FieldLogger
}

// NewRSSAdapter creates an RSS adapter. fetcher may be nil.
func NewRSSAdapter(feeds []FeedConfig, maxPerFeed int, fetcher *ContentFetcher, log logrus.FieldLogger) *RSSAdapter {
	if maxPerFeed <= 0 {
		maxPerFeed = defaultMaxPerFeed
	}
	return &RSSAdapter{
		feeds:      feeds,
		maxPerFeed: maxPerFeed,
		fetcher:    fetcher,
		parser:     gofeed.NewParser(),
		log:        log,
	}
}

func (a *RSSAdapter) Source() Source { return SourceRSS }

// Collect parses every feed. A feed that fails to parse is logged and
// skipped; the adapter only fails when every feed failed.
func (a *RSSAdapter) Collect(ctx context.Context, q Query) ([]RawArticle, error) {
	var all []RawArticle
	var lastErr error
	failures := 0
	for _, fc := range a.feeds {
		name := fc.Name
		if name == "" {
			name = extractSourceName(fc.URL)
		}
		entries, err := a.parseFeed(ctx, fc.URL, name, q)
		if err != nil {
			failures++
			lastErr = err
			a.log.WithError(err).WithField("feed", fc.URL).Warn("Failed to parse feed")
			continue
		}
		a.log.WithFields(logrus.Fields{"feed": name, "entries": len(entries)}).Debug("Parsed feed")
		all = append(all, entries...)
	}
	if failures > 0 && failures == len(a.feeds) {
		return nil, lastErr
	}
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

func (a *RSSAdapter) parseFeed(ctx context.Context, feedURL, sourceName string, q Query) ([]RawArticle, error) {
	feed, err := a.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, err
	}

	terms := q.Terms()
	var entries []RawArticle
	for i, item := range feed.Items {
		if i >= a.maxPerFeed {
			break
		}
		entry := parseItem(item, sourceName)
		if entry == nil {
			continue
		}
		if !entry.PublishedAt.IsZero() && entry.PublishedAt.Before(q.Since) {
			continue
		}
		if len(Mentioned(entry.Title+" "+entry.Content, terms)) == 0 {
			continue
		}
		if a.fetcher != nil && len(entry.Content) < minExtractedLength {
			text, err := a.fetcher.Fetch(ctx, entry.URL)
			if err != nil {
				a.log.WithError(err).WithField("url", entry.URL).Debug("Full text fetch failed")
			} else if text != "" {
				entry.Content = text
			}
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func parseItem(item *gofeed.Item, source string) *RawArticle {
	itemURL := item.Link
	if itemURL == "" {
		itemURL = item.GUID
	}
	if itemURL == "" {
		return nil
	}

	title := strings.TrimSpace(item.Title)
	if title == "" {
		return nil
	}

	var published time.Time
	if item.PublishedParsed != nil {
		published = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		published = item.UpdatedParsed.UTC()
	}

	var content string
	if item.Content != "" {
		content = htmlToText(item.Content)
	} else if item.Description != "" {
		content = htmlToText(item.Description)
	}

	var author string
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		author = item.Authors[0].Name
	}

	return &RawArticle{
		Title:       title,
		Content:     content,
		URL:         itemURL,
		Author:      author,
		SourceName:  source,
		PublishedAt: published,
	}
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "rss.", "feeds.", "feeds2."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		name := parts[len(parts)-2]
		return strings.ToUpper(name[:1]) + name[1:]
	}
	return strings.ToUpper(host[:1]) + host[1:]
}
