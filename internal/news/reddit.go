package news

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const redditPageSize = 25

// RedditAdapter searches subreddits through the public JSON listing.
type RedditAdapter struct {
	endpoint   string
	subreddits []string
	userAgent  string
	client     *http.Client
}

// NewRedditAdapter creates a Reddit adapter.
func NewRedditAdapter(endpoint string, subreddits []string, userAgent string, client *http.Client) *RedditAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RedditAdapter{
		endpoint:   strings.TrimRight(endpoint, "/"),
		subreddits: subreddits,
		userAgent:  userAgent,
		client:     client,
	}
}

func (r *RedditAdapter) Source() Source { return SourceReddit }

// Collect searches each subreddit in turn. It fails only when every
// subreddit failed.
func (r *RedditAdapter) Collect(ctx context.Context, q Query) ([]RawArticle, error) {
	var all []RawArticle
	var lastErr error
	for _, sub := range r.subreddits {
		posts, err := r.search(ctx, sub, q)
		if err != nil {
			lastErr = err
			continue
		}
		all = append(all, posts...)
	}
	if len(all) == 0 && lastErr != nil {
		return nil, lastErr
	}
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				Title      string  `json:"title"`
				Selftext   string  `json:"selftext"`
				Permalink  string  `json:"permalink"`
				URL        string  `json:"url"`
				Author     string  `json:"author"`
				Score      int     `json:"score"`
				CreatedUTC float64 `json:"created_utc"`
				Subreddit  string  `json:"subreddit"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

func (r *RedditAdapter) search(ctx context.Context, sub string, q Query) ([]RawArticle, error) {
	limit := q.Limit
	if limit <= 0 || limit > redditPageSize {
		limit = redditPageSize
	}
	params := url.Values{
		"q":           {orQuery(q.Teams)},
		"restrict_sr": {"1"},
		"sort":        {"new"},
		"t":           {"week"},
		"limit":       {strconv.Itoa(limit)},
	}
	endpoint := fmt.Sprintf("%s/r/%s/search.json?%s", r.endpoint, url.PathEscape(sub), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reddit request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reddit r/%s: %w", sub, &httpError{code: resp.StatusCode})
	}

	var listing redditListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("reddit decode: %w", err)
	}

	var posts []RawArticle
	for _, c := range listing.Data.Children {
		p := c.Data
		if strings.TrimSpace(p.Title) == "" {
			continue
		}
		created := time.Unix(int64(p.CreatedUTC), 0).UTC()
		if !q.Since.IsZero() && created.Before(q.Since) {
			continue
		}
		link := p.URL
		if p.Permalink != "" {
			link = r.endpoint + p.Permalink
		}
		posts = append(posts, RawArticle{
			Title:       strings.TrimSpace(p.Title),
			Content:     strings.Join(strings.Fields(p.Selftext), " "),
			URL:         link,
			Author:      p.Author,
			SourceName:  "r/" + sub,
			PublishedAt: created,
			Engagement:  p.Score,
		})
	}
	return posts, nil
}
