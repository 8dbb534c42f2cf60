package news

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const minExtractedLength = 200

// ContentFetcher fills in article text from the article page via
// readability extraction. After an HTTP error from a host, further pages
// from that host are skipped for the fetcher's lifetime.
type ContentFetcher struct {
	client    *http.Client
	userAgent string

	mu            sync.Mutex
	failedDomains map[string]struct{}
}

// NewContentFetcher creates a content fetcher.
func NewContentFetcher(timeout time.Duration, userAgent string) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if userAgent == "" {
		userAgent = "matchwire/1.0 (fixture news)"
	}
	return &ContentFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent:     userAgent,
		failedDomains: make(map[string]struct{}),
	}
}

// Fetch returns the readable text of the page, or "" when nothing usable
// could be extracted.
func (f *ContentFetcher) Fetch(ctx context.Context, articleURL string) (string, error) {
	u, err := url.Parse(articleURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	domain := strings.ToLower(u.Host)

	f.mu.Lock()
	_, failed := f.failedDomains[domain]
	f.mu.Unlock()
	if failed {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil // connection error, not HTTP error
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		f.mu.Lock()
		f.failedDomains[domain] = struct{}{}
		f.mu.Unlock()
		return "", &httpError{code: resp.StatusCode}
	}

	article, err := readability.FromReader(resp.Body, u)
	if err != nil {
		return "", nil
	}

	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) > minExtractedLength {
		return text, nil
	}
	return "", nil
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.code, http.StatusText(e.code))
}
