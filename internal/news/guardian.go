package news

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned by adapters that lack credentials.
var ErrNotConfigured = errors.New("source not configured")

const guardianPageSize = 50

// GuardianAPIAdapter searches the Guardian content API.
type GuardianAPIAdapter struct {
	endpoint string
	apiKey   string
	section  string
	client   *http.Client
}

// NewGuardianAPIAdapter creates a Guardian adapter. An empty key leaves
// the adapter unconfigured.
func NewGuardianAPIAdapter(endpoint, apiKey, section string, client *http.Client) *GuardianAPIAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &GuardianAPIAdapter{endpoint: endpoint, apiKey: apiKey, section: section, client: client}
}

func (g *GuardianAPIAdapter) Source() Source { return SourceGuardian }

// IsConfigured returns whether the API key is available.
func (g *GuardianAPIAdapter) IsConfigured() bool { return g.apiKey != "" }

// Collect runs one search for the fixture's teams.
func (g *GuardianAPIAdapter) Collect(ctx context.Context, q Query) ([]RawArticle, error) {
	if !g.IsConfigured() {
		return nil, fmt.Errorf("guardian: %w", ErrNotConfigured)
	}

	pageSize := q.Limit
	if pageSize <= 0 || pageSize > guardianPageSize {
		pageSize = guardianPageSize
	}
	params := url.Values{
		"q":           {orQuery(q.Teams)},
		"show-fields": {"body,byline"},
		"order-by":    {"newest"},
		"page-size":   {strconv.Itoa(pageSize)},
		"api-key":     {g.apiKey},
	}
	if g.section != "" {
		params.Set("section", g.section)
	}
	if !q.Since.IsZero() {
		params.Set("from-date", q.Since.Format("2006-01-02"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("guardian request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("guardian: %w", &httpError{code: resp.StatusCode})
	}

	var result struct {
		Response struct {
			Status  string `json:"status"`
			Results []struct {
				WebTitle           string `json:"webTitle"`
				WebURL             string `json:"webUrl"`
				WebPublicationDate string `json:"webPublicationDate"`
				Fields             struct {
					Body   string `json:"body"`
					Byline string `json:"byline"`
				} `json:"fields"`
			} `json:"results"`
		} `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("guardian decode: %w", err)
	}
	if result.Response.Status != "ok" {
		return nil, fmt.Errorf("guardian status %q", result.Response.Status)
	}

	var articles []RawArticle
	for _, r := range result.Response.Results {
		if r.WebURL == "" || strings.TrimSpace(r.WebTitle) == "" {
			continue
		}
		published, _ := time.Parse(time.RFC3339, r.WebPublicationDate)
		articles = append(articles, RawArticle{
			Title:       strings.TrimSpace(r.WebTitle),
			Content:     htmlToText(r.Fields.Body),
			URL:         r.WebURL,
			Author:      r.Fields.Byline,
			SourceName:  "The Guardian",
			PublishedAt: published.UTC(),
		})
	}
	return articles, nil
}

func orQuery(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = strconv.Quote(t)
	}
	return strings.Join(quoted, " OR ")
}
