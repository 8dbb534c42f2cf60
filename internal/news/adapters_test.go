package news

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var derbyQuery = Query{
	Teams:    []string{"Arsenal", "Tottenham"},
	Keywords: []string{"premier league"},
	Since:    time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
}

const articlePage = `<html><head><title>Derby preview</title></head><body>
<article>
<p>Arsenal welcome Tottenham to the Emirates on Saturday evening, with both sides chasing points at the top end of the table and neither manager willing to concede an inch before kickoff.</p>
<p>The home side have won four of their last five league matches, scoring freely, while the visitors arrive on the back of a confident run of results, built on a high press and quick transitions.</p>
<p>Team news, injuries and suspensions will shape the selection, and both camps have kept their cards close to their chests during the week, which only adds to the intrigue around the fixture.</p>
</article>
</body></html>`

func rssFeed(base string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Football</title>
<item>
  <title>Arsenal v Tottenham: derby preview</title>
  <link>%[1]s/article</link>
  <description>&lt;p&gt;Short teaser.&lt;/p&gt;</description>
  <pubDate>Fri, 13 Mar 2026 10:00:00 GMT</pubDate>
</item>
<item>
  <title>Ten pasta recipes</title>
  <link>%[1]s/pasta</link>
  <description>Not football at all.</description>
  <pubDate>Fri, 13 Mar 2026 09:00:00 GMT</pubDate>
</item>
<item>
  <title>Arsenal season review</title>
  <link>%[1]s/old</link>
  <description>From last year.</description>
  <pubDate>Sun, 01 Jun 2025 09:00:00 GMT</pubDate>
</item>
</channel></rss>`, base)
}

func TestRSSAdapterFiltersAndFillsShortItems(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssFeed(srv.URL))
	})
	mux.HandleFunc("/article", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, articlePage)
	})

	ad := NewRSSAdapter([]FeedConfig{{URL: srv.URL + "/feed", Name: "Test Feed"}}, 10,
		NewContentFetcher(time.Second, ""), quietLogger())
	assert.Equal(t, SourceRSS, ad.Source())

	got, err := ad.Collect(context.Background(), derbyQuery)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Arsenal v Tottenham: derby preview", got[0].Title)
	assert.Equal(t, "Test Feed", got[0].SourceName)
	assert.Contains(t, got[0].Content, "Emirates")
	assert.Equal(t, time.Date(2026, 3, 13, 10, 0, 0, 0, time.UTC), got[0].PublishedAt)
}

func TestRSSAdapterFailsWhenEveryFeedFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	ad := NewRSSAdapter([]FeedConfig{{URL: srv.URL + "/feed"}}, 10, nil, quietLogger())
	_, err := ad.Collect(context.Background(), derbyQuery)
	assert.Error(t, err)
}

func TestExtractSourceName(t *testing.T) {
	assert.Equal(t, "Skysports", extractSourceName("https://www.skysports.com/rss/12040"))
	assert.Equal(t, "Theguardian", extractSourceName("https://www.theguardian.com/football/rss"))
}

func TestGuardianAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("api-key"))
		assert.Equal(t, "football", r.URL.Query().Get("section"))
		assert.Equal(t, "2026-03-07", r.URL.Query().Get("from-date"))
		assert.Equal(t, `"Arsenal" OR "Tottenham"`, r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"response":{"status":"ok","results":[
			{"webTitle":"Arteta demands focus","webUrl":"https://example.com/a",
			 "webPublicationDate":"2026-03-13T08:00:00Z",
			 "fields":{"body":"<p>Arsenal train.</p><p>\"We are ready,\" he said.</p>","byline":"A. Writer"}},
			{"webTitle":"","webUrl":"https://example.com/empty"}
		]}}`)
	}))
	defer srv.Close()

	ad := NewGuardianAPIAdapter(srv.URL, "secret", "football", srv.Client())
	got, err := ad.Collect(context.Background(), derbyQuery)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, `Arsenal train. "We are ready," he said.`, got[0].Content)
	assert.Equal(t, "A. Writer", got[0].Author)
	assert.Equal(t, "The Guardian", got[0].SourceName)
}

func TestGuardianAdapterRequiresKey(t *testing.T) {
	ad := NewGuardianAPIAdapter("http://unused", "", "football", nil)
	_, err := ad.Collect(context.Background(), derbyQuery)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestGuardianAdapterHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	ad := NewGuardianAPIAdapter(srv.URL, "secret", "", srv.Client())
	_, err := ad.Collect(context.Background(), derbyQuery)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestRedditAdapter(t *testing.T) {
	created := time.Date(2026, 3, 13, 12, 0, 0, 0, time.UTC).Unix()
	stale := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/soccer/search.json", r.URL.Path)
		assert.Equal(t, "matchwire-test", r.Header.Get("User-Agent"))
		assert.Equal(t, "1", r.URL.Query().Get("restrict_sr"))
		fmt.Fprintf(w, `{"data":{"children":[
			{"data":{"title":"Arsenal vs Tottenham pre-match thread","selftext":"Lineups  soon",
			 "permalink":"/r/soccer/comments/abc","author":"mod","score":812,"created_utc":%d}},
			{"data":{"title":"Old thread","permalink":"/r/soccer/comments/old","score":5,"created_utc":%d}}
		]}}`, created, stale)
	}))
	defer srv.Close()

	ad := NewRedditAdapter(srv.URL+"/", []string{"soccer"}, "matchwire-test", srv.Client())
	got, err := ad.Collect(context.Background(), derbyQuery)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 812, got[0].Engagement)
	assert.Equal(t, "Lineups soon", got[0].Content)
	assert.Equal(t, srv.URL+"/r/soccer/comments/abc", got[0].URL)
	assert.Equal(t, "r/soccer", got[0].SourceName)
}

func TestRedditAdapterFailsWhenEverySubredditFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	ad := NewRedditAdapter(srv.URL, []string{"soccer", "PremierLeague"}, "ua", srv.Client())
	_, err := ad.Collect(context.Background(), derbyQuery)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "503"))
}
