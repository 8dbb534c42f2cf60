package news

import (
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/matchwire/internal/config"
)

// AdaptersFromConfig builds the enabled adapters. A Guardian source without
// an API key in the environment is left out with a warning.
func AdaptersFromConfig(cfg config.News, log logrus.FieldLogger) []Adapter {
	client := &http.Client{Timeout: 30 * time.Second}
	var adapters []Adapter

	if cfg.RSS.Enabled && len(cfg.RSS.Feeds) > 0 {
		feeds := make([]FeedConfig, len(cfg.RSS.Feeds))
		for i, f := range cfg.RSS.Feeds {
			feeds[i] = FeedConfig{URL: f.URL, Name: f.Name}
		}
		var fetcher *ContentFetcher
		if cfg.RSS.FetchFullText {
			fetcher = NewContentFetcher(15*time.Second, cfg.Reddit.UserAgent)
		}
		adapters = append(adapters, NewRSSAdapter(feeds, cfg.RSS.MaxPerFeed, fetcher, log))
	}

	if cfg.Guardian.Enabled {
		key := os.Getenv(cfg.Guardian.APIKeyEnv)
		if key == "" {
			log.WithField("env", cfg.Guardian.APIKeyEnv).Warn("Guardian API key not set, source disabled")
		} else {
			adapters = append(adapters, NewGuardianAPIAdapter(cfg.Guardian.Endpoint, key, cfg.Guardian.Section, client))
		}
	}

	if cfg.Reddit.Enabled && len(cfg.Reddit.Subreddits) > 0 {
		adapters = append(adapters, NewRedditAdapter(cfg.Reddit.Endpoint, cfg.Reddit.Subreddits, cfg.Reddit.UserAgent, client))
	}
	return adapters
}
