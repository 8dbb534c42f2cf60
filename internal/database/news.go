package database

import (
	"database/sql"
	"fmt"
	"time"
)

const newsColumns = `id, fixture_id, source, source_name, title, content, url, author,
	published_at, collected_at, teams_mentioned, keywords_matched, relevance, sentiment,
	word_count, has_quotes, content_hash`

// InsertNewsArticle stores an article. Returns false when an article with
// the same content hash is already stored for the fixture.
func (db *DB) InsertNewsArticle(a NewsArticle) (bool, error) {
	teams, err := encodeJSON(a.TeamsMentioned)
	if err != nil {
		return false, err
	}
	keywords, err := encodeJSON(a.KeywordsMatched)
	if err != nil {
		return false, err
	}
	res, err := db.conn.Exec(
		`INSERT OR IGNORE INTO news_articles (`+newsColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.FixtureID, a.Source, a.SourceName, a.Title, a.Content, a.URL, a.Author,
		formatTime(a.PublishedAt), formatTime(a.CollectedAt), teams, keywords,
		a.Relevance, a.Sentiment, a.WordCount, boolInt(a.HasQuotes), a.ContentHash,
	)
	if err != nil {
		return false, fmt.Errorf("inserting article %q: %w", a.Title, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ArticlesForFixture returns stored articles for a fixture, most relevant first.
func (db *DB) ArticlesForFixture(fixtureID string) ([]NewsArticle, error) {
	rows, err := db.conn.Query(
		"SELECT "+newsColumns+` FROM news_articles WHERE fixture_id = ?
		ORDER BY relevance DESC, published_at DESC`, fixtureID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNewsArticles(rows)
}

// TeamSentiment returns the mean sentiment of articles collected since the
// given time that mention the team, along with the article count.
func (db *DB) TeamSentiment(team string, since time.Time) (float64, int, error) {
	var avg sql.NullFloat64
	var n int
	err := db.conn.QueryRow(
		`SELECT AVG(sentiment), COUNT(*) FROM news_articles
		WHERE collected_at >= ? AND teams_mentioned LIKE ?`,
		formatTime(since), `%"`+team+`"%`,
	).Scan(&avg, &n)
	if err != nil {
		return 0, 0, err
	}
	return avg.Float64, n, nil
}

// CountArticlesSince counts articles collected at or after since.
func (db *DB) CountArticlesSince(since time.Time) (int, error) {
	var n int
	err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM news_articles WHERE collected_at >= ?", formatTime(since),
	).Scan(&n)
	return n, err
}

func scanNewsArticles(rows *sql.Rows) ([]NewsArticle, error) {
	var articles []NewsArticle
	for rows.Next() {
		var a NewsArticle
		var author, teams, keywords sql.NullString
		var publishedAt, collectedAt string
		var quotes int
		if err := rows.Scan(&a.ID, &a.FixtureID, &a.Source, &a.SourceName, &a.Title,
			&a.Content, &a.URL, &author, &publishedAt, &collectedAt, &teams, &keywords,
			&a.Relevance, &a.Sentiment, &a.WordCount, &quotes, &a.ContentHash); err != nil {
			return nil, err
		}
		a.Author = nullStringPtr(author)
		a.PublishedAt = parseTime(publishedAt)
		a.CollectedAt = parseTime(collectedAt)
		a.TeamsMentioned = decodeStrings(teams)
		a.KeywordsMatched = decodeStrings(keywords)
		a.HasQuotes = quotes != 0
		articles = append(articles, a)
	}
	return articles, rows.Err()
}
