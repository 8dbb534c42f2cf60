package news

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// htmlToText flattens an HTML fragment to whitespace-normalised text.
// Paragraph boundaries become single spaces.
func htmlToText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc.Find("script, style, figure, aside").Remove()

	var parts []string
	paragraphs := doc.Find("p")
	if paragraphs.Length() > 0 {
		paragraphs.Each(func(_ int, s *goquery.Selection) {
			if t := strings.TrimSpace(s.Text()); t != "" {
				parts = append(parts, t)
			}
		})
	} else {
		parts = append(parts, doc.Text())
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}
