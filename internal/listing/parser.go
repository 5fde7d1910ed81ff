package listing

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarkusTheOrt/fia-docs-api/pkg/models"
	"github.com/PuerkitoBio/goquery"
)

// Result holds the outcome of parsing one listing page.
type Result struct {
	Refs    []models.DocumentReference // page order, top-to-bottom (newest first)
	Skipped int                        // entries missing a link or parseable date
}

// Published timestamps on the listing pages look like "03.01.25 17:45",
// sometimes prefixed with "Published on" and suffixed with a zone label.
var publishedLayouts = []string{
	"02.01.06 15:04",
	"02.01.2006 15:04",
	"02.01.06",
	"2006-01-02T15:04:05",
}

// Parse extracts document references from the raw HTML of a listing page.
// It is a pure function of its inputs. Entries that cannot be fully parsed
// are skipped and counted, never fatal: one mangled row must not hide the
// rest of the page.
func Parse(series models.Series, pageURL string, page []byte) (*Result, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page URL %q: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parsing listing HTML: %w", err)
	}

	result := &Result{}
	doc.Find("li.document-row").Each(func(_ int, row *goquery.Selection) {
		ref, ok := parseRow(series, base, row)
		if !ok {
			result.Skipped++
			return
		}
		result.Refs = append(result.Refs, ref)
	})

	return result, nil
}

func parseRow(series models.Series, base *url.URL, row *goquery.Selection) (models.DocumentReference, bool) {
	href, ok := row.Find("a[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return models.DocumentReference{}, false
	}

	title := strings.TrimSpace(row.Find(".title").First().Text())
	if title == "" {
		title = strings.TrimSpace(row.Find("a[href]").First().Text())
	}
	if title == "" {
		return models.DocumentReference{}, false
	}

	published, ok := parsePublished(row.Find(".published .date-display-single").First().Text())
	if !ok {
		return models.DocumentReference{}, false
	}

	abs, err := base.Parse(strings.TrimSpace(href))
	if err != nil {
		return models.DocumentReference{}, false
	}

	return models.DocumentReference{
		Series:      series,
		Title:       title,
		Category:    Classify(title),
		PublishedAt: published,
		SourceURL:   abs.String(),
	}, true
}

func parsePublished(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "Published on")
	s = strings.TrimSuffix(s, "CET")
	s = strings.TrimSuffix(s, "CEST")
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Classify maps a document title to its category. Unknown titles fall
// through to CategoryOther so the pipeline never drops a document over
// naming alone.
func Classify(title string) models.Category {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "decision"), strings.Contains(t, "infringement"),
		strings.Contains(t, "summons"), strings.Contains(t, "offence"):
		return models.CategoryDecision
	case strings.Contains(t, "bulletin"):
		return models.CategoryBulletin
	case strings.Contains(t, "regulation"):
		return models.CategoryRegulation
	default:
		return models.CategoryOther
	}
}
