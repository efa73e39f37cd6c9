package poller

import (
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/nugget/newsreel/internal/article"
	"github.com/nugget/newsreel/internal/config"
)

// Drop reasons, aligned with the articles_dropped metric labels.
const (
	dropInvalid    = "invalid"
	dropStale      = "stale"
	dropSpam       = "spam"
	dropDuplicate  = "duplicate"
	dropSyndicated = "syndicated"
)

// dcDateLayouts are the W3C-DTF shapes seen in dc:date elements, most
// specific first.
var dcDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
}

// buildArticle normalizes one feed entry into an article record:
// absolute URL, markup stripped, timestamps in UTC, language and
// category assigned, entities and dedup hashes computed. Returns nil
// plus a drop reason when the entry fails validation.
func buildArticle(f config.Feed, item *gofeed.Item, fetchedAt time.Time, horizon time.Duration) (*article.Article, string) {
	link := resolveLink(f.URL, item.Link)
	title := article.CleanText(item.Title)
	if link == "" || title == "" {
		return nil, dropInvalid
	}

	published, fromFeed := publishedTime(item, fetchedAt)
	if fromFeed && fetchedAt.Sub(published) > horizon {
		return nil, dropStale
	}

	description := article.CleanText(item.Description)
	content := article.CleanText(item.Content)

	raw := item.Title + " " + item.Description + " " + item.Content
	cleaned := title + " " + description + " " + content
	if ok, _ := article.SpamCheck(raw, cleaned); !ok {
		return nil, dropSpam
	}

	lang := f.Language
	if lang == "" {
		lang = article.DetectLanguage(title, description)
	}

	a := &article.Article{
		ID:           article.NewID(f.ID, link),
		SourceID:     f.ID,
		SourceDomain: domainOf(link),
		SourceTier:   f.Tier,

		URL:         link,
		Title:       title,
		Description: description,
		Content:     content,
		Tags:        item.Categories,

		PublishedAt:   published,
		FetchedAt:     fetchedAt.UTC(),
		PublishedDate: published.Format("2006-01-02"),

		Language: lang,
		Category: article.Categorize(link, f.CategoryHint, title, description),
	}

	if len(item.Authors) > 0 && item.Authors[0] != nil {
		a.Author = item.Authors[0].Name
	} else if item.Author != nil {
		a.Author = item.Author.Name
	}

	a.Entities = article.ExtractEntities(title, a.BestText())
	a.StoryFingerprint = article.Fingerprint(title+" "+description, a.Entities)
	a.ExactHash = article.ExactHash(title, a.SourceDomain)
	a.SimHash = article.SimHash(title + " " + description)

	return a, ""
}

// publishedTime resolves the entry timestamp: published, then updated,
// then dc:date, then the fetch time. The second return reports whether
// the time came from the feed (fallback times are exempt from the
// staleness check).
func publishedTime(item *gofeed.Item, fetchedAt time.Time) (time.Time, bool) {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC(), true
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC(), true
	}
	if item.DublinCoreExt != nil {
		for _, raw := range item.DublinCoreExt.Date {
			for _, layout := range dcDateLayouts {
				if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
					return t.UTC(), true
				}
			}
		}
	}
	return fetchedAt.UTC(), false
}

// resolveLink turns an entry link absolute against the feed URL.
// Returns "" when no usable URL can be formed.
func resolveLink(feedURL, link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	ref, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	base, err := url.Parse(feedURL)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// domainOf extracts the registrable-ish host from a URL, dropping a
// leading www.
func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
