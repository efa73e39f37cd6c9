package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/mmcdole/gofeed"

	"github.com/nugget/newsreel/internal/httpkit"
)

// maxFeedBytes bounds how much of a feed response we will read. Wire
// feeds run tens of kilobytes; anything past this is noise or abuse.
const maxFeedBytes = 4 << 20 // 4 MB

// fetchResult carries one feed fetch outcome. On a 304 the parsed feed
// is nil and only the status is meaningful.
type fetchResult struct {
	status       int
	feed         *gofeed.Feed
	etag         string
	lastModified string
}

// fetchFeed performs a conditional GET against the feed URL, sending the
// validators saved from the previous successful poll. 304 responses are
// returned as a result, not an error; they mean the feed is unchanged.
func fetchFeed(ctx context.Context, client *http.Client, url string, st *feedState) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
	if st.ETag != "" {
		req.Header.Set("If-None-Match", st.ETag)
	}
	if st.LastModified != "" {
		req.Header.Set("If-Modified-Since", st.LastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxFeedBytes)

	if resp.StatusCode == http.StatusNotModified {
		return &fetchResult{status: resp.StatusCode}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &fetchResult{status: resp.StatusCode}, fmt.Errorf("feed returned HTTP %d", resp.StatusCode)
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return &fetchResult{status: resp.StatusCode}, fmt.Errorf("parse feed: %w", err)
	}

	return &fetchResult{
		status:       resp.StatusCode,
		feed:         feed,
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
