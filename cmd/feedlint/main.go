// Command feedlint checks the Newsreel feed roster.
//
// Without -fetch it lints the roster statically: URL schemes, duplicate
// endpoints, missing tiers. With -fetch it also requests each feed once
// and reports unreachable endpoints, non-2xx statuses, unparseable
// documents, and feeds that have gone stale.
//
// Usage:
//
//	feedlint [-config PATH] [-fetch] [-timeout SEC] [-concurrency N]
//
// The exit status is 1 when any feed fails, so the roster can be linted
// in CI before a config change ships.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/newsreel/internal/buildinfo"
	"github.com/nugget/newsreel/internal/config"
	"github.com/nugget/newsreel/internal/httpkit"
)

// maxFeedBytes mirrors the poller's read bound so feedlint judges a
// feed the same way the daemon will.
const maxFeedBytes = 4 << 20 // 4 MB

// staleAfter is how old a feed's newest entry may be before the feed
// earns a staleness warning. Wire feeds publish many times an hour; a
// week of silence means the endpoint moved or the outlet folded.
const staleAfter = 7 * 24 * time.Hour

// result is one feed's lint outcome. A feed with problems fails the
// run; warnings are reported but do not affect the exit status.
type result struct {
	feed     config.Feed
	problems []string
	warnings []string
	title    string
	entries  int
	newest   time.Time
}

func (r *result) failf(format string, args ...any) {
	r.problems = append(r.problems, fmt.Sprintf(format, args...))
}

func (r *result) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: standard search paths)")
	fetch := flag.Bool("fetch", false, "Fetch each feed once and check the response")
	timeout := flag.Int("timeout", 15, "Per-feed fetch timeout in seconds")
	concurrency := flag.Int("concurrency", 8, "Concurrent fetches")
	verbose := flag.Bool("verbose", false, "Verbose output")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	path, err := config.FindConfig(*configPath)
	if err != nil {
		logger.Error("no config found", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("config rejected", "path", path, "error", err)
		os.Exit(1)
	}

	feeds := cfg.Poller.Feeds
	if len(feeds) == 0 {
		logger.Error("roster is empty", "path", path)
		os.Exit(1)
	}
	logger.Debug("roster loaded", "path", path, "feeds", len(feeds))

	results := lintStatic(feeds)

	if *fetch {
		client := httpkit.NewClient(
			httpkit.WithTimeout(time.Duration(*timeout)*time.Second),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		)

		g, ctx := errgroup.WithContext(context.Background())
		g.SetLimit(*concurrency)
		for _, r := range results {
			g.Go(func() error {
				fetchOnce(ctx, client, r)
				logger.Debug("fetched", "feed", r.feed.ID, "problems", len(r.problems))
				return nil
			})
		}
		g.Wait()
	}

	failed := report(os.Stdout, results, *fetch)
	if failed > 0 {
		os.Exit(1)
	}
}

// lintStatic checks the roster without touching the network. Load has
// already enforced ids, urls, and tier values; this layer catches the
// mistakes that are legal YAML but wrong.
func lintStatic(feeds []config.Feed) []*result {
	results := make([]*result, len(feeds))
	byURL := make(map[string]string, len(feeds))

	for i, f := range feeds {
		r := &result{feed: f}
		results[i] = r

		u, err := url.Parse(f.URL)
		if err != nil {
			r.failf("unparseable url: %v", err)
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			r.failf("scheme %q will never fetch (want http or https)", u.Scheme)
		}
		if first, dup := byURL[f.URL]; dup {
			r.warnf("same url as feed %s", first)
		} else {
			byURL[f.URL] = f.ID
		}
		if f.Tier == 0 {
			r.warnf("no tier set, polled at tier-2 cadence")
		}
	}
	return results
}

// fetchOnce requests the feed a single time and records what the daemon
// would see. Feeds that already failed static lint are skipped; their
// URL is known not to work.
func fetchOnce(ctx context.Context, client *http.Client, r *result) {
	if len(r.problems) > 0 {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.feed.URL, nil)
	if err != nil {
		r.failf("create request: %v", err)
		return
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")

	resp, err := client.Do(req)
	if err != nil {
		r.failf("unreachable: %v", err)
		return
	}
	defer httpkit.DrainAndClose(resp.Body, maxFeedBytes)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		r.failf("HTTP %d", resp.StatusCode)
		return
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		r.failf("unparseable feed: %v", err)
		return
	}

	r.title = feed.Title
	r.entries = len(feed.Items)
	for _, item := range feed.Items {
		when := item.PublishedParsed
		if when == nil {
			when = item.UpdatedParsed
		}
		if when != nil && when.After(r.newest) {
			r.newest = *when
		}
	}

	if r.entries == 0 {
		r.warnf("feed has no entries")
	} else if r.newest.IsZero() {
		r.warnf("no entry carries a timestamp")
	} else if age := time.Since(r.newest); age > staleAfter {
		r.warnf("stale: newest entry is %s old", age.Truncate(time.Hour))
	}
}

// report prints one line per feed plus a summary, and returns the
// number of failed feeds.
func report(w io.Writer, results []*result, fetched bool) int {
	idWidth := 0
	for _, r := range results {
		if len(r.feed.ID) > idWidth {
			idWidth = len(r.feed.ID)
		}
	}

	var ok, warned, failed int
	for _, r := range results {
		switch {
		case len(r.problems) > 0:
			failed++
			for _, p := range r.problems {
				fmt.Fprintf(w, "%-*s  FAIL  %s\n", idWidth, r.feed.ID, p)
			}
		case len(r.warnings) > 0:
			warned++
			for _, warning := range r.warnings {
				fmt.Fprintf(w, "%-*s  WARN  %s\n", idWidth, r.feed.ID, warning)
			}
		default:
			ok++
			if fetched {
				fmt.Fprintf(w, "%-*s  OK    %s (%d entries, newest %s ago)\n",
					idWidth, r.feed.ID, r.title, r.entries,
					time.Since(r.newest).Truncate(time.Minute))
			} else {
				fmt.Fprintf(w, "%-*s  OK\n", idWidth, r.feed.ID)
			}
		}
	}

	fmt.Fprintf(w, "\n%d feeds: %d ok, %d warned, %d failed\n",
		len(results), ok, warned, failed)
	return failed
}
