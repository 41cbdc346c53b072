// Package scrape discovers videos from HTML listing pages using CSS selectors,
// for sources that publish no machine-readable feed.
package scrape

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"vodsum/internal/discovery"
	"vodsum/internal/services"
)

// durationExpr matches "12:34" and "1:02:34" duration badges.
var durationExpr = regexp.MustCompile(`(?:(\d{1,2}):)?(\d{1,2}):(\d{2})`)

// Client scrapes one listing page per List call. The selector identifies the
// per-video container; within it the first anchor supplies the link and title,
// and any element carrying a duration badge supplies the duration.
type Client struct {
	httpClient *http.Client
	selector   string
	userAgent  string
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient constructs a scraper for one selector.
func NewClient(selector string, timeout time.Duration, opts ...Option) (*Client, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return nil, services.Wrap(services.ErrConfiguration, "scrape", "new", "listing selector required", nil)
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		selector:   selector,
		userAgent:  "vodsum/1.0",
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

var _ discovery.Lister = (*Client)(nil)

// List fetches the page and extracts one video per selector match.
func (c *Client) List(ctx context.Context, sourceURL string) ([]discovery.Video, error) {
	base, err := url.Parse(strings.TrimSpace(sourceURL))
	if err != nil || base.Host == "" {
		return nil, services.Wrap(services.ErrConfiguration, "scrape", "list", fmt.Sprintf("invalid source url %q", sourceURL), err)
	}

	doc, err := c.fetchDocument(ctx, base.String())
	if err != nil {
		return nil, err
	}

	videos := make([]discovery.Video, 0)
	seen := map[string]struct{}{}
	doc.Find(c.selector).Each(func(_ int, sel *goquery.Selection) {
		video, ok := extractVideo(sel, base)
		if !ok {
			return
		}
		if _, dup := seen[video.VideoID]; dup {
			return
		}
		seen[video.VideoID] = struct{}{}
		videos = append(videos, video)
	})
	return videos, nil
}

func (c *Client) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "scrape", "list", "request document", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, services.Wrap(services.ErrTransient, "scrape", "list", fmt.Sprintf("listing returned %s", resp.Status), nil)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

func extractVideo(sel *goquery.Selection, base *url.URL) (discovery.Video, bool) {
	var video discovery.Video

	link := sel.Find("a[href]").First()
	href, ok := link.Attr("href")
	if !ok {
		return video, false
	}
	resolved, err := base.Parse(strings.TrimSpace(href))
	if err != nil {
		return video, false
	}
	video.URL = resolved.String()
	video.VideoID = videoIDFromURL(resolved)
	if video.VideoID == "" {
		return video, false
	}

	video.Title = strings.TrimSpace(link.Text())
	if video.Title == "" {
		video.Title = strings.TrimSpace(sel.Find("[title]").First().AttrOr("title", ""))
	}

	if match := durationExpr.FindStringSubmatch(sel.Text()); match != nil {
		video.DurationSeconds = durationSeconds(match)
	}
	return video, true
}

// videoIDFromURL prefers the v= query parameter (YouTube-style watch URLs)
// and falls back to the last path segment.
func videoIDFromURL(u *url.URL) string {
	if id := strings.TrimSpace(u.Query().Get("v")); id != "" {
		return id
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 {
		return ""
	}
	return strings.TrimSpace(segments[len(segments)-1])
}

func durationSeconds(match []string) int64 {
	var total int64
	for _, part := range match[1:] {
		if part == "" {
			continue
		}
		value, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0
		}
		total = total*60 + value
	}
	return total
}
