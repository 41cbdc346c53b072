// Package feed discovers videos from RSS and Atom feeds, including the Atom
// flavour YouTube publishes per channel.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vodsum/internal/discovery"
	"vodsum/internal/services"
)

const maxFeedBytes = 8 << 20

// Client fetches and parses one feed URL per List call.
type Client struct {
	httpClient *http.Client
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

// NewClient constructs a feed client.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  "vodsum/1.0",
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

var _ discovery.Lister = (*Client)(nil)

// List downloads the feed and returns its entries.
func (c *Client) List(ctx context.Context, sourceURL string) ([]discovery.Video, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "feed", "list", "source url required", nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("feed request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "feed", "list", "fetch feed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		marker := services.ErrTransient
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			marker = services.ErrNotFound
		}
		return nil, services.Wrap(marker, "feed", "list", fmt.Sprintf("feed returned %s", resp.Status), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "feed", "list", "read feed body", err)
	}
	return Parse(body)
}

// Parse decodes an RSS 2.0 or Atom document.
func Parse(data []byte) ([]discovery.Video, error) {
	var probe struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("feed parse: %w", err)
	}
	switch probe.XMLName.Local {
	case "feed":
		return parseAtom(data)
	case "rss":
		return parseRSS(data)
	default:
		return nil, fmt.Errorf("feed parse: unsupported root element %q", probe.XMLName.Local)
	}
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string     `xml:"id"`
	VideoID   string     `xml:"videoId"`
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Published string     `xml:"published"`
	Group     struct {
		Content struct {
			Duration string `xml:"duration,attr"`
		} `xml:"content"`
	} `xml:"group"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

func parseAtom(data []byte) ([]discovery.Video, error) {
	var feed atomFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("feed parse: %w", err)
	}

	videos := make([]discovery.Video, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		video := discovery.Video{
			VideoID:         strings.TrimSpace(entry.VideoID),
			Title:           strings.TrimSpace(entry.Title),
			DurationSeconds: parseDuration(entry.Group.Content.Duration),
		}
		if video.VideoID == "" {
			video.VideoID = strings.TrimSpace(entry.ID)
		}
		for _, link := range entry.Links {
			if link.Rel == "" || link.Rel == "alternate" {
				video.URL = link.Href
				break
			}
		}
		if published, err := time.Parse(time.RFC3339, strings.TrimSpace(entry.Published)); err == nil {
			video.PublishedAt = published
		}
		if video.VideoID == "" || video.URL == "" {
			continue
		}
		videos = append(videos, video)
	}
	return videos, nil
}

type rssFeed struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	GUID      string `xml:"guid"`
	Title     string `xml:"title"`
	Link      string `xml:"link"`
	PubDate   string `xml:"pubDate"`
	Duration  string `xml:"duration"`
	Enclosure struct {
		URL string `xml:"url,attr"`
	} `xml:"enclosure"`
}

func parseRSS(data []byte) ([]discovery.Video, error) {
	var feed rssFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("feed parse: %w", err)
	}

	videos := make([]discovery.Video, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		video := discovery.Video{
			VideoID:         strings.TrimSpace(item.GUID),
			Title:           strings.TrimSpace(item.Title),
			URL:             strings.TrimSpace(item.Link),
			DurationSeconds: parseDuration(item.Duration),
		}
		if video.URL == "" {
			video.URL = strings.TrimSpace(item.Enclosure.URL)
		}
		if video.VideoID == "" {
			video.VideoID = video.URL
		}
		if published, err := parsePubDate(item.PubDate); err == nil {
			video.PublishedAt = published
		}
		if video.VideoID == "" || video.URL == "" {
			continue
		}
		videos = append(videos, video)
	}
	return videos, nil
}

// parseDuration accepts plain seconds, MM:SS, and HH:MM:SS forms.
func parseDuration(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if !strings.Contains(raw, ":") {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds < 0 {
			return 0
		}
		return seconds
	}

	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0
	}
	var total int64
	for _, part := range parts {
		value, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || value < 0 {
			return 0
		}
		total = total*60 + value
	}
	return total
}

func parsePubDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
