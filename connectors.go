package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// SourceConnector produces raw announcement records for one source.
type SourceConnector interface {
	Name() string
	Fetch(ctx context.Context) ([]RawAnnouncement, error)
}

// buildConnectors resolves the enabled sources from config into
// connectors by type name. The registry is fixed at startup; there is no
// runtime loading of source code.
func buildConnectors(cfg *Config) ([]SourceConnector, error) {
	names := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	var connectors []SourceConnector
	for _, name := range names {
		src := cfg.Sources[name]
		if !src.Enabled {
			continue
		}
		switch src.Type {
		case "html":
			connectors = append(connectors, newHTMLConnector(name, src))
		case "feed":
			connectors = append(connectors, newFeedConnector(name, src))
		default:
			return nil, fmt.Errorf("source %s: unknown type %q", name, src.Type)
		}
	}
	return connectors, nil
}

// htmlConnector walks a municipal announcement site: a list page yields
// dated links, each link is fetched for title, body, and attachments.
type htmlConnector struct {
	name      string
	cfg       SourceConfig
	client    *http.Client
	converter *md.Converter
}

func newHTMLConnector(name string, cfg SourceConfig) *htmlConnector {
	return &htmlConnector{
		name:      name,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		converter: md.NewConverter("", true, nil),
	}
}

func (c *htmlConnector) Name() string { return c.name }

func (c *htmlConnector) Fetch(ctx context.Context) ([]RawAnnouncement, error) {
	listing, err := c.fetchListing(ctx)
	if err != nil {
		return nil, &ConnectorError{Connector: c.name, Err: err}
	}

	if len(listing) > c.cfg.MaxItems {
		listing = listing[:c.cfg.MaxItems]
	}

	var items []RawAnnouncement
	for _, entry := range listing {
		item, err := c.fetchDetail(ctx, entry)
		if err != nil {
			// A single broken page must not sink the listing.
			log.Printf("✗ %s: %s: %v", c.name, entry.url, err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

type listEntry struct {
	url   string
	date  string
	title string
}

func (c *htmlConnector) fetchListing(ctx context.Context) ([]listEntry, error) {
	doc, err := c.fetchDocument(ctx, c.cfg.ListURL)
	if err != nil {
		return nil, err
	}

	var entries []listEntry
	doc.Find(c.cfg.Selector.ListItem).Each(func(_ int, item *goquery.Selection) {
		dateEl := item.Find(c.cfg.Selector.Date).First()
		linkEl := item.Find(c.cfg.Selector.Link).First()
		href, ok := linkEl.Attr("href")
		if dateEl.Length() == 0 || !ok {
			return
		}
		entries = append(entries, listEntry{
			url:   c.resolveURL(href),
			date:  strings.TrimSpace(dateEl.Text()),
			title: strings.TrimSpace(linkEl.Text()),
		})
	})
	return entries, nil
}

func (c *htmlConnector) fetchDetail(ctx context.Context, entry listEntry) (RawAnnouncement, error) {
	doc, err := c.fetchDocument(ctx, entry.url)
	if err != nil {
		return RawAnnouncement{}, err
	}

	title := strings.TrimSpace(doc.Find(c.cfg.Selector.Title).First().Text())
	if title == "" {
		title = entry.title
	}

	item := RawAnnouncement{
		URL:         entry.url,
		Title:       title,
		Category:    c.cfg.Category,
		PublishedAt: entry.date,
	}

	body := doc.Find(c.cfg.Selector.ContentBody).First()
	if body.Length() > 0 {
		html, err := body.Html()
		if err != nil {
			return RawAnnouncement{}, fmt.Errorf("extracting body HTML: %w", err)
		}
		markdown, err := c.converter.ConvertString(html)
		if err != nil {
			return RawAnnouncement{}, fmt.Errorf("converting body to markdown: %w", err)
		}
		item.Body = strings.TrimSpace(markdown)

		body.Find(`a[href$=".pdf"]`).Each(func(_ int, a *goquery.Selection) {
			if href, ok := a.Attr("href"); ok {
				item.PDFLinks = append(item.PDFLinks, c.resolveURL(href))
			}
		})
		body.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
			if src, ok := img.Attr("src"); ok {
				item.ImageLinks = append(item.ImageLinks, c.resolveURL(src))
			}
		})
	}

	item.PDFLinks = dedupeStrings(item.PDFLinks)
	item.ImageLinks = cleanImageURLs(item.ImageLinks)
	return item, nil
}

func (c *htmlConnector) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: pageURL}
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

func (c *htmlConnector) resolveURL(href string) string {
	base := c.cfg.BaseURL
	if base == "" {
		base = c.cfg.ListURL
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}

// feedConnector reads a JSON feed of announcement records, the shape
// school and social sources are bridged into.
type feedConnector struct {
	name   string
	cfg    SourceConfig
	client *http.Client
}

func newFeedConnector(name string, cfg SourceConfig) *feedConnector {
	return &feedConnector{
		name:   name,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *feedConnector) Name() string { return c.name }

type feedItem struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Category    string `json:"category"`
	PublishedAt string `json:"published_at"`
}

func (c *feedConnector) Fetch(ctx context.Context) ([]RawAnnouncement, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.FeedURL, nil)
	if err != nil {
		return nil, &ConnectorError{Connector: c.name, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ConnectorError{Connector: c.name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ConnectorError{Connector: c.name, Err: &HTTPError{StatusCode: resp.StatusCode, URL: c.cfg.FeedURL}}
	}

	var feed []feedItem
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, &ConnectorError{Connector: c.name, Err: fmt.Errorf("decoding feed: %w", err)}
	}

	if len(feed) > c.cfg.MaxItems {
		feed = feed[:c.cfg.MaxItems]
	}

	items := make([]RawAnnouncement, 0, len(feed))
	for _, f := range feed {
		category := f.Category
		if category == "" {
			category = c.cfg.Category
		}
		items = append(items, RawAnnouncement{
			URL:         f.URL,
			Title:       f.Title,
			Body:        f.Body,
			Category:    category,
			PublishedAt: f.PublishedAt,
		})
	}
	return items, nil
}

// cleanImageURLs drops decorative site furniture so layout icons never
// count as announcement content.
func cleanImageURLs(urls []string) []string {
	noise := []string{"spacer", "icon", "banner", "btn_", "arrow", "logo"}

	var out []string
	for _, u := range dedupeStrings(urls) {
		if strings.HasPrefix(u, "data:") {
			continue
		}
		lower := strings.ToLower(u)
		noisy := false
		for _, n := range noise {
			if strings.Contains(lower, n) {
				noisy = true
				break
			}
		}
		if !noisy {
			out = append(out, u)
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
