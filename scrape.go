package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"strings"
)

// announcementFilter decides whether a scraped item enters the ledger,
// matching keywords against title and category.
type announcementFilter struct {
	mode      string
	blacklist FilterLists
	whitelist FilterLists
}

func newAnnouncementFilter(cfg FilterConfig) *announcementFilter {
	return &announcementFilter{
		mode:      cfg.Mode,
		blacklist: cfg.Blacklist,
		whitelist: cfg.Whitelist,
	}
}

func (f *announcementFilter) ShouldInclude(title, category string) bool {
	switch f.mode {
	case "whitelist":
		return f.matchesWhitelist(title, category)
	case "both":
		// Whitelist wins over blacklist.
		if f.matchesWhitelist(title, category) {
			return true
		}
		return f.passesBlacklist(title, category)
	default:
		return f.passesBlacklist(title, category)
	}
}

func (f *announcementFilter) passesBlacklist(title, category string) bool {
	for _, keyword := range f.blacklist.Title {
		if keyword != "" && strings.Contains(title, keyword) {
			return false
		}
	}
	for _, keyword := range f.blacklist.Category {
		if keyword != "" && strings.Contains(category, keyword) {
			return false
		}
	}
	return true
}

func (f *announcementFilter) matchesWhitelist(title, category string) bool {
	for _, keyword := range f.whitelist.Title {
		if keyword != "" && strings.Contains(title, keyword) {
			return true
		}
	}
	for _, keyword := range f.whitelist.Category {
		if keyword != "" && strings.Contains(category, keyword) {
			return true
		}
	}
	return false
}

// ScrapeCoordinator runs the enabled connectors and writes new
// announcements to the ledger. One connector's failure never stops the
// others.
type ScrapeCoordinator struct {
	municipality string
	ledger       Ledger
	connectors   []SourceConnector
	filter       *announcementFilter
}

func NewScrapeCoordinator(municipality string, ledger Ledger, connectors []SourceConnector, filter *announcementFilter) *ScrapeCoordinator {
	return &ScrapeCoordinator{
		municipality: municipality,
		ledger:       ledger,
		connectors:   connectors,
		filter:       filter,
	}
}

// Run fetches every connector once and returns per-connector counts.
// Only ledger errors propagate; connector errors are logged and counted.
func (sc *ScrapeCoordinator) Run(ctx context.Context) (ScrapeSummary, error) {
	summary := make(ScrapeSummary, len(sc.connectors))

	for _, connector := range sc.connectors {
		name := connector.Name()
		counts := ConnectorSummary{}

		items, err := connector.Fetch(ctx)
		if err != nil {
			log.Printf("✗ connector %s failed: %v", name, err)
			counts.Failed++
			summary[name] = counts
			continue
		}

		counts.Found = len(items)
		for _, item := range items {
			a, ok := sc.normalize(name, item)
			if !ok {
				continue
			}
			_, isNew, err := sc.ledger.UpsertAnnouncement(a)
			if err != nil {
				return summary, fmt.Errorf("storing announcement from %s: %w", name, err)
			}
			if isNew {
				counts.New++
				log.Printf("✓ new announcement: %s", a.Title)
			}
		}

		log.Printf("→ %s: found %d, new %d", name, counts.Found, counts.New)
		summary[name] = counts
	}

	return summary, nil
}

// normalize trims fields, applies the filter, and derives the stable
// identity. Returns false when the item is filtered out.
func (sc *ScrapeCoordinator) normalize(source string, item RawAnnouncement) (Announcement, bool) {
	title := strings.TrimSpace(item.Title)
	body := normalizeBody(item.Body)

	if sc.filter != nil && !sc.filter.ShouldInclude(title, item.Category) {
		debugLog("filtered out %q", title)
		return Announcement{}, false
	}

	hash := computeContentHash(title, item.PublishedAt, body, item.URL, item.PDFLinks, item.ImageLinks)
	return Announcement{
		ID:           fmt.Sprintf("%s_%s_%s", sc.municipality, source, hash[:16]),
		ContentHash:  hash,
		Municipality: sc.municipality,
		Source:       source,
		URL:          item.URL,
		Title:        title,
		Body:         body,
		Category:     item.Category,
		PublishedAt:  strings.TrimSpace(item.PublishedAt),
		PDFLinks:     item.PDFLinks,
		ImageLinks:   item.ImageLinks,
		ScrapedAt:    now(),
	}, true
}

// computeContentHash hashes the normalized content so a re-scrape of an
// unchanged page maps to the same announcement, and an edited page maps
// to a new one.
func computeContentHash(title, publishedAt, body, url string, pdfLinks, imageLinks []string) string {
	parts := []string{
		strings.TrimSpace(title),
		strings.TrimSpace(publishedAt),
		strings.TrimSpace(body),
		strings.TrimSpace(url),
		"|PDFS|",
	}
	parts = append(parts, dedupeStrings(pdfLinks)...)
	parts = append(parts, "|IMGS|")
	parts = append(parts, dedupeStrings(imageLinks)...)

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return fmt.Sprintf("%x", sum)
}

// normalizeBody collapses blank lines and trims whitespace per line so
// markup-only changes do not churn the content hash.
func normalizeBody(body string) string {
	lines := strings.Split(body, "\n")
	var kept []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
