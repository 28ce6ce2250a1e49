package main

import "time"

// Format identifies one generated output kind for an announcement.
type Format string

const (
	FormatTextSimple  Format = "text_simple"
	FormatImageSingle Format = "image_single"
	FormatVideoShort  Format = "video_short"
	FormatVideoLong   Format = "video_long"
	FormatAudio       Format = "audio"
)

// AllFormats lists every recognized format in a stable order.
var AllFormats = []Format{
	FormatTextSimple,
	FormatImageSingle,
	FormatVideoShort,
	FormatVideoLong,
	FormatAudio,
}

// formatDependencies declares which formats must be ready before a
// dependent format may be generated. Video composition consumes the
// summary text and the still image.
var formatDependencies = map[Format][]Format{
	FormatVideoShort: {FormatTextSimple, FormatImageSingle},
	FormatVideoLong:  {FormatTextSimple, FormatImageSingle},
}

// ArtifactStatus is the lifecycle state of one generated artifact.
type ArtifactStatus string

const (
	ArtifactPending ArtifactStatus = "pending"
	ArtifactReady   ArtifactStatus = "ready"
	ArtifactFailed  ArtifactStatus = "failed"
)

// DeliveryStatus is the lifecycle state of one channel publication.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Announcement is one normalized piece of municipal content. Records are
// immutable after creation: changed page content produces a new content
// hash and therefore a new announcement.
type Announcement struct {
	ID           string    `json:"id"`
	ContentHash  string    `json:"content_hash"`
	Municipality string    `json:"municipality"`
	Source       string    `json:"source"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	Category     string    `json:"category,omitempty"`
	PublishedAt  string    `json:"published_at,omitempty"`
	PDFLinks     []string  `json:"pdf_links,omitempty"`
	ImageLinks   []string  `json:"image_links,omitempty"`
	ScrapedAt    time.Time `json:"scraped_at"`
}

// ArtifactRecord tracks one generated output per (announcement, format).
type ArtifactRecord struct {
	Format       Format         `json:"format"`
	Status       ArtifactStatus `json:"status"`
	StorageRef   string         `json:"storage_ref,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DeliveryRecord tracks one publication per (announcement, channel).
type DeliveryRecord struct {
	Channel       string         `json:"channel"`
	Status        DeliveryStatus `json:"status"`
	Confirmation  string         `json:"confirmation,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	LastError     string         `json:"last_error,omitempty"`
	LastAttemptAt time.Time      `json:"last_attempt_at,omitzero"`
	DeliveredAt   time.Time      `json:"delivered_at,omitzero"`
}

// Record is the full ledger document for one announcement.
type Record struct {
	Announcement Announcement               `json:"announcement"`
	Artifacts    map[Format]*ArtifactRecord `json:"artifacts"`
	Deliveries   map[string]*DeliveryRecord `json:"deliveries"`
}

// RawAnnouncement is what a source connector emits before normalization.
type RawAnnouncement struct {
	URL         string
	Title       string
	Body        string
	Category    string
	PublishedAt string
	PDFLinks    []string
	ImageLinks  []string
}

// ConnectorSummary counts one connector's outcome within a scrape stage.
type ConnectorSummary struct {
	Found  int
	New    int
	Failed int
}

// ScrapeSummary maps connector name to its per-run counts.
type ScrapeSummary map[string]ConnectorSummary

// TransformSummary counts artifact outcomes for one transform stage run.
type TransformSummary struct {
	Attempted int
	Ready     int
	Pending   int
	Failed    int
}

// DeliverySummary counts publication outcomes for one delivery stage run.
type DeliverySummary struct {
	Attempted   int
	Delivered   int
	RateLimited int
	Rejected    int
	Pending     int
	Failed      int
}

// RunSummary aggregates one full batch run.
type RunSummary struct {
	RunID        string
	Municipality string
	StartedAt    time.Time
	Duration     time.Duration
	Scrape       ScrapeSummary
	Transform    TransformSummary
	Delivery     DeliverySummary

	// TerminalFailures counts ledger records sitting in a terminal
	// failed state after the run, including ones left over from earlier
	// runs. Non-zero makes the batch exit non-zero so operators notice.
	TerminalFailures int
}
