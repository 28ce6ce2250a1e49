package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

// TransformCapability produces one artifact format from an announcement.
// prior carries storage refs of already-ready prerequisite formats.
type TransformCapability interface {
	Format() Format
	Generate(ctx context.Context, a Announcement, prior map[Format]string) (string, error)
}

// artifactStore writes generated content under the data directory and
// hands back an opaque locator.
type artifactStore struct {
	dir string
}

func newArtifactStore(dir string) *artifactStore {
	return &artifactStore{dir: dir}
}

func (s *artifactStore) Save(f Format, id, ext string, data []byte) (string, error) {
	path := filepath.Join(s.dir, string(f), id+"."+ext)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return "local://" + path, nil
}

// buildCapabilities wires one capability per enabled format.
func buildCapabilities(cfg *Config, apiKey string, store *artifactStore) (map[Format]TransformCapability, error) {
	caps := make(map[Format]TransformCapability)

	for _, f := range cfg.EnabledFormats() {
		tr := cfg.TransformFor(f)
		switch f {
		case FormatTextSimple:
			if apiKey == "" {
				return nil, fmt.Errorf("transform %s: API key required", f)
			}
			cap, err := newSummaryTextCapability(apiKey, tr, store)
			if err != nil {
				return nil, err
			}
			caps[f] = cap
		default:
			if tr.Endpoint == "" {
				return nil, fmt.Errorf("transform %s: endpoint is required", f)
			}
			caps[f] = newRenderCapability(f, tr)
		}
	}

	return caps, nil
}

const defaultSummaryModel = "claude-sonnet-4-20250514"

// summaryTextCapability produces the plain-language resident summary
// with an Anthropic model.
type summaryTextCapability struct {
	apiKey string
	cfg    TransformConfig
	store  *artifactStore
}

func newSummaryTextCapability(apiKey string, cfg TransformConfig, store *artifactStore) (*summaryTextCapability, error) {
	if cfg.Model == "" {
		cfg.Model = defaultSummaryModel
	}
	return &summaryTextCapability{apiKey: apiKey, cfg: cfg, store: store}, nil
}

func (c *summaryTextCapability) Format() Format { return FormatTextSimple }

func (c *summaryTextCapability) Generate(ctx context.Context, a Announcement, prior map[Format]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &TransformError{Format: c.Format(), Err: err}
	}

	systemPrompt := strings.ReplaceAll(
		strings.TrimSpace(summarySystemPrompt),
		"{{.MaxChars}}", fmt.Sprintf("%d", c.cfg.MaxChars),
	)

	userPrompt := fmt.Sprintf("Announcement title:\n%s\n\nAnnouncement body:\n%s",
		a.Title, limitContentChars(a.Body, c.cfg.MaxChars*20))

	settings := types.RequestSettings{
		Model:       c.cfg.Model,
		MaxTokens:   1000,
		Temperature: 0.2,
	}
	response, err := anthropic.PromptWithSettings(systemPrompt, userPrompt, "", c.apiKey, settings)
	if err != nil {
		return "", &TransformError{Format: c.Format(), Err: fmt.Errorf("summary model: %w", err)}
	}
	if len(response.Content) == 0 {
		return "", &TransformError{Format: c.Format(), Err: fmt.Errorf("no content in summary response")}
	}

	summary := strings.TrimSpace(response.Content[0].Text)
	if summary == "" {
		return "", &TransformError{Format: c.Format(), Err: fmt.Errorf("empty summary response")}
	}
	summary = limitContentChars(summary, c.cfg.MaxChars)

	ref, err := c.store.Save(c.Format(), a.ID, "md", []byte(summary))
	if err != nil {
		return "", &TransformError{Format: c.Format(), Err: err}
	}
	return ref, nil
}

// limitContentChars truncates on a rune boundary.
func limitContentChars(content string, maxChars int) string {
	if maxChars <= 0 {
		return content
	}
	runes := []rune(content)
	if len(runes) <= maxChars {
		return content
	}
	return string(runes[:maxChars])
}

// renderCapability calls an external media generation service for image,
// video, and audio formats.
type renderCapability struct {
	format Format
	cfg    TransformConfig
	client *http.Client
}

func newRenderCapability(f Format, cfg TransformConfig) *renderCapability {
	return &renderCapability{format: f, cfg: cfg, client: &http.Client{}}
}

func (c *renderCapability) Format() Format { return c.format }

type renderRequest struct {
	AnnouncementID string            `json:"announcement_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	URL            string            `json:"url"`
	ImageLinks     []string          `json:"image_links,omitempty"`
	Format         string            `json:"format"`
	Params         map[string]any    `json:"params"`
	Prior          map[string]string `json:"prior_artifacts,omitempty"`
}

type renderResponse struct {
	StorageRef string `json:"storage_ref"`
}

func (c *renderCapability) Generate(ctx context.Context, a Announcement, prior map[Format]string) (string, error) {
	params := map[string]any{}
	if c.cfg.Width > 0 {
		params["width"] = c.cfg.Width
	}
	if c.cfg.Height > 0 {
		params["height"] = c.cfg.Height
	}
	if c.cfg.AspectRatio != "" {
		params["aspect_ratio"] = c.cfg.AspectRatio
	}
	if c.format == FormatVideoShort || c.format == FormatVideoLong || c.format == FormatAudio {
		params["duration_max"] = c.cfg.DurationMax
		params["min_scenes"] = c.cfg.MinScenes
		params["max_scenes"] = c.cfg.MaxScenes
		if c.cfg.Voice != "" {
			params["voice"] = c.cfg.Voice
		}
	}

	priorRefs := make(map[string]string, len(prior))
	for f, ref := range prior {
		priorRefs[string(f)] = ref
	}

	payload, err := json.Marshal(renderRequest{
		AnnouncementID: a.ID,
		Title:          a.Title,
		Body:           a.Body,
		URL:            a.URL,
		ImageLinks:     a.ImageLinks,
		Format:         string(c.format),
		Params:         params,
		Prior:          priorRefs,
	})
	if err != nil {
		return "", &TransformError{Format: c.format, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &TransformError{Format: c.format, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &TransformError{Format: c.format, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", &TransformError{Format: c.format, Err: &HTTPError{StatusCode: resp.StatusCode, URL: c.cfg.Endpoint}}
	}

	var rendered renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&rendered); err != nil {
		return "", &TransformError{Format: c.format, Err: fmt.Errorf("decoding render response: %w", err)}
	}
	if rendered.StorageRef == "" {
		return "", &TransformError{Format: c.format, Err: fmt.Errorf("render service returned no storage ref")}
	}
	return rendered.StorageRef, nil
}
