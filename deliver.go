package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bpradana/weave"
)

// DeliveryChannel publishes one artifact to one external platform.
type DeliveryChannel interface {
	Name() string
	RequiredFormat() Format
	Publish(ctx context.Context, storageRef string, a Announcement) (string, error)
}

// buildChannels resolves the enabled delivery channels from config.
// Credentials are read from the environment by channel name and passed
// through opaquely.
func buildChannels(cfg *Config, credential func(channel string) string) ([]DeliveryChannel, error) {
	names := make([]string, 0, len(cfg.Delivery))
	for name := range cfg.Delivery {
		names = append(names, name)
	}
	sort.Strings(names)

	var channels []DeliveryChannel
	for _, name := range names {
		ch := cfg.Delivery[name]
		if !ch.Enabled {
			continue
		}
		if ch.Endpoint == "" {
			return nil, fmt.Errorf("delivery %s: endpoint is required", name)
		}
		token := ""
		if credential != nil {
			token = credential(name)
		}
		channels = append(channels, &restChannel{name: name, cfg: ch, token: token, client: &http.Client{}})
	}
	return channels, nil
}

// restChannel posts an artifact reference to a platform bridge endpoint.
type restChannel struct {
	name   string
	cfg    DeliveryConfig
	token  string
	client *http.Client
}

func (c *restChannel) Name() string { return c.name }

func (c *restChannel) RequiredFormat() Format { return Format(c.cfg.Format) }

type publishRequest struct {
	StorageRef   string `json:"storage_ref"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Municipality string `json:"municipality"`
	Visibility   string `json:"visibility"`
}

type publishResponse struct {
	ID string `json:"id"`
}

func (c *restChannel) Publish(ctx context.Context, storageRef string, a Announcement) (string, error) {
	payload, err := json.Marshal(publishRequest{
		StorageRef:   storageRef,
		Title:        a.Title,
		URL:          a.URL,
		Municipality: a.Municipality,
		Visibility:   c.cfg.Visibility,
	})
	if err != nil {
		return "", &DeliveryError{Channel: c.name, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &DeliveryError{Channel: c.name, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &DeliveryError{Channel: c.name, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return "", &DeliveryError{Channel: c.name, Kind: DeliveryRateLimited, Err: &HTTPError{StatusCode: resp.StatusCode, URL: c.cfg.Endpoint}}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		io.Copy(io.Discard, resp.Body)
		return "", &DeliveryError{Channel: c.name, Kind: DeliveryRejected, Err: &HTTPError{StatusCode: resp.StatusCode, URL: c.cfg.Endpoint}}
	default:
		io.Copy(io.Discard, resp.Body)
		return "", &DeliveryError{Channel: c.name, Err: &HTTPError{StatusCode: resp.StatusCode, URL: c.cfg.Endpoint}}
	}

	var confirmed publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&confirmed); err != nil {
		// The post went through; a malformed body is not worth a retry
		// that would double-publish.
		return "", nil
	}
	return confirmed.ID, nil
}

// DeliveryDispatcher publishes ready artifacts to the enabled channels
// with per-channel exponential backoff. One channel's failure never
// blocks another channel or announcement.
type DeliveryDispatcher struct {
	ledger   Ledger
	channels []DeliveryChannel
	cfg      *Config

	mu        sync.Mutex
	ledgerErr error
}

func NewDeliveryDispatcher(ledger Ledger, channels []DeliveryChannel, cfg *Config) *DeliveryDispatcher {
	return &DeliveryDispatcher{ledger: ledger, channels: channels, cfg: cfg}
}

type deliveryPlan struct {
	id      string
	channel string
}

// Run executes one delivery stage.
func (d *DeliveryDispatcher) Run(ctx context.Context) (DeliverySummary, error) {
	var summary DeliverySummary

	if len(d.channels) == 0 {
		return summary, nil
	}

	records, err := d.ledger.All()
	if err != nil {
		return summary, fmt.Errorf("listing announcements: %w", err)
	}

	graph := weave.NewGraph()
	var plans []deliveryPlan
	var rateLimited, rejected atomic.Int64

	for _, rec := range records {
		for _, channel := range d.channels {
			eligible, err := d.planDelivery(rec, channel, &summary)
			if err != nil {
				return summary, err
			}
			if !eligible {
				continue
			}

			plan := deliveryPlan{id: rec.Announcement.ID, channel: channel.Name()}
			_, err = weave.AddTask(graph, plan.id+"/"+plan.channel,
				d.taskFunc(rec, channel, &rateLimited, &rejected))
			if err != nil {
				return summary, fmt.Errorf("planning delivery %s for %s: %w", plan.channel, plan.id, err)
			}
			plans = append(plans, plan)
		}
	}

	if len(plans) == 0 {
		return summary, nil
	}

	pool := weave.NewWorkerPoolDispatcher(d.cfg.Pipeline.Workers)
	if _, _, err := graph.Run(ctx,
		weave.WithErrorStrategy(weave.ContinueOnError),
		weave.WithDispatcher(pool),
	); err != nil && ctx.Err() != nil {
		log.Printf("→ delivery stage interrupted: %v", ctx.Err())
	}

	if d.ledgerErr != nil {
		return summary, d.ledgerErr
	}

	summary.Attempted = len(plans)
	summary.RateLimited = int(rateLimited.Load())
	summary.Rejected = int(rejected.Load())
	for _, plan := range plans {
		rec, err := d.ledger.Get(plan.id)
		if err != nil {
			return summary, err
		}
		switch rec.Deliveries[plan.channel].Status {
		case DeliveryDelivered:
			summary.Delivered++
		case DeliveryFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
	}
	return summary, nil
}

// planDelivery decides whether this (announcement, channel) pair gets a
// publish attempt this run, creating the pending record once its
// required artifact is ready.
func (d *DeliveryDispatcher) planDelivery(rec *Record, channel DeliveryChannel, summary *DeliverySummary) (bool, error) {
	art, ok := rec.Artifacts[channel.RequiredFormat()]
	if !ok || art.Status != ArtifactReady {
		return false, nil
	}

	if del, ok := rec.Deliveries[channel.Name()]; ok {
		if del.Status != DeliveryPending {
			return false, nil
		}
		if del.AttemptCount > 0 {
			cfg := d.cfg.Delivery[channel.Name()]
			wait := backoffFor(del.AttemptCount, cfg.Backoff, cfg.MaxBackoff)
			if now().Before(del.LastAttemptAt.Add(wait)) {
				debugLog("%s via %s waiting out backoff after %d attempt(s)", rec.Announcement.ID, channel.Name(), del.AttemptCount)
				summary.Pending++
				return false, nil
			}
		}
		return true, nil
	}

	if _, err := d.ledger.EnsureDelivery(rec.Announcement.ID, channel.Name()); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DeliveryDispatcher) taskFunc(rec *Record, channel DeliveryChannel, rateLimited, rejected *atomic.Int64) weave.TaskFunc[string] {
	a := rec.Announcement
	storageRef := rec.Artifacts[channel.RequiredFormat()].StorageRef
	budget := d.cfg.Delivery[channel.Name()].MaxAttempts
	attempts := 0
	if del, ok := rec.Deliveries[channel.Name()]; ok {
		attempts = del.AttemptCount
	}

	return func(ctx context.Context, _ weave.DependencyResolver) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.Pipeline.CallTimeout)
		defer cancel()

		confirmation, err := channel.Publish(callCtx, storageRef, a)
		if err == nil {
			if lerr := d.ledger.RecordDeliverySuccess(a.ID, channel.Name(), confirmation); lerr != nil {
				d.setLedgerErr(lerr)
				return "", lerr
			}
			log.Printf("✓ delivered %s via %s", a.ID, channel.Name())
			return confirmation, nil
		}

		terminal := IsRejected(err)
		if terminal {
			rejected.Add(1)
		} else {
			if IsRateLimited(err) {
				rateLimited.Add(1)
			}
			terminal = attempts+1 >= budget
		}

		status, lerr := d.ledger.RecordDeliveryFailure(a.ID, channel.Name(), err, terminal)
		if lerr != nil {
			d.setLedgerErr(lerr)
			return "", lerr
		}
		log.Printf("✗ %s via %s: %v (status %s)", a.ID, channel.Name(), err, status)
		return "", err
	}
}

func (d *DeliveryDispatcher) setLedgerErr(err error) {
	d.mu.Lock()
	if d.ledgerErr == nil {
		d.ledgerErr = err
	}
	d.mu.Unlock()
}

// backoffFor returns the wait after n failed attempts: base doubled per
// attempt, capped.
func backoffFor(attempts int, base, max time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	wait := base
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= max {
			return max
		}
	}
	if wait > max {
		return max
	}
	return wait
}
