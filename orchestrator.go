package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Orchestrator drives one batch run: scrape, then transform, then
// deliver, strictly in that order. Items inside each stage are
// independent; a stage with nothing to do is a no-op.
type Orchestrator struct {
	municipality string
	cfg          *Config
	ledger       Ledger
	scrape       *ScrapeCoordinator
	transform    *TransformDispatcher
	delivery     *DeliveryDispatcher
}

func NewOrchestrator(municipality string, cfg *Config, ledger Ledger, scrape *ScrapeCoordinator, transform *TransformDispatcher, delivery *DeliveryDispatcher) *Orchestrator {
	return &Orchestrator{
		municipality: municipality,
		cfg:          cfg,
		ledger:       ledger,
		scrape:       scrape,
		transform:    transform,
		delivery:     delivery,
	}
}

// Run executes one full batch. Only ledger errors abort the run; all
// collaborator failures are recorded against their entities and the run
// carries on.
func (o *Orchestrator) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:        uuid.NewString(),
		Municipality: o.municipality,
		StartedAt:    now(),
	}

	if o.cfg.Pipeline.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Pipeline.RunTimeout)
		defer cancel()
	}

	log.Printf("→ run %s: scrape", summary.RunID)
	scrapeSummary, err := o.scrape.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("scrape stage: %w", err)
	}
	summary.Scrape = scrapeSummary

	log.Printf("→ run %s: transform", summary.RunID)
	transformSummary, err := o.transform.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("transform stage: %w", err)
	}
	summary.Transform = transformSummary

	log.Printf("→ run %s: deliver", summary.RunID)
	deliverySummary, err := o.delivery.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("delivery stage: %w", err)
	}
	summary.Delivery = deliverySummary

	failures, err := o.countTerminalFailures()
	if err != nil {
		return summary, err
	}
	summary.TerminalFailures = failures
	summary.Duration = now().Sub(summary.StartedAt)
	return summary, nil
}

// countTerminalFailures scans the ledger for records stuck in failed so
// the exit status surfaces them until an operator intervenes.
func (o *Orchestrator) countTerminalFailures() (int, error) {
	records, err := o.ledger.All()
	if err != nil {
		return 0, fmt.Errorf("scanning for failures: %w", err)
	}

	failures := 0
	for _, rec := range records {
		for _, art := range rec.Artifacts {
			if art.Status == ArtifactFailed {
				failures++
			}
		}
		for _, del := range rec.Deliveries {
			if del.Status == DeliveryFailed {
				failures++
			}
		}
	}
	return failures, nil
}

// logSummary prints the aggregate outcome in one block.
func logSummary(s *RunSummary) {
	log.Printf("run %s (%s) finished in %s", s.RunID, s.Municipality, s.Duration.Round(time.Millisecond))
	for connector, counts := range s.Scrape {
		log.Printf("  scrape %s: found %d, new %d, failed %d", connector, counts.Found, counts.New, counts.Failed)
	}
	log.Printf("  transform: attempted %d, ready %d, pending %d, failed %d",
		s.Transform.Attempted, s.Transform.Ready, s.Transform.Pending, s.Transform.Failed)
	log.Printf("  delivery: attempted %d, delivered %d, rate limited %d, rejected %d, pending %d, failed %d",
		s.Delivery.Attempted, s.Delivery.Delivered, s.Delivery.RateLimited, s.Delivery.Rejected, s.Delivery.Pending, s.Delivery.Failed)
	if s.TerminalFailures > 0 {
		log.Printf("  %d record(s) in terminal failed state, inspect the ledger", s.TerminalFailures)
	}
}
