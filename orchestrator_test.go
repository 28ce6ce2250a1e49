package main

import (
	"context"
	"errors"
	"testing"
)

func newTestOrchestrator(ledger Ledger, cfg *Config, connector SourceConnector, capability TransformCapability, channel DeliveryChannel) *Orchestrator {
	caps := map[Format]TransformCapability{}
	if capability != nil {
		caps[capability.Format()] = capability
	}
	var channels []DeliveryChannel
	if channel != nil {
		channels = append(channels, channel)
	}
	return NewOrchestrator("moriya", cfg, ledger,
		NewScrapeCoordinator("moriya", ledger, []SourceConnector{connector}, nil),
		NewTransformDispatcher(ledger, caps, cfg),
		NewDeliveryDispatcher(ledger, channels, cfg),
	)
}

func TestOrchestratorRunsFullPipeline(t *testing.T) {
	ledger := NewMemoryLedger()
	cfg := pipelineTestConfig()
	enableFormat(cfg, FormatTextSimple, 3)
	enableChannel(cfg, "twitter", FormatTextSimple, 4, 0)

	connector := &stubConnector{name: "municipal_website", items: []RawAnnouncement{rawItem("a")}}
	capability := &stubCapability{format: FormatTextSimple}
	channel := &stubChannel{name: "twitter", format: FormatTextSimple}

	o := newTestOrchestrator(ledger, cfg, connector, capability, channel)
	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if summary.RunID == "" {
		t.Error("RunID is empty")
	}
	if got := summary.Scrape["municipal_website"]; got.New != 1 {
		t.Errorf("scrape New = %d, want 1", got.New)
	}
	if summary.Transform.Ready != 1 {
		t.Errorf("transform Ready = %d, want 1", summary.Transform.Ready)
	}
	if summary.Delivery.Delivered != 1 {
		t.Errorf("delivery Delivered = %d, want 1", summary.Delivery.Delivered)
	}
	if summary.TerminalFailures != 0 {
		t.Errorf("TerminalFailures = %d, want 0", summary.TerminalFailures)
	}
}

func TestOrchestratorSecondRunIsNoop(t *testing.T) {
	ledger := NewMemoryLedger()
	cfg := pipelineTestConfig()
	enableFormat(cfg, FormatTextSimple, 3)
	enableChannel(cfg, "twitter", FormatTextSimple, 4, 0)

	connector := &stubConnector{name: "municipal_website", items: []RawAnnouncement{rawItem("a")}}
	capability := &stubCapability{format: FormatTextSimple}
	channel := &stubChannel{name: "twitter", format: FormatTextSimple}

	o := newTestOrchestrator(ledger, cfg, connector, capability, channel)
	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() second call error = %v", err)
	}

	if got := summary.Scrape["municipal_website"]; got.New != 0 {
		t.Errorf("second run scrape New = %d, want 0", got.New)
	}
	if summary.Transform.Attempted != 0 {
		t.Errorf("second run transform Attempted = %d, want 0", summary.Transform.Attempted)
	}
	if summary.Delivery.Attempted != 0 {
		t.Errorf("second run delivery Attempted = %d, want 0", summary.Delivery.Attempted)
	}
	if capability.callCount() != 1 || channel.callCount() != 1 {
		t.Errorf("calls = (%d transform, %d delivery), want (1, 1)",
			capability.callCount(), channel.callCount())
	}
}

func TestOrchestratorCountsTerminalFailures(t *testing.T) {
	ledger := NewMemoryLedger()
	cfg := pipelineTestConfig()
	enableFormat(cfg, FormatTextSimple, 1)

	connector := &stubConnector{name: "municipal_website", items: []RawAnnouncement{rawItem("a")}}
	capability := &stubCapability{format: FormatTextSimple, fn: func(int, Announcement) (string, error) {
		return "", &TransformError{Format: FormatTextSimple, Err: errors.New("model unavailable")}
	}}

	o := newTestOrchestrator(ledger, cfg, connector, capability, nil)
	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, failures are reported, not returned", err)
	}
	if summary.TerminalFailures != 1 {
		t.Errorf("TerminalFailures = %d, want 1 after budget of 1 is spent", summary.TerminalFailures)
	}
}

func TestOrchestratorEmptyLedgerIsNoop(t *testing.T) {
	ledger := NewMemoryLedger()
	cfg := pipelineTestConfig()
	enableFormat(cfg, FormatTextSimple, 3)

	connector := &stubConnector{name: "municipal_website"}
	capability := &stubCapability{format: FormatTextSimple}

	o := newTestOrchestrator(ledger, cfg, connector, capability, nil)
	summary, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Transform.Attempted != 0 || summary.Delivery.Attempted != 0 {
		t.Errorf("summary = %+v, want all stages idle", summary)
	}
}
