package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// stubChannel records publish attempts and answers from a per-call script.
type stubChannel struct {
	name   string
	format Format
	fn     func(call int) (string, error)

	mu    sync.Mutex
	calls int
	refs  []string
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) RequiredFormat() Format { return s.format }

func (s *stubChannel) Publish(ctx context.Context, storageRef string, a Announcement) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.refs = append(s.refs, storageRef)
	s.mu.Unlock()

	if s.fn != nil {
		return s.fn(call)
	}
	return "confirmation-" + a.ID, nil
}

func (s *stubChannel) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func enableChannel(cfg *Config, name string, f Format, maxAttempts int, backoff time.Duration) {
	cfg.Delivery[name] = DeliveryConfig{
		Enabled:     true,
		Format:      string(f),
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		MaxBackoff:  5 * time.Minute,
	}
}

func seedReadyArtifact(t *testing.T, ledger Ledger, id string, f Format) Announcement {
	t.Helper()
	a := seedAnnouncement(t, ledger, id)
	if _, err := ledger.EnsureArtifact(id, f); err != nil {
		t.Fatalf("EnsureArtifact() error = %v", err)
	}
	if err := ledger.RecordArtifactSuccess(id, f, "local://stub/"+string(f)+"/"+id); err != nil {
		t.Fatalf("RecordArtifactSuccess() error = %v", err)
	}
	return a
}

func TestDeliveryPublishesReadyArtifacts(t *testing.T) {
	ledger := NewMemoryLedger()
	a := seedReadyArtifact(t, ledger, "id_a", FormatTextSimple)

	cfg := pipelineTestConfig()
	enableChannel(cfg, "twitter", FormatTextSimple, 4, 0)
	channel := &stubChannel{name: "twitter", format: FormatTextSimple}

	d := NewDeliveryDispatcher(ledger, []DeliveryChannel{channel}, cfg)
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", summary.Delivered)
	}
	if got := channel.refs[0]; got != "local://stub/text_simple/id_a" {
		t.Errorf("published storage ref = %q", got)
	}

	rec, err := ledger.Get(a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	del := rec.Deliveries["twitter"]
	if del.Status != DeliveryDelivered || del.Confirmation != "confirmation-id_a" {
		t.Errorf("delivery record = %+v, want delivered with confirmation", del)
	}
}

func TestDeliveryNeverRepublishes(t *testing.T) {
	ledger := NewMemoryLedger()
	seedReadyArtifact(t, ledger, "id_a", FormatTextSimple)

	cfg := pipelineTestConfig()
	enableChannel(cfg, "twitter", FormatTextSimple, 4, 0)
	channel := &stubChannel{name: "twitter", format: FormatTextSimple}
	d := NewDeliveryDispatcher(ledger, []DeliveryChannel{channel}, cfg)

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() second call error = %v", err)
	}
	if summary.Attempted != 0 {
		t.Errorf("second run Attempted = %d, want 0", summary.Attempted)
	}
	if channel.callCount() != 1 {
		t.Errorf("Publish calls = %d, want 1", channel.callCount())
	}
}

func TestDeliveryWaitsForReadyArtifact(t *testing.T) {
	ledger := NewMemoryLedger()
	a := seedAnnouncement(t, ledger, "id_a")
	if _, err := ledger.EnsureArtifact(a.ID, FormatTextSimple); err != nil {
		t.Fatalf("EnsureArtifact() error = %v", err)
	}

	cfg := pipelineTestConfig()
	enableChannel(cfg, "twitter", FormatTextSimple, 4, 0)
	channel := &stubChannel{name: "twitter", format: FormatTextSimple}

	d := NewDeliveryDispatcher(ledger, []DeliveryChannel{channel}, cfg)
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Attempted != 0 || channel.callCount() != 0 {
		t.Errorf("pending artifact was published: summary = %+v, calls = %d", summary, channel.callCount())
	}
}

func TestDeliveryRateLimitedStaysPending(t *testing.T) {
	ledger := NewMemoryLedger()
	a := seedReadyArtifact(t, ledger, "id_a", FormatTextSimple)

	cfg := pipelineTestConfig()
	enableChannel(cfg, "twitter", FormatTextSimple, 4, 2*time.Second)
	channel := &stubChannel{name: "twitter", format: FormatTextSimple, fn: func(int) (string, error) {
		return "", &DeliveryError{Channel: "twitter", Kind: DeliveryRateLimited, Err: &HTTPError{StatusCode: 429, URL: "https://bridge/twitter"}}
	}}

	d := NewDeliveryDispatcher(ledger, []DeliveryChannel{channel}, cfg)
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil (rate limit is not a run failure)", err)
	}
	if summary.RateLimited != 1 || summary.Failed != 0 || summary.Pending != 1 {
		t.Errorf("summary = %+v, want RateLimited 1, Pending 1, Failed 0", summary)
	}

	rec, err := ledger.Get(a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	del := rec.Deliveries["twitter"]
	if del.Status != DeliveryPending || del.AttemptCount != 1 {
		t.Errorf("delivery record = %+v, want pending with 1 attempt", del)
	}
}

func TestDeliveryRejectedIsTerminal(t *testing.T) {
	ledger := NewMemoryLedger()
	a := seedReadyArtifact(t, ledger, "id_a", FormatTextSimple)

	cfg := pipelineTestConfig()
	enableChannel(cfg, "twitter", FormatTextSimple, 4, 0)
	channel := &stubChannel{name: "twitter", format: FormatTextSimple, fn: func(int) (string, error) {
		return "", &DeliveryError{Channel: "twitter", Kind: DeliveryRejected, Err: &HTTPError{StatusCode: 422, URL: "https://bridge/twitter"}}
	}}

	d := NewDeliveryDispatcher(ledger, []DeliveryChannel{channel}, cfg)
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Rejected != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want Rejected 1, Failed 1", summary)
	}

	rec, err := ledger.Get(a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := rec.Deliveries["twitter"].Status; got != DeliveryFailed {
		t.Errorf("status = %s, want failed on first rejection", got)
	}
	if channel.callCount() != 1 {
		t.Errorf("Publish calls = %d, want 1", channel.callCount())
	}
}

func TestDeliveryExhaustsRetryBudget(t *testing.T) {
	ledger := NewMemoryLedger()
	a := seedReadyArtifact(t, ledger, "id_a", FormatTextSimple)

	cfg := pipelineTestConfig()
	enableChannel(cfg, "twitter", FormatTextSimple, 2, 0)
	channel := &stubChannel{name: "twitter", format: FormatTextSimple, fn: func(int) (string, error) {
		return "", &DeliveryError{Channel: "twitter", Err: &HTTPError{StatusCode: 503, URL: "https://bridge/twitter"}}
	}}
	d := NewDeliveryDispatcher(ledger, []DeliveryChannel{channel}, cfg)

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() second call error = %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("run 2 Failed = %d, want 1", summary.Failed)
	}

	rec, err := ledger.Get(a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	del := rec.Deliveries["twitter"]
	if del.Status != DeliveryFailed || del.AttemptCount != 2 {
		t.Errorf("delivery record = %+v, want failed after 2 attempts", del)
	}
}

func TestDeliveryBackoffGatesRetries(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	restore := now
	now = func() time.Time { return base }
	t.Cleanup(func() { now = restore })

	ledger := NewMemoryLedger()
	seedReadyArtifact(t, ledger, "id_a", FormatTextSimple)

	cfg := pipelineTestConfig()
	enableChannel(cfg, "twitter", FormatTextSimple, 4, 10*time.Second)
	channel := &stubChannel{name: "twitter", format: FormatTextSimple, fn: func(int) (string, error) {
		return "", &DeliveryError{Channel: "twitter", Err: &HTTPError{StatusCode: 503, URL: "https://bridge/twitter"}}
	}}
	d := NewDeliveryDispatcher(ledger, []DeliveryChannel{channel}, cfg)

	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if channel.callCount() != 1 {
		t.Fatalf("Publish calls = %d, want 1", channel.callCount())
	}

	// Inside the backoff window nothing is attempted.
	now = func() time.Time { return base.Add(5 * time.Second) }
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Attempted != 0 || channel.callCount() != 1 {
		t.Errorf("attempt inside backoff window: summary = %+v, calls = %d", summary, channel.callCount())
	}
	if summary.Pending != 1 {
		t.Errorf("Pending = %d, want 1 while waiting out backoff", summary.Pending)
	}

	// Past the window the retry goes out.
	now = func() time.Time { return base.Add(15 * time.Second) }
	if _, err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if channel.callCount() != 2 {
		t.Errorf("Publish calls = %d, want 2 after backoff elapsed", channel.callCount())
	}
}

func TestDeliveryChannelIsolation(t *testing.T) {
	ledger := NewMemoryLedger()
	a := seedReadyArtifact(t, ledger, "id_a", FormatTextSimple)

	cfg := pipelineTestConfig()
	enableChannel(cfg, "twitter", FormatTextSimple, 4, 0)
	enableChannel(cfg, "line", FormatTextSimple, 4, 0)
	rejecting := &stubChannel{name: "twitter", format: FormatTextSimple, fn: func(int) (string, error) {
		return "", &DeliveryError{Channel: "twitter", Kind: DeliveryRejected, Err: &HTTPError{StatusCode: 403, URL: "https://bridge/twitter"}}
	}}
	healthy := &stubChannel{name: "line", format: FormatTextSimple}

	d := NewDeliveryDispatcher(ledger, []DeliveryChannel{rejecting, healthy}, cfg)
	summary, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Delivered != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v, want Delivered 1, Failed 1", summary)
	}

	rec, err := ledger.Get(a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := rec.Deliveries["line"].Status; got != DeliveryDelivered {
		t.Errorf("line status = %s, want delivered despite twitter rejection", got)
	}
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		attempts int
		base     time.Duration
		max      time.Duration
		want     time.Duration
	}{
		{0, 2 * time.Second, time.Minute, 0},
		{1, 2 * time.Second, time.Minute, 2 * time.Second},
		{2, 2 * time.Second, time.Minute, 4 * time.Second},
		{4, 2 * time.Second, time.Minute, 16 * time.Second},
		{10, 2 * time.Second, time.Minute, time.Minute},
		{1, 0, 0, 0},
	}
	for _, tt := range tests {
		if got := backoffFor(tt.attempts, tt.base, tt.max); got != tt.want {
			t.Errorf("backoffFor(%d, %v, %v) = %v, want %v", tt.attempts, tt.base, tt.max, got, tt.want)
		}
	}
}

func TestRestChannelClassifiesResponses(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantConfirm string
		wantErr     func(error) bool
	}{
		{"created", http.StatusCreated, `{"id":"post-9"}`, "post-9", nil},
		{"rate limited", http.StatusTooManyRequests, ``, "", IsRateLimited},
		{"rejected", http.StatusUnprocessableEntity, ``, "", IsRejected},
		{"server error retries", http.StatusBadGateway, ``, "", func(err error) bool {
			return err != nil && !IsRateLimited(err) && !IsRejected(err)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			ch := &restChannel{
				name:   "twitter",
				cfg:    DeliveryConfig{Format: string(FormatTextSimple), Endpoint: server.URL},
				token:  "token-1",
				client: server.Client(),
			}
			confirm, err := ch.Publish(context.Background(), "local://stub/text", testAnnouncement("id_a"))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Publish() error = %v", err)
				}
				if confirm != tt.wantConfirm {
					t.Errorf("confirmation = %q, want %q", confirm, tt.wantConfirm)
				}
				return
			}
			if !tt.wantErr(err) {
				t.Errorf("Publish() error = %v, classification mismatch", err)
			}
		})
	}
}
