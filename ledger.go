package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// now is overridden in tests to provide deterministic timings.
var now = time.Now

// Ledger is the single source of truth for announcement, artifact and
// delivery state. All writes are atomic per announcement document; a
// reader never observes a half-written record.
type Ledger interface {
	// UpsertAnnouncement stores a new announcement or returns the
	// existing record when the content hash was seen before.
	UpsertAnnouncement(a Announcement) (*Record, bool, error)
	Get(id string) (*Record, error)
	All() ([]*Record, error)

	// EnsureArtifact creates a pending artifact record if none exists.
	EnsureArtifact(id string, f Format) (*ArtifactRecord, error)
	RecordArtifactSuccess(id string, f Format, storageRef string) error
	// RecordArtifactFailure counts the attempt and returns the resulting
	// status: failed once the budget is exhausted, pending otherwise.
	RecordArtifactFailure(id string, f Format, cause error, budget int) (ArtifactStatus, error)

	// EnsureDelivery creates a pending delivery record if none exists.
	EnsureDelivery(id, channel string) (*DeliveryRecord, error)
	RecordDeliverySuccess(id, channel, confirmation string) error
	RecordDeliveryFailure(id, channel string, cause error, terminal bool) (DeliveryStatus, error)

	// ResetArtifacts clears non-delivered artifact state for a format
	// (all formats when empty) so the next run regenerates it.
	ResetArtifacts(f Format) (int, error)
}

// fileLedger keeps one JSON document per announcement in a directory.
// With an empty directory path it is memory-only, which tests use; the
// on-disk mode is the production contract.
type fileLedger struct {
	mu      sync.Mutex
	dir     string
	records map[string]*Record
}

// OpenLedger loads (or starts) a durable ledger rooted at dir.
func OpenLedger(dir string) (Ledger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	l := &fileLedger{dir: dir, records: make(map[string]*Record)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading ledger directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading ledger record %s: %w", entry.Name(), err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parsing ledger record %s: %w", entry.Name(), err)
		}
		if rec.Artifacts == nil {
			rec.Artifacts = make(map[Format]*ArtifactRecord)
		}
		if rec.Deliveries == nil {
			rec.Deliveries = make(map[string]*DeliveryRecord)
		}
		l.records[rec.Announcement.ID] = &rec
	}

	return l, nil
}

// NewMemoryLedger returns an in-memory ledger with the same contract,
// for tests.
func NewMemoryLedger() Ledger {
	return &fileLedger{records: make(map[string]*Record)}
}

func (l *fileLedger) UpsertAnnouncement(a Announcement) (*Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[a.ID]; ok {
		return cloneRecord(existing), false, nil
	}

	rec := &Record{
		Announcement: a,
		Artifacts:    make(map[Format]*ArtifactRecord),
		Deliveries:   make(map[string]*DeliveryRecord),
	}
	if err := l.persist(rec); err != nil {
		return nil, false, err
	}
	l.records[a.ID] = rec
	return cloneRecord(rec), true, nil
}

func (l *fileLedger) Get(id string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown announcement %s", id)
	}
	return cloneRecord(rec), nil
}

func (l *fileLedger) All() ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Announcement, out[j].Announcement
		if !a.ScrapedAt.Equal(b.ScrapedAt) {
			return a.ScrapedAt.Before(b.ScrapedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (l *fileLedger) EnsureArtifact(id string, f Format) (*ArtifactRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown announcement %s", id)
	}
	if art, ok := rec.Artifacts[f]; ok {
		copied := *art
		return &copied, nil
	}

	art := &ArtifactRecord{Format: f, Status: ArtifactPending, UpdatedAt: now()}
	rec.Artifacts[f] = art
	if err := l.persist(rec); err != nil {
		delete(rec.Artifacts, f)
		return nil, err
	}
	copied := *art
	return &copied, nil
}

func (l *fileLedger) RecordArtifactSuccess(id string, f Format, storageRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	art, rec, err := l.artifact(id, f)
	if err != nil {
		return err
	}
	art.Status = ArtifactReady
	art.StorageRef = storageRef
	art.AttemptCount++
	art.LastError = ""
	art.UpdatedAt = now()
	return l.persist(rec)
}

func (l *fileLedger) RecordArtifactFailure(id string, f Format, cause error, budget int) (ArtifactStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	art, rec, err := l.artifact(id, f)
	if err != nil {
		return "", err
	}
	art.AttemptCount++
	art.LastError = cause.Error()
	art.Status = ArtifactPending
	if budget > 0 && art.AttemptCount >= budget {
		art.Status = ArtifactFailed
	}
	art.UpdatedAt = now()
	if err := l.persist(rec); err != nil {
		return "", err
	}
	return art.Status, nil
}

func (l *fileLedger) EnsureDelivery(id, channel string) (*DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, fmt.Errorf("ledger: unknown announcement %s", id)
	}
	if del, ok := rec.Deliveries[channel]; ok {
		copied := *del
		return &copied, nil
	}

	del := &DeliveryRecord{Channel: channel, Status: DeliveryPending}
	rec.Deliveries[channel] = del
	if err := l.persist(rec); err != nil {
		delete(rec.Deliveries, channel)
		return nil, err
	}
	copied := *del
	return &copied, nil
}

func (l *fileLedger) RecordDeliverySuccess(id, channel, confirmation string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	del, rec, err := l.delivery(id, channel)
	if err != nil {
		return err
	}
	del.Status = DeliveryDelivered
	del.Confirmation = confirmation
	del.AttemptCount++
	del.LastError = ""
	del.LastAttemptAt = now()
	del.DeliveredAt = now()
	return l.persist(rec)
}

func (l *fileLedger) RecordDeliveryFailure(id, channel string, cause error, terminal bool) (DeliveryStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	del, rec, err := l.delivery(id, channel)
	if err != nil {
		return "", err
	}
	del.AttemptCount++
	del.LastError = cause.Error()
	del.LastAttemptAt = now()
	del.Status = DeliveryPending
	if terminal {
		del.Status = DeliveryFailed
	}
	if err := l.persist(rec); err != nil {
		return "", err
	}
	return del.Status, nil
}

func (l *fileLedger) ResetArtifacts(f Format) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reset := 0
	for _, rec := range l.records {
		changed := false
		for format := range rec.Artifacts {
			if f != "" && format != f {
				continue
			}
			delete(rec.Artifacts, format)
			reset++
			changed = true
		}
		if changed {
			if err := l.persist(rec); err != nil {
				return reset, err
			}
		}
	}
	return reset, nil
}

func (l *fileLedger) artifact(id string, f Format) (*ArtifactRecord, *Record, error) {
	rec, ok := l.records[id]
	if !ok {
		return nil, nil, fmt.Errorf("ledger: unknown announcement %s", id)
	}
	art, ok := rec.Artifacts[f]
	if !ok {
		return nil, nil, fmt.Errorf("ledger: no %s artifact for %s", f, id)
	}
	return art, rec, nil
}

func (l *fileLedger) delivery(id, channel string) (*DeliveryRecord, *Record, error) {
	rec, ok := l.records[id]
	if !ok {
		return nil, nil, fmt.Errorf("ledger: unknown announcement %s", id)
	}
	del, ok := rec.Deliveries[channel]
	if !ok {
		return nil, nil, fmt.Errorf("ledger: no %s delivery for %s", channel, id)
	}
	return del, rec, nil
}

// persist writes the record document atomically: a temp file in the same
// directory is renamed over the final path, so an interrupted run never
// leaves a torn document behind.
func (l *fileLedger) persist(rec *Record) error {
	if l.dir == "" {
		return nil
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling ledger record: %w", err)
	}

	final := filepath.Join(l.dir, rec.Announcement.ID+".json")
	tmp, err := os.CreateTemp(l.dir, rec.Announcement.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating ledger temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing ledger record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing ledger temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("committing ledger record: %w", err)
	}
	return nil
}

func cloneRecord(rec *Record) *Record {
	out := &Record{
		Announcement: rec.Announcement,
		Artifacts:    make(map[Format]*ArtifactRecord, len(rec.Artifacts)),
		Deliveries:   make(map[string]*DeliveryRecord, len(rec.Deliveries)),
	}
	for f, art := range rec.Artifacts {
		copied := *art
		out.Artifacts[f] = &copied
	}
	for ch, del := range rec.Deliveries {
		copied := *del
		out.Deliveries[ch] = &copied
	}
	return out
}
