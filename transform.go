package main

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/bpradana/weave"
)

// TransformDispatcher generates the enabled artifact formats for every
// announcement that still needs one. Formats for one announcement are
// independent except for declared composition dependencies; those are
// expressed as graph edges so a dependent format is never invoked before
// its prerequisites are ready.
type TransformDispatcher struct {
	ledger Ledger
	caps   map[Format]TransformCapability
	cfg    *Config

	mu        sync.Mutex
	ledgerErr error
}

func NewTransformDispatcher(ledger Ledger, caps map[Format]TransformCapability, cfg *Config) *TransformDispatcher {
	return &TransformDispatcher{ledger: ledger, caps: caps, cfg: cfg}
}

type transformPlan struct {
	id     string
	format Format
}

// Run executes one transform stage. Capability failures are recorded
// per artifact and never abort the batch; only ledger errors do.
func (d *TransformDispatcher) Run(ctx context.Context) (TransformSummary, error) {
	var summary TransformSummary

	records, err := d.ledger.All()
	if err != nil {
		return summary, fmt.Errorf("listing announcements: %w", err)
	}

	enabled := d.enabledFormats()
	if len(enabled) == 0 {
		return summary, nil
	}

	graph := weave.NewGraph()
	var plans []transformPlan
	planned := 0

	for _, rec := range records {
		if planned >= d.cfg.Pipeline.BatchLimit {
			break
		}
		added, err := d.planRecord(ctx, graph, rec, enabled, &plans)
		if err != nil {
			return summary, err
		}
		if added {
			planned++
		}
	}

	if len(plans) == 0 {
		return summary, nil
	}

	pool := weave.NewWorkerPoolDispatcher(d.cfg.Pipeline.Workers)
	// Task errors are recorded against artifacts inside the tasks; the
	// graph-level error only reflects that some task failed.
	if _, _, err := graph.Run(ctx,
		weave.WithErrorStrategy(weave.ContinueOnError),
		weave.WithDispatcher(pool),
	); err != nil && ctx.Err() != nil {
		log.Printf("→ transform stage interrupted: %v", ctx.Err())
	}

	if d.ledgerErr != nil {
		return summary, d.ledgerErr
	}

	summary.Attempted = len(plans)
	for _, plan := range plans {
		rec, err := d.ledger.Get(plan.id)
		if err != nil {
			return summary, err
		}
		switch rec.Artifacts[plan.format].Status {
		case ArtifactReady:
			summary.Ready++
		case ArtifactFailed:
			summary.Failed++
		default:
			summary.Pending++
		}
	}
	return summary, nil
}

// planRecord adds this announcement's outstanding formats to the graph.
// Returns whether any task was added.
func (d *TransformDispatcher) planRecord(ctx context.Context, graph *weave.Graph, rec *Record, enabled []Format, plans *[]transformPlan) (bool, error) {
	id := rec.Announcement.ID
	ready := make(map[Format]string)
	handles := make(map[Format]*weave.Handle[string])
	added := false

	for _, f := range enabled {
		if art, ok := rec.Artifacts[f]; ok {
			switch art.Status {
			case ArtifactReady:
				ready[f] = art.StorageRef
				continue
			case ArtifactFailed:
				continue
			}
		}

		// Resolve declared prerequisites: already-ready ones come from
		// the ledger, ones generating this run become graph edges, and
		// anything else blocks the format until a later run.
		var edges []weave.TaskReference
		taskDeps := make(map[Format]*weave.Handle[string])
		blocked := false
		for _, dep := range formatDependencies[f] {
			if _, enabled := d.caps[dep]; !enabled {
				continue
			}
			if _, ok := ready[dep]; ok {
				continue
			}
			if h, ok := handles[dep]; ok {
				edges = append(edges, h)
				taskDeps[dep] = h
				continue
			}
			blocked = true
			break
		}
		if blocked {
			debugLog("%s %s blocked on prerequisites", id, f)
			continue
		}

		if _, err := d.ledger.EnsureArtifact(id, f); err != nil {
			return added, err
		}

		prior := make(map[Format]string, len(ready))
		for depFormat, ref := range ready {
			prior[depFormat] = ref
		}

		handle, err := weave.AddTask(graph, id+"/"+string(f),
			d.taskFunc(rec.Announcement, f, prior, taskDeps),
			weave.DependsOn(edges...),
		)
		if err != nil {
			return added, fmt.Errorf("planning %s for %s: %w", f, id, err)
		}
		handles[f] = handle
		*plans = append(*plans, transformPlan{id: id, format: f})
		added = true
	}

	return added, nil
}

func (d *TransformDispatcher) taskFunc(a Announcement, f Format, prior map[Format]string, taskDeps map[Format]*weave.Handle[string]) weave.TaskFunc[string] {
	capability := d.caps[f]
	budget := d.cfg.TransformFor(f).MaxAttempts

	return func(ctx context.Context, deps weave.DependencyResolver) (string, error) {
		for depFormat, handle := range taskDeps {
			ref, err := handle.Value(deps)
			if err != nil {
				return "", err
			}
			prior[depFormat] = ref
		}

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.Pipeline.CallTimeout)
		defer cancel()

		ref, err := capability.Generate(callCtx, a, prior)
		if err != nil {
			status, lerr := d.ledger.RecordArtifactFailure(a.ID, f, err, budget)
			if lerr != nil {
				d.setLedgerErr(lerr)
				return "", lerr
			}
			log.Printf("✗ %s %s: %v (attempt recorded, status %s)", a.ID, f, err, status)
			return "", err
		}

		if lerr := d.ledger.RecordArtifactSuccess(a.ID, f, ref); lerr != nil {
			d.setLedgerErr(lerr)
			return "", lerr
		}
		log.Printf("✓ %s %s: %s", a.ID, f, ref)
		return ref, nil
	}
}

func (d *TransformDispatcher) setLedgerErr(err error) {
	d.mu.Lock()
	if d.ledgerErr == nil {
		d.ledgerErr = err
	}
	d.mu.Unlock()
}

func (d *TransformDispatcher) enabledFormats() []Format {
	var out []Format
	for _, f := range AllFormats {
		if _, ok := d.caps[f]; ok {
			out = append(out, f)
		}
	}
	return out
}
