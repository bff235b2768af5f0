// Package importer drives one batch run: it expands the target glob,
// probes each file, reconciles it against the stored reference documents,
// runs the invalidation cascade when the file changed on disk, and streams
// the file's rows into its destination collection in bounded batches.
//
// Every transition is safe under at-least-once replay: a crashed or failed
// run is recovered by running again, never by bespoke repair.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dpdash/dpimport/idgen"
	"github.com/dpdash/dpimport/probe"
	"github.com/dpdash/dpimport/runlog"
	"github.com/dpdash/dpimport/store"
)

// Store is the slice of the document-store layer the importer depends on.
type Store interface {
	FindReference(ctx context.Context, role probe.Role, path string) (*store.TOCRecord, error)
	InsertReference(ctx context.Context, role probe.Role, rec *store.TOCRecord) (primitive.ObjectID, error)
	MarkSynced(ctx context.Context, role probe.Role, id primitive.ObjectID) error
	Unsync(ctx context.Context, role probe.Role, glob string) error
	RemoveUnsynced(ctx context.Context, role probe.Role, glob string) error
	DayRange(ctx context.Context, collection string) (store.DayRange, error)
	InsertRows(ctx context.Context, collection string, rows []any) error
}

// Decision is the outcome of reconciling a probe against the store.
type Decision int

const (
	DecisionSkip Decision = iota
	DecisionFirstImport
	DecisionReimport
)

// String returns the decision name used in logs and the run journal.
func (d Decision) String() string {
	switch d {
	case DecisionFirstImport:
		return "first-import"
	case DecisionReimport:
		return "reimport"
	default:
		return "skip"
	}
}

// Importer is the batch orchestrator.
type Importer struct {
	store     Store
	batchSize int
	newCollID idgen.Generator
	journal   *runlog.Logger
}

// Option configures an Importer.
type Option func(*Importer)

// WithBatchSize bounds the number of rows per bulk insert. Default 100000.
func WithBatchSize(n int) Option {
	return func(imp *Importer) { imp.batchSize = n }
}

// WithCollectionIDs sets the generator for fresh metadata collection names.
func WithCollectionIDs(gen idgen.Generator) Option {
	return func(imp *Importer) { imp.newCollID = gen }
}

// WithRunLog attaches the local run journal.
func WithRunLog(l *runlog.Logger) Option {
	return func(imp *Importer) { imp.journal = l }
}

// New creates an Importer over the given store.
func New(s Store, opts ...Option) *Importer {
	imp := &Importer{
		store:     s,
		batchSize: 100000,
		newCollID: idgen.Default,
	}
	for _, o := range opts {
		o(imp)
	}
	return imp
}

// Run scans every path matching expr, reconciles and imports each one in
// turn. Per-file errors are logged and do not stop the batch; only an
// invalid expression or a cancelled context aborts the run.
func (imp *Importer) Run(ctx context.Context, expr string) error {
	paths, err := filepath.Glob(expr)
	if err != nil {
		return fmt.Errorf("expand expression %q: %w", expr, err)
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p, err := probe.Probe(path)
		if err != nil {
			slog.Error("probe file", "path", path, "error", err)
			continue
		}
		if p == nil {
			slog.Debug("document is unknown", "path", path)
			continue
		}
		if err := imp.ImportFile(ctx, p); err != nil {
			slog.Error("import file",
				"path", path,
				"study", p.Identity.Study,
				"subject", p.Identity.Subject,
				"error", err)
		}
	}
	return nil
}

// ImportFile reconciles one probe and carries out the resulting decision.
func (imp *Importer) ImportFile(ctx context.Context, p *probe.FileProbe) error {
	start := time.Now()
	role := p.Identity.Role

	decision, rec, err := imp.reconcile(ctx, p)
	if err != nil {
		imp.record(ctx, p, decision, false, start, err.Error())
		return err
	}

	switch decision {
	case DecisionSkip:
		slog.Info("document exists and is up to date", "path", p.Path)
		// Re-assert synced so a crash between "imported" and "marked
		// synced" heals here instead of forcing a reimport.
		if err := imp.store.MarkSynced(ctx, role, rec.ID); err != nil {
			slog.Error("journal reference", "path", p.Path, "error", err)
		}
		imp.record(ctx, p, decision, true, start, "")
		return nil

	case DecisionReimport:
		slog.Info("document out of date, invalidating series", "path", p.Path, "glob", p.Glob)
		if err := imp.store.Unsync(ctx, role, p.Glob); err != nil {
			imp.record(ctx, p, decision, false, start, err.Error())
			return fmt.Errorf("unsync %s: %w", p.Glob, err)
		}
		if err := imp.store.RemoveUnsynced(ctx, role, p.Glob); err != nil {
			imp.record(ctx, p, decision, false, start, err.Error())
			return fmt.Errorf("remove unsynced %s: %w", p.Glob, err)
		}

	case DecisionFirstImport:
		slog.Info("document does not exist in the store, importing", "path", p.Path)
	}

	err = imp.importData(ctx, p)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	imp.record(ctx, p, decision, err == nil, start, detail)
	return err
}

// reconcile compares the probe against its stored reference document.
// mtime+size is a cheap, order-insensitive change check; content hashing is
// deliberately avoided for throughput on large files.
func (imp *Importer) reconcile(ctx context.Context, p *probe.FileProbe) (Decision, *store.TOCRecord, error) {
	rec, err := imp.store.FindReference(ctx, p.Identity.Role, p.Path)
	if err != nil {
		return DecisionSkip, nil, fmt.Errorf("find reference: %w", err)
	}
	if rec == nil {
		return DecisionFirstImport, nil, nil
	}
	if rec.Mtime != p.Mtime || rec.Size != p.Size {
		return DecisionReimport, rec, nil
	}
	return DecisionSkip, rec, nil
}

// importData writes the reference document, streams the file's rows into
// the destination collection, and journals success. Ingestion failure
// leaves the reference dirty and unsynced: the next run reimports.
func (imp *Importer) importData(ctx context.Context, p *probe.FileProbe) error {
	rec := store.NewTOCRecord(p)
	if p.Identity.Role == probe.RoleMetadata && rec.Collection == "" {
		rec.Collection = imp.newCollID()
	}

	id, err := imp.store.InsertReference(ctx, p.Identity.Role, rec)
	if err != nil {
		return fmt.Errorf("insert reference: %w", err)
	}

	if err := imp.ingest(ctx, p, rec.Collection); err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	slog.Info("import success", "path", p.Path)

	if err := imp.store.MarkSynced(ctx, p.Identity.Role, id); err != nil {
		// Non-fatal: the record stays dirty and reconciles again next run.
		slog.Error("journal reference", "path", p.Path, "error", err)
		return nil
	}
	slog.Info("journaling complete", "path", p.Path)
	return nil
}

func (imp *Importer) record(ctx context.Context, p *probe.FileProbe, d Decision, ok bool, start time.Time, detail string) {
	if imp.journal == nil {
		return
	}
	imp.journal.Record(ctx, runlog.Event{
		Path:       p.Path,
		Study:      p.Identity.Study,
		Subject:    p.Identity.Subject,
		Assessment: p.Identity.Assessment,
		Decision:   d.String(),
		Success:    ok,
		DurationMS: time.Since(start).Milliseconds(),
		Detail:     detail,
	})
}
