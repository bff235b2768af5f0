package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dpdash/dpimport/probe"
	"github.com/dpdash/dpimport/store"
)

// fakeStore is an in-memory Store for exercising the sync engine without a
// live document store.
type fakeStore struct {
	refs        map[string]*store.TOCRecord // (role, path) -> reference
	collections map[string][]bson.M

	calls []string

	failInsertRows bool
	failMarkSynced bool
	failInsertRef  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		refs:        make(map[string]*store.TOCRecord),
		collections: make(map[string][]bson.M),
	}
}

func refKey(role probe.Role, path string) string {
	return role.String() + "|" + path
}

func (f *fakeStore) FindReference(_ context.Context, role probe.Role, path string) (*store.TOCRecord, error) {
	f.calls = append(f.calls, "find")
	rec, ok := f.refs[refKey(role, path)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) InsertReference(_ context.Context, role probe.Role, rec *store.TOCRecord) (primitive.ObjectID, error) {
	f.calls = append(f.calls, "insert-ref")
	if f.failInsertRef {
		return primitive.NilObjectID, errors.New("insert refused")
	}
	cp := *rec
	cp.ID = primitive.NewObjectID()
	f.refs[refKey(role, rec.Path)] = &cp
	return cp.ID, nil
}

func (f *fakeStore) MarkSynced(_ context.Context, role probe.Role, id primitive.ObjectID) error {
	f.calls = append(f.calls, "mark-synced")
	if f.failMarkSynced {
		return errors.New("journal refused")
	}
	for _, rec := range f.refs {
		if rec.ID == id {
			rec.Dirty = false
			rec.Synced = true
			rec.Updated = time.Now().UTC()
			return nil
		}
	}
	return nil
}

func (f *fakeStore) Unsync(_ context.Context, role probe.Role, glob string) error {
	f.calls = append(f.calls, "unsync")
	re := regexp.MustCompile(store.TranslateGlob(glob))
	for key, rec := range f.refs {
		if key == refKey(role, rec.Path) && re.MatchString(rec.Path) {
			rec.Synced = false
		}
	}
	return nil
}

func (f *fakeStore) RemoveUnsynced(_ context.Context, role probe.Role, glob string) error {
	f.calls = append(f.calls, "purge")
	re := regexp.MustCompile(store.TranslateGlob(glob))
	for key, rec := range f.refs {
		if key == refKey(role, rec.Path) && re.MatchString(rec.Path) && !rec.Synced {
			delete(f.collections, rec.Collection)
			delete(f.refs, key)
		}
	}
	return nil
}

func (f *fakeStore) DayRange(_ context.Context, collection string) (store.DayRange, error) {
	f.calls = append(f.calls, "day-range")
	var dr store.DayRange
	for _, row := range f.collections[collection] {
		day, ok := numericValue(row["day"])
		if !ok {
			continue
		}
		if !dr.OK {
			dr = store.DayRange{Min: day, Max: day, OK: true}
			continue
		}
		if day < dr.Min {
			dr.Min = day
		}
		if day > dr.Max {
			dr.Max = day
		}
	}
	return dr, nil
}

func (f *fakeStore) InsertRows(_ context.Context, collection string, rows []any) error {
	if len(rows) == 0 {
		return nil
	}
	f.calls = append(f.calls, "insert-rows")
	if f.failInsertRows {
		return errors.New("store down")
	}
	for _, r := range rows {
		f.collections[collection] = append(f.collections[collection], r.(bson.M))
	}
	return nil
}

func (f *fakeStore) rowCount(collection string) int {
	return len(f.collections[collection])
}

func writeCSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustProbe(t *testing.T, path string) *probe.FileProbe {
	t.Helper()
	p, err := probe.Probe(path)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatalf("probe returned nil for %s", path)
	}
	return p
}

func TestFirstImport(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "STUDY1-SUB1-ASMT1-day1to5.csv",
		"day,score\n1,10\n2,20\n3,30\n4,40\n5,50\n")

	fs := newFakeStore()
	imp := New(fs)
	p := mustProbe(t, path)

	if err := imp.ImportFile(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	rec := fs.refs[refKey(probe.RoleData, path)]
	if rec == nil {
		t.Fatal("no reference document created")
	}
	if rec.Collection != probe.CollectionID("STUDY1", "SUB1", "ASMT1") {
		t.Errorf("collection = %q", rec.Collection)
	}
	if rec.Dirty || !rec.Synced {
		t.Errorf("after import: dirty=%v synced=%v", rec.Dirty, rec.Synced)
	}
	if n := fs.rowCount(rec.Collection); n != 5 {
		t.Errorf("rows = %d, want 5", n)
	}
	for _, row := range fs.collections[rec.Collection] {
		if row["path"] != path {
			t.Errorf("row missing path tag: %v", row)
		}
	}
}

func TestSkipIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "STUDY1-SUB1-ASMT1-day1to5.csv", "day,score\n1,10\n")

	fs := newFakeStore()
	imp := New(fs)
	ctx := context.Background()

	if err := imp.ImportFile(ctx, mustProbe(t, path)); err != nil {
		t.Fatal(err)
	}
	collection := probe.CollectionID("STUDY1", "SUB1", "ASMT1")
	if n := fs.rowCount(collection); n != 1 {
		t.Fatalf("rows after first import = %d", n)
	}

	// Unchanged file: two further runs both skip and never re-ingest.
	for i := 0; i < 2; i++ {
		fs.calls = nil
		if err := imp.ImportFile(ctx, mustProbe(t, path)); err != nil {
			t.Fatal(err)
		}
		for _, c := range fs.calls {
			if c == "insert-rows" || c == "insert-ref" || c == "unsync" || c == "purge" {
				t.Errorf("run %d: unexpected call %q", i, c)
			}
		}
		if n := fs.rowCount(collection); n != 1 {
			t.Errorf("run %d: rows = %d, want 1", i, n)
		}
	}
}

func TestSkipHealsUnsyncedRecord(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "STUDY1-SUB1-ASMT1-day1to5.csv", "day,score\n1,10\n")

	fs := newFakeStore()
	imp := New(fs)
	ctx := context.Background()

	if err := imp.ImportFile(ctx, mustProbe(t, path)); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash after import but before journaling.
	rec := fs.refs[refKey(probe.RoleData, path)]
	rec.Synced = false
	rec.Dirty = true

	if err := imp.ImportFile(ctx, mustProbe(t, path)); err != nil {
		t.Fatal(err)
	}
	if rec.Dirty || !rec.Synced {
		t.Errorf("skip did not heal journal state: dirty=%v synced=%v", rec.Dirty, rec.Synced)
	}
}

func TestReimportCascades(t *testing.T) {
	dir := t.TempDir()
	name := "STUDY1-SUB1-ASMT1-day1to5.csv"
	path := writeCSV(t, dir, name, "day,score\n1,10\n2,20\n")

	fs := newFakeStore()
	imp := New(fs)
	ctx := context.Background()

	if err := imp.ImportFile(ctx, mustProbe(t, path)); err != nil {
		t.Fatal(err)
	}
	collection := probe.CollectionID("STUDY1", "SUB1", "ASMT1")

	// Same window, corrected content: mtime changes, prior rows must not
	// survive alongside the new ones.
	time.Sleep(10 * time.Millisecond)
	path = writeCSV(t, dir, name, "day,score\n1,11\n2,21\n")
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	fs.calls = nil
	if err := imp.ImportFile(ctx, mustProbe(t, path)); err != nil {
		t.Fatal(err)
	}

	// Cascade runs before ingestion.
	order := ""
	for _, c := range fs.calls {
		order += c + ";"
	}
	want := regexp.MustCompile(`find;unsync;purge;insert-ref;.*insert-rows;`)
	if !want.MatchString(order) {
		t.Errorf("call order = %s", order)
	}

	if n := fs.rowCount(collection); n != 2 {
		t.Errorf("rows after reimport = %d, want 2 (no duplicates)", n)
	}
	if got := fs.collections[collection][0]["score"]; got != int64(11) {
		t.Errorf("score = %v, want reimported value 11", got)
	}
}

func TestSiblingWindowSharesCollection(t *testing.T) {
	// End-to-end shape: a second window of the same series is a first
	// import into the same collection, deduplicated by day range.
	dir := t.TempDir()
	first := writeCSV(t, dir, "STUDY1-SUB1-ASMT1-day1to5.csv",
		"day,score\n1,10\n2,20\n3,30\n4,40\n5,50\n")
	second := writeCSV(t, dir, "STUDY1-SUB1-ASMT1-day6to10.csv",
		"day,score\n6,60\n7,70\n8,80\n9,90\n10,100\n")

	fs := newFakeStore()
	imp := New(fs)
	ctx := context.Background()

	if err := imp.Run(ctx, filepath.Join(dir, "*.csv")); err != nil {
		t.Fatal(err)
	}

	collection := probe.CollectionID("STUDY1", "SUB1", "ASMT1")
	if n := fs.rowCount(collection); n != 10 {
		t.Errorf("rows = %d, want 10", n)
	}

	recA := fs.refs[refKey(probe.RoleData, first)]
	recB := fs.refs[refKey(probe.RoleData, second)]
	if recA == nil || recB == nil {
		t.Fatal("missing reference documents")
	}
	if recA.Collection != recB.Collection {
		t.Errorf("collections differ: %q vs %q", recA.Collection, recB.Collection)
	}
	if !recA.Synced || !recB.Synced {
		t.Error("both windows should be synced")
	}
}

func TestIngestFailureLeavesDirty(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "STUDY1-SUB1-ASMT1-day1to5.csv", "day,score\n1,10\n")

	fs := newFakeStore()
	fs.failInsertRows = true
	imp := New(fs)

	err := imp.ImportFile(context.Background(), mustProbe(t, path))
	if err == nil {
		t.Fatal("expected ingestion error")
	}

	rec := fs.refs[refKey(probe.RoleData, path)]
	if rec == nil {
		t.Fatal("reference should exist (inserted before ingestion)")
	}
	if !rec.Dirty || rec.Synced {
		t.Errorf("failed import must stay dirty/unsynced, got dirty=%v synced=%v", rec.Dirty, rec.Synced)
	}
}

func TestInsertReferenceFailureAborts(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "STUDY1-SUB1-ASMT1-day1to5.csv", "day,score\n1,10\n")

	fs := newFakeStore()
	fs.failInsertRef = true
	imp := New(fs)

	if err := imp.ImportFile(context.Background(), mustProbe(t, path)); err == nil {
		t.Fatal("expected error")
	}
	if fs.rowCount(probe.CollectionID("STUDY1", "SUB1", "ASMT1")) != 0 {
		t.Error("no rows may be ingested without a reference document")
	}
}

func TestJournalFailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "STUDY1-SUB1-ASMT1-day1to5.csv", "day,score\n1,10\n")

	fs := newFakeStore()
	fs.failMarkSynced = true
	imp := New(fs)

	if err := imp.ImportFile(context.Background(), mustProbe(t, path)); err != nil {
		t.Fatalf("journal failure must not fail the import: %v", err)
	}
	rec := fs.refs[refKey(probe.RoleData, path)]
	if !rec.Dirty || rec.Synced {
		t.Error("record should remain dirty for the next run to reconcile")
	}
}

func TestMetadataImportAssignsFreshCollection(t *testing.T) {
	dir := t.TempDir()
	path := writeCSV(t, dir, "STUDY1_metadata.csv", "Subject ID,Consent\nSUB1,1\n")

	fs := newFakeStore()
	seq := 0
	imp := New(fs, WithCollectionIDs(func() string {
		seq++
		return fmt.Sprintf("meta-%d", seq)
	}))

	if err := imp.ImportFile(context.Background(), mustProbe(t, path)); err != nil {
		t.Fatal(err)
	}

	rec := fs.refs[refKey(probe.RoleMetadata, path)]
	if rec == nil {
		t.Fatal("no metadata reference")
	}
	if rec.Collection != "meta-1" {
		t.Errorf("collection = %q, want generated id", rec.Collection)
	}
	rows := fs.collections["meta-1"]
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	// Metadata columns are stored verbatim, not sanitized.
	if _, ok := rows[0]["Subject ID"]; !ok {
		t.Errorf("metadata column was sanitized: %v", rows[0])
	}
}

func TestRunSkipsUnknownFiles(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "notes.txt", "hello")
	writeCSV(t, dir, "STUDY1-SUB1-ASMT1-day1to5.csv", "day,score\n1,10\n")

	fs := newFakeStore()
	imp := New(fs)
	if err := imp.Run(context.Background(), filepath.Join(dir, "*")); err != nil {
		t.Fatal(err)
	}
	if len(fs.refs) != 1 {
		t.Errorf("refs = %d, want 1 (unknown files skipped)", len(fs.refs))
	}
}
