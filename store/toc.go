package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dpdash/dpimport/probe"
)

// FindReference looks up the reference document for a path in the role's
// reference collection. Returns nil, nil when no document exists.
func (s *Store) FindReference(ctx context.Context, role probe.Role, path string) (*TOCRecord, error) {
	coll := s.refCollection(role)
	var rec *TOCRecord
	err := s.round(ctx, "find reference", func() error {
		var r TOCRecord
		err := coll.FindOne(ctx, bson.M{"path": path}).Decode(&r)
		if errors.Is(err, mongo.ErrNoDocuments) {
			rec = nil
			return nil
		}
		if err != nil {
			return err
		}
		rec = &r
		return nil
	})
	return rec, err
}

// InsertReference writes the reference document before any row is ingested,
// dirty and unsynced. The returned id is what the journal commits against;
// insertion failure aborts the import of that file.
func (s *Store) InsertReference(ctx context.Context, role probe.Role, rec *TOCRecord) (primitive.ObjectID, error) {
	coll := s.refCollection(role)
	var id primitive.ObjectID
	err := s.round(ctx, "insert reference", func() error {
		res, err := coll.InsertOne(ctx, rec)
		if err != nil {
			return err
		}
		oid, ok := res.InsertedID.(primitive.ObjectID)
		if !ok {
			return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
		}
		id = oid
		return nil
	})
	return id, err
}

// MarkSynced journals a successful import: dirty=false, synced=true, updated
// stamped. Idempotent, so re-asserting it on a Skip self-heals a crash that
// landed between "imported" and "marked synced".
func (s *Store) MarkSynced(ctx context.Context, role probe.Role, id primitive.ObjectID) error {
	coll := s.refCollection(role)
	return s.round(ctx, "mark synced", func() error {
		_, err := coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
			"dirty":   false,
			"synced":  true,
			"updated": time.Now().UTC(),
		}})
		return err
	})
}

// Unsync is phase one of the invalidation cascade: every reference document
// whose path matches the glob is flagged synced=false. Deliberately
// redundant with the purge phase, so a crash between the two still leaves
// affected records marked suspect.
func (s *Store) Unsync(ctx context.Context, role probe.Role, glob string) error {
	coll := s.refCollection(role)
	regex := TranslateGlob(glob)
	return s.round(ctx, "unsync", func() error {
		_, err := coll.UpdateMany(ctx,
			bson.M{"path": bson.M{"$regex": regex}},
			bson.M{"$set": bson.M{"synced": false}})
		return err
	})
}

// RemoveUnsynced is phase two: every reference document matching the glob
// and still flagged unsynced has its backing collection dropped and its own
// row deleted, in that order, so a crash can strand an unsynced row but
// never a row pointing at live data that should be gone. Per-record failures
// are logged and skipped; the caller imports regardless.
func (s *Store) RemoveUnsynced(ctx context.Context, role probe.Role, glob string) error {
	coll := s.refCollection(role)
	regex := TranslateGlob(glob)

	var docs []struct {
		ID         primitive.ObjectID `bson:"_id"`
		Collection string             `bson:"collection"`
	}
	err := s.round(ctx, "find unsynced", func() error {
		cur, err := coll.Find(ctx,
			bson.M{"path": bson.M{"$regex": regex}, "synced": false},
			options.Find().SetProjection(bson.M{"collection": 1}))
		if err != nil {
			return err
		}
		docs = docs[:0]
		return cur.All(ctx, &docs)
	})
	if err != nil {
		return err
	}

	for _, doc := range docs {
		if doc.Collection != "" {
			if err := s.DropCollection(ctx, doc.Collection); err != nil {
				slog.Error("drop data collection", "collection", doc.Collection, "error", err)
				continue
			}
		}
		err := s.round(ctx, "delete reference", func() error {
			_, err := coll.DeleteOne(ctx, bson.M{"_id": doc.ID})
			return err
		})
		if err != nil {
			slog.Error("delete reference document", "id", doc.ID.Hex(), "error", err)
		}
	}
	return nil
}

// DayRange reports the minimum and maximum numeric day currently present in
// a data collection. OK is false when the collection holds no day-bearing
// rows at all, in which case the dedup check is a no-op.
type DayRange struct {
	Min, Max float64
	OK       bool
}

// Contains reports whether day falls inside the known range.
func (r DayRange) Contains(day float64) bool {
	return r.OK && day >= r.Min && day <= r.Max
}

// DayRange queries the destination collection for its current day extent.
func (s *Store) DayRange(ctx context.Context, collection string) (DayRange, error) {
	coll := s.db.Collection(collection)
	filter := bson.M{"day": bson.M{"$exists": true, "$type": "number"}}

	var dr DayRange
	for _, q := range []struct {
		sort int
		dst  *float64
	}{
		{1, &dr.Min},
		{-1, &dr.Max},
	} {
		var doc struct {
			Day float64 `bson:"day"`
		}
		err := s.round(ctx, "day range", func() error {
			err := coll.FindOne(ctx, filter, options.FindOne().
				SetSort(bson.D{{Key: "day", Value: q.sort}}).
				SetProjection(bson.M{"day": 1})).Decode(&doc)
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil
			}
			if err != nil {
				return err
			}
			*q.dst = doc.Day
			dr.OK = true
			return nil
		})
		if err != nil {
			return DayRange{}, err
		}
		if !dr.OK {
			break
		}
	}
	return dr, nil
}

// InsertRows bulk-inserts one batch of ingested rows into a data
// collection. The insert is unordered: one bad row does not block its
// batch-mates.
func (s *Store) InsertRows(ctx context.Context, collection string, rows []any) error {
	if len(rows) == 0 {
		return nil
	}
	coll := s.db.Collection(collection)
	return s.round(ctx, "insert rows", func() error {
		_, err := coll.InsertMany(ctx, rows, options.InsertMany().SetOrdered(false))
		return err
	})
}

// DropCollection drops a data collection outright.
func (s *Store) DropCollection(ctx context.Context, name string) error {
	return s.round(ctx, "drop collection", func() error {
		return s.db.Collection(name).Drop(ctx)
	})
}

// staleFilter matches TOC rows still flagged unsynced, optionally limited
// to one study.
func staleFilter(study string) bson.M {
	filter := bson.M{"synced": false}
	if study != "" {
		filter["study"] = study
	}
	return filter
}

// staleEntry is the projection the repair pass works from.
type staleEntry struct {
	Collection string `bson:"collection"`
	Path       string `bson:"path"`
}

// cleanOps is the set of round-trips the repair pass performs, split out so
// its sequencing can be exercised without a live store.
type cleanOps interface {
	findStaleTOC(ctx context.Context, study string) ([]staleEntry, error)
	deleteStaleRows(ctx context.Context, collection, path string) error
	deleteStaleTOC(ctx context.Context, study string) error
}

func (s *Store) findStaleTOC(ctx context.Context, study string) ([]staleEntry, error) {
	var docs []staleEntry
	err := s.round(ctx, "find stale toc", func() error {
		cur, err := s.db.Collection(tocCollection).Find(ctx, staleFilter(study),
			options.Find().SetProjection(bson.M{"_id": 0, "collection": 1, "path": 1}))
		if err != nil {
			return err
		}
		docs = docs[:0]
		return cur.All(ctx, &docs)
	})
	return docs, err
}

func (s *Store) deleteStaleRows(ctx context.Context, collection, path string) error {
	return s.round(ctx, "delete stale rows", func() error {
		_, err := s.db.Collection(collection).DeleteMany(ctx, bson.M{"path": path})
		return err
	})
}

func (s *Store) deleteStaleTOC(ctx context.Context, study string) error {
	return s.round(ctx, "delete stale toc", func() error {
		_, err := s.db.Collection(tocCollection).DeleteMany(ctx, staleFilter(study))
		return err
	})
}

// CleanTOC is the operator-invoked repair pass: for every TOC entry still
// flagged unsynced (optionally limited to one study), delete its rows from
// the backing collection by path, then bulk-remove the stale TOC rows.
// This is the manual counterpart of the cascade for records stranded by a
// mid-cascade crash.
func (s *Store) CleanTOC(ctx context.Context, study string) error {
	return cleanTOC(ctx, s, study)
}

func cleanTOC(ctx context.Context, ops cleanOps, study string) error {
	docs, err := ops.findStaleTOC(ctx, study)
	if err != nil {
		return err
	}

	// Rows go first: a crash here leaves the TOC entry in place, so the
	// next pass retries. Per-entry failures are logged and skipped.
	for _, doc := range docs {
		if doc.Collection == "" {
			continue
		}
		if err := ops.deleteStaleRows(ctx, doc.Collection, doc.Path); err != nil {
			slog.Error("delete stale rows", "collection", doc.Collection, "path", doc.Path, "error", err)
		}
	}

	return ops.deleteStaleTOC(ctx, study)
}
