package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// SubjectDays is one row of the consolidation aggregate: the maximum day
// reached by a subject across every TOC entry of its study, plus the most
// recent journal timestamp seen for it.
type SubjectDays struct {
	Study   string
	Subject string
	Days    int
	Synced  time.Time
}

// MaxDays groups the TOC by (study, subject) and takes the maximum time_end
// and most recent updated stamp per group. This is the consolidator's input.
func (s *Store) MaxDays(ctx context.Context) ([]SubjectDays, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "study", Value: "$study"},
				{Key: "subject", Value: "$subject"},
			}},
			{Key: "days", Value: bson.D{{Key: "$max", Value: "$time_end"}}},
			{Key: "synced", Value: bson.D{{Key: "$max", Value: "$updated"}}},
		}}},
	}

	var out []SubjectDays
	err := s.round(ctx, "aggregate max days", func() error {
		cur, err := s.db.Collection(tocCollection).Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}
		var docs []struct {
			ID struct {
				Study   string `bson:"study"`
				Subject string `bson:"subject"`
			} `bson:"_id"`
			Days   int       `bson:"days"`
			Synced time.Time `bson:"synced"`
		}
		if err := cur.All(ctx, &docs); err != nil {
			return err
		}
		out = out[:0]
		for _, d := range docs {
			out = append(out, SubjectDays{
				Study:   d.ID.Study,
				Subject: d.ID.Subject,
				Days:    d.Days,
				Synced:  d.Synced,
			})
		}
		return nil
	})
	return out, err
}

// MetadataInfo is the projection the consolidator needs to spot stale
// metadata records: identity, backing collection, sync flag.
type MetadataInfo struct {
	ID         primitive.ObjectID `bson:"_id"`
	Collection string             `bson:"collection"`
	Synced     bool               `bson:"synced"`
}

// ListStudyMetadata returns every metadata record for a study.
func (s *Store) ListStudyMetadata(ctx context.Context, study string) ([]MetadataInfo, error) {
	var infos []MetadataInfo
	err := s.round(ctx, "list study metadata", func() error {
		cur, err := s.db.Collection(metadataCollection).Find(ctx,
			bson.M{"study": study},
			options.Find().SetProjection(bson.M{"_id": 1, "collection": 1, "synced": 1}))
		if err != nil {
			return err
		}
		infos = infos[:0]
		return cur.All(ctx, &infos)
	})
	return infos, err
}

// DeleteMetadata removes one metadata record by id.
func (s *Store) DeleteMetadata(ctx context.Context, id primitive.ObjectID) error {
	return s.round(ctx, "delete metadata", func() error {
		_, err := s.db.Collection(metadataCollection).DeleteMany(ctx, bson.M{"_id": id})
		return err
	})
}

// SubjectSummary is one entry of the per-study summary list embedded in the
// consolidated metadata document.
type SubjectSummary struct {
	Subject string    `bson:"subject"`
	Study   string    `bson:"study"`
	Days    int       `bson:"days"`
	Synced  time.Time `bson:"synced"`
}

// CommitStudySummary applies the consolidator's ordered commit for one
// study as a single ordered bulk write:
//
//  1. upsert the canonical per-study document with the fresh summary and
//     synced=true,
//  2. delete any remaining records for the study still flagged unsynced,
//  3. reset synced=false on all records for the study, priming them as
//     staleness candidates for the next run.
func (s *Store) CommitStudySummary(ctx context.Context, study string, subjects []SubjectSummary, days int) error {
	coll := s.db.Collection(metadataCollection)

	models := []mongo.WriteModel{
		mongo.NewUpdateOneModel().
			SetFilter(bson.M{"study": study}).
			SetUpdate(bson.M{"$set": bson.M{
				"synced":   true,
				"subjects": subjects,
				"days":     days,
			}}).
			SetUpsert(true),
		mongo.NewDeleteManyModel().
			SetFilter(bson.M{"study": study, "synced": false}),
		mongo.NewUpdateManyModel().
			SetFilter(bson.M{"study": study}).
			SetUpdate(bson.M{"$set": bson.M{"synced": false}}),
	}

	return s.round(ctx, "commit study summary", func() error {
		_, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
		return err
	})
}
