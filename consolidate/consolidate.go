// Package consolidate rebuilds the per-study metadata summaries from the
// table of contents. A run aggregates the maximum day reached by every
// subject, purges stale metadata left behind by reimports, and commits one
// summary document per study.
package consolidate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/dpdash/dpimport/store"
)

// Store is the slice of the document store the consolidator uses.
type Store interface {
	MaxDays(ctx context.Context) ([]store.SubjectDays, error)
	ListStudyMetadata(ctx context.Context, study string) ([]store.MetadataInfo, error)
	DeleteMetadata(ctx context.Context, id primitive.ObjectID) error
	DropCollection(ctx context.Context, name string) error
	CommitStudySummary(ctx context.Context, study string, subjects []store.SubjectSummary, days int) error
}

// StudySummary is the consolidated view of one study: every subject's
// progress plus the study-wide maximum.
type StudySummary struct {
	Subjects []store.SubjectSummary
	Days     int
}

// Build groups per-subject aggregates by study. Subjects are sorted within
// each study so repeated runs commit identical documents.
func Build(rows []store.SubjectDays) map[string]StudySummary {
	out := make(map[string]StudySummary)
	for _, r := range rows {
		sum := out[r.Study]
		sum.Subjects = append(sum.Subjects, store.SubjectSummary{
			Subject: r.Subject,
			Study:   r.Study,
			Days:    r.Days,
			Synced:  r.Synced,
		})
		if r.Days > sum.Days {
			sum.Days = r.Days
		}
		out[r.Study] = sum
	}
	for study, sum := range out {
		sort.Slice(sum.Subjects, func(i, j int) bool {
			return sum.Subjects[i].Subject < sum.Subjects[j].Subject
		})
		out[study] = sum
	}
	return out
}

// Run performs one consolidation pass. A failure on one study is logged and
// does not stop the others; the pass fails only if the aggregate itself
// cannot be read.
func Run(ctx context.Context, st Store) error {
	rows, err := st.MaxDays(ctx)
	if err != nil {
		return fmt.Errorf("aggregate subject days: %w", err)
	}

	summaries := Build(rows)
	studies := make([]string, 0, len(summaries))
	for study := range summaries {
		studies = append(studies, study)
	}
	sort.Strings(studies)

	var failed int
	for _, study := range studies {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := consolidateStudy(ctx, st, study, summaries[study]); err != nil {
			slog.Error("consolidate study", "study", study, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("consolidation failed for %d of %d studies", failed, len(studies))
	}
	return nil
}

func consolidateStudy(ctx context.Context, st Store, study string, sum StudySummary) error {
	if err := purgeStale(ctx, st, study); err != nil {
		return err
	}
	if err := st.CommitStudySummary(ctx, study, sum.Subjects, sum.Days); err != nil {
		return fmt.Errorf("commit summary: %w", err)
	}
	slog.Info("consolidated study", "study", study, "subjects", len(sum.Subjects), "days", sum.Days)
	return nil
}

// purgeStale drops metadata records superseded by a reimport. More than one
// record for a study means a fresh import landed since the last pass; the
// unsynced ones are leftovers whose backing collections go with them.
func purgeStale(ctx context.Context, st Store, study string) error {
	infos, err := st.ListStudyMetadata(ctx, study)
	if err != nil {
		return fmt.Errorf("list metadata: %w", err)
	}
	if len(infos) <= 1 {
		return nil
	}
	for _, info := range infos {
		if info.Synced {
			continue
		}
		if info.Collection != "" {
			if err := st.DropCollection(ctx, info.Collection); err != nil {
				return fmt.Errorf("drop stale collection %s: %w", info.Collection, err)
			}
		}
		if err := st.DeleteMetadata(ctx, info.ID); err != nil {
			return fmt.Errorf("delete stale record: %w", err)
		}
	}
	return nil
}
