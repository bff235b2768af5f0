package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/dpdash/dpimport/probe"
	"github.com/dpdash/dpimport/store"
)

// ingest streams the file's CSV rows into the destination collection in
// bounded batches. Data-role files get their column names sanitized, every
// row is tagged with the source path, and rows whose day already falls
// inside the collection's known [min, max] day range are dropped so that
// overlapping reimport windows cannot duplicate data.
func (imp *Importer) ingest(ctx context.Context, p *probe.FileProbe, collection string) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	cols := header
	if p.Identity.Role == probe.RoleData {
		cols = SanitizeColumns(header)
	}
	dayIdx := -1
	for i, c := range cols {
		if c == "day" {
			dayIdx = i
			break
		}
	}

	// The dedup window is read once, before the first batch. All writes to
	// one collection are serialized within a run, so the window cannot move
	// under us.
	var window store.DayRange
	if p.Identity.Role == probe.RoleData && dayIdx >= 0 {
		window, err = imp.store.DayRange(ctx, collection)
		if err != nil {
			return fmt.Errorf("day range for %s: %w", collection, err)
		}
	}

	batch := make([]any, 0, imp.batchSize)
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read row: %w", err)
		}

		row := make(bson.M, len(cols)+1)
		for i, c := range cols {
			if i < len(fields) {
				row[c] = parseValue(fields[i])
			}
		}
		row["path"] = p.Path

		// Rows without a numeric day are always kept; only a day inside
		// the known range marks a row as already present.
		if window.OK && dayIdx >= 0 && dayIdx < len(fields) {
			if day, ok := numericValue(row[cols[dayIdx]]); ok && window.Contains(day) {
				continue
			}
		}

		batch = append(batch, row)
		if len(batch) >= imp.batchSize {
			if err := imp.store.InsertRows(ctx, collection, batch); err != nil {
				return fmt.Errorf("insert batch: %w", err)
			}
			batch = batch[:0]
		}
	}

	if err := imp.store.InsertRows(ctx, collection, batch); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// parseValue turns a CSV field into the value stored for it: integers and
// decimals become numbers, the empty string becomes null, anything else
// stays a string.
func parseValue(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
