// Package probe classifies files on disk as DPdash-compatible and gathers
// everything the importer needs to know about them: the parsed identity
// (study, subject, assessment, time window), the derived collection name,
// the series-wide glob, and a filesystem stat snapshot.
package probe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
)

// Role tells the importer which reference collection a file belongs to.
type Role int

const (
	RoleUnknown Role = iota
	RoleData
	RoleMetadata
)

// String returns the role name as stored in reference documents.
func (r Role) String() string {
	switch r {
	case RoleData:
		return "data"
	case RoleMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Data files look like STUDY-SUBJECT-ASSESSMENT-day1to5.csv; metadata files
// like STUDY_metadata.csv. The window offsets accept an optional sign and a
// decimal fraction, e.g. day-2.5to14.
var (
	dataFileRe = regexp.MustCompile(`^(?P<study>\w+)-(?P<subject>\w+)-(?P<assessment>\w+)-(?P<units>day|hr)(?P<start>[+-]?\d+(?:\.\d+)?)to(?P<end>[+-]?\d+(?:\.\d+)?)\.csv$`)
	metadataRe = regexp.MustCompile(`^(?P<study>\w+)_metadata\.csv$`)
	windowRe   = regexp.MustCompile(`^(\w+-\w+-\w+-(?:day|hr))[+-]?\d+(?:\.\d+)?to[+-]?\d+(?:\.\d+)?(.*)$`)
)

// FileIdentity is the pure parse result of a filename, before any stat call.
type FileIdentity struct {
	Study      string
	Subject    string
	Assessment string
	TimeUnits  string
	TimeStart  int
	TimeEnd    int
	Role       Role

	// Collection is the destination collection name. For data files it is
	// derived deterministically from (study, subject, assessment) so that
	// every time window of a series lands in the same collection. For
	// metadata files it stays empty until first import assigns a fresh ID.
	Collection string
}

// Resolve parses a basename against the data-file grammar, then the
// metadata-file grammar. It returns nil when neither matches: the file is
// not DPdash-compatible and the caller should skip it.
func Resolve(basename string) (*FileIdentity, error) {
	if m := dataFileRe.FindStringSubmatch(basename); m != nil {
		return resolveData(m)
	}
	if m := metadataRe.FindStringSubmatch(basename); m != nil {
		return &FileIdentity{Study: m[metadataRe.SubexpIndex("study")], Role: RoleMetadata}, nil
	}
	return nil, nil
}

func resolveData(m []string) (*FileIdentity, error) {
	id := &FileIdentity{
		Study:      m[dataFileRe.SubexpIndex("study")],
		Subject:    m[dataFileRe.SubexpIndex("subject")],
		Assessment: m[dataFileRe.SubexpIndex("assessment")],
		TimeUnits:  m[dataFileRe.SubexpIndex("units")],
		Role:       RoleData,
		Collection: CollectionID(
			m[dataFileRe.SubexpIndex("study")],
			m[dataFileRe.SubexpIndex("subject")],
			m[dataFileRe.SubexpIndex("assessment")],
		),
	}

	// Offsets are parsed as decimals but stored truncated: day-granularity
	// comparisons downstream only ever look at whole days.
	start, err := strconv.ParseFloat(m[dataFileRe.SubexpIndex("start")], 64)
	if err != nil {
		return nil, fmt.Errorf("parse start offset: %w", err)
	}
	end, err := strconv.ParseFloat(m[dataFileRe.SubexpIndex("end")], 64)
	if err != nil {
		return nil, fmt.Errorf("parse end offset: %w", err)
	}
	id.TimeStart = int(start)
	id.TimeEnd = int(end)
	return id, nil
}

// CollectionID derives the stable collection name for a data series:
// the hex SHA-256 of study, subject and assessment concatenated without
// separators. Identical series always map to the same collection no matter
// which time window the filename carries.
func CollectionID(study, subject, assessment string) string {
	sum := sha256.Sum256([]byte(study + subject + assessment))
	return hex.EncodeToString(sum[:])
}

// SeriesGlob replaces the time-window segment of a data file path with a
// wildcard, producing a pattern that matches every windowed sibling of the
// same (study, subject, assessment, units) series. Metadata files are not
// windowed, so their glob is the literal path.
func SeriesGlob(path string) string {
	dirname := filepath.Dir(path)
	basename := filepath.Base(path)
	if !windowRe.MatchString(basename) {
		return path
	}
	return filepath.Join(dirname, windowRe.ReplaceAllString(basename, "${1}*${2}"))
}
