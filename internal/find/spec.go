// Package find implements hierarchical C-FIND discovery against an open
// association: building query identifiers from a QuerySpec, streaming
// matching units as the peer returns them, and composing child-level
// queries from parent results.
package find

import (
	"fmt"
	"time"

	"github.com/roach88/pacsgather/internal/dicom"
)

// Level is the hierarchical query level.
type Level string

const (
	LevelPatient Level = "PATIENT"
	LevelStudy   Level = "STUDY"
	LevelSeries  Level = "SERIES"
	LevelImage   Level = "IMAGE"
)

// Valid reports whether the level is one of the four defined levels.
func (l Level) Valid() bool {
	switch l {
	case LevelPatient, LevelStudy, LevelSeries, LevelImage:
		return true
	}
	return false
}

// QuerySpec describes one logical discovery query. Immutable input.
type QuerySpec struct {
	Level Level
	// Match maps attribute keywords to match values. Wildcards (*, ?)
	// are passed through to the peer.
	Match map[string]string
	// Fields are additional attribute keywords requested back with each
	// match (sent as zero-length return keys).
	Fields []string
	// StartDate/EndDate bound StudyDate with DICOM range matching.
	// Either may be zero for an open bound.
	StartDate time.Time
	EndDate   time.Time
	// Modality filters on ModalitiesInStudy (study level) or Modality.
	Modality string
}

// Identifier builds the C-FIND identifier dataset for the spec. Unknown
// keywords are rejected here, before anything goes on the wire.
func (s QuerySpec) Identifier() (*dicom.Dataset, error) {
	if !s.Level.Valid() {
		return nil, &QueryError{Msg: fmt.Sprintf("invalid query level %q", s.Level)}
	}
	d := dicom.NewDataset()
	d.SetString(dicom.TagQueryRetrieveLevel, string(s.Level))

	for kw, val := range s.Match {
		t, ok := dicom.TagForKeyword(kw)
		if !ok {
			return nil, &QueryError{Msg: fmt.Sprintf("unknown match keyword %q", kw)}
		}
		d.SetString(t, val)
	}
	for _, kw := range s.Fields {
		t, ok := dicom.TagForKeyword(kw)
		if !ok {
			return nil, &QueryError{Msg: fmt.Sprintf("unknown field keyword %q", kw)}
		}
		if !d.Has(t) {
			d.Set(t, nil) // zero-length return key
		}
	}

	// The unit identifiers must always come back, whatever fields were
	// asked for.
	for _, t := range identifierTags(s.Level) {
		if !d.Has(t) {
			d.Set(t, nil)
		}
	}

	if r := dicom.DateRange(s.StartDate, s.EndDate); r != "" {
		d.SetString(dicom.TagStudyDate, r)
	}
	if s.Modality != "" {
		if s.Level == LevelStudy || s.Level == LevelPatient {
			d.SetString(dicom.TagModalitiesInStudy, s.Modality)
		} else {
			d.SetString(dicom.TagModality, s.Modality)
		}
	}
	return d, nil
}

// identifierTags lists the unique-identifier tags applicable at a level.
func identifierTags(l Level) []dicom.Tag {
	tags := []dicom.Tag{dicom.TagPatientID}
	switch l {
	case LevelStudy:
		tags = append(tags, dicom.TagStudyInstanceUID)
	case LevelSeries:
		tags = append(tags, dicom.TagStudyInstanceUID, dicom.TagSeriesInstanceUID)
	case LevelImage:
		tags = append(tags, dicom.TagStudyInstanceUID, dicom.TagSeriesInstanceUID, dicom.TagSOPInstanceUID)
	}
	return tags
}

// DiscoveredUnit is one row returned by discovery: the identifier tuple
// plus any requested metadata fields. Never mutated after production.
type DiscoveredUnit struct {
	Level      Level
	PatientID  string
	StudyUID   string
	SeriesUID  string
	SOPUID     string
	Fields     map[string]string
}

// UID returns the most specific identifier for the unit, used as the
// ledger key and for scheduler dedupe.
func (u DiscoveredUnit) UID() string {
	switch {
	case u.SOPUID != "":
		return u.SOPUID
	case u.SeriesUID != "":
		return u.SeriesUID
	case u.StudyUID != "":
		return u.StudyUID
	default:
		return u.PatientID
	}
}

// SpecFor composes the child-level QuerySpec driven by a parent unit's
// identifiers, so a study query can be built from a patient result, a
// series query from a study result, and so on.
func SpecFor(level Level, parent DiscoveredUnit, fields []string) QuerySpec {
	match := map[string]string{}
	if parent.PatientID != "" {
		match["PatientID"] = parent.PatientID
	}
	if parent.StudyUID != "" && level != LevelPatient {
		match["StudyInstanceUID"] = parent.StudyUID
	}
	if parent.SeriesUID != "" && (level == LevelImage) {
		match["SeriesInstanceUID"] = parent.SeriesUID
	}
	return QuerySpec{Level: level, Match: match, Fields: fields}
}

// unitFromDataset extracts a DiscoveredUnit from one pending response.
// Requested fields are decoded per the dataset's character set.
func unitFromDataset(level Level, d *dicom.Dataset, fields []string) DiscoveredUnit {
	u := DiscoveredUnit{
		Level:     level,
		PatientID: d.StringOr(dicom.TagPatientID, ""),
		StudyUID:  d.StringOr(dicom.TagStudyInstanceUID, ""),
		SeriesUID: d.StringOr(dicom.TagSeriesInstanceUID, ""),
		SOPUID:    d.StringOr(dicom.TagSOPInstanceUID, ""),
	}
	if len(fields) > 0 {
		u.Fields = make(map[string]string, len(fields))
		for _, kw := range fields {
			if t, ok := dicom.TagForKeyword(kw); ok {
				if v, ok := d.DecodeText(t); ok {
					u.Fields[kw] = v
				}
			}
		}
	}
	return u
}
