// Package convert defines the boundary between the collection engine and
// record conversion: turning one retrieved dataset into a flat tabular
// record, and sinks that persist records incrementally.
//
// The engine treats records as opaque payloads. Conversion failures are
// item-local: they are reported to the scheduler as partial failures and
// never retried.
package convert

import (
	"fmt"
	"strings"

	"github.com/roach88/pacsgather/internal/dicom"
)

// Record is one converted dataset: values in the same order as the field
// keywords it was converted with.
type Record struct {
	Values []string
}

// ConversionError marks a dataset that could not be converted. The
// engine records it against the task and moves on.
type ConversionError struct {
	SOPUID string
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert instance %s: %v", e.SOPUID, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Converter turns a retrieved dataset into a record. Implementations
// must be pure: same dataset and fields, same record.
type Converter interface {
	Convert(ds *dicom.Dataset, fields []string) (Record, error)
}

// Sink receives converted records for incremental persistence. The
// engine calls Write at most once per successfully converted item.
type Sink interface {
	Write(rec Record) error
}

// FieldConverter is the default Converter: it extracts the requested
// attribute keywords as text, decoding per the dataset's Specific
// Character Set and canonicalizing date and time values. Missing
// attributes become empty strings; a dataset without its SOP instance
// identifier is unconvertible.
type FieldConverter struct{}

func (FieldConverter) Convert(ds *dicom.Dataset, fields []string) (Record, error) {
	sopUID, ok := ds.GetString(dicom.TagSOPInstanceUID)
	if !ok || sopUID == "" {
		return Record{}, &ConversionError{SOPUID: "(unknown)", Err: fmt.Errorf("dataset has no SOPInstanceUID")}
	}
	rec := Record{Values: make([]string, len(fields))}
	for i, kw := range fields {
		t, known := dicom.TagForKeyword(kw)
		if !known {
			return Record{}, &ConversionError{SOPUID: sopUID, Err: fmt.Errorf("unknown field keyword %q", kw)}
		}
		if v, present := ds.DecodeText(t); present {
			rec.Values[i] = normalize(kw, v)
		}
	}
	return rec, nil
}

// normalize canonicalizes date and time attribute values: peers are
// allowed to abbreviate them (a TM of "0930" and "093000.000000" name
// the same instant), which breaks grouping in the output. Values that
// do not parse pass through untouched.
func normalize(keyword, v string) string {
	switch {
	case strings.HasSuffix(keyword, "Date"):
		if t, err := dicom.ParseDate(v); err == nil {
			return dicom.FormatDate(t, false)
		}
	case strings.HasSuffix(keyword, "Time"):
		if d, err := dicom.ParseTime(v); err == nil {
			return dicom.FormatTime(d)
		}
	}
	return v
}
