package convert

import (
	"errors"
	"strings"
	"testing"

	"github.com/roach88/pacsgather/internal/dicom"
)

func instance(sopUID string) *dicom.Dataset {
	d := dicom.NewDataset()
	d.SetString(dicom.TagSOPInstanceUID, sopUID)
	d.SetString(dicom.TagPatientID, "PAT1")
	d.SetString(dicom.TagStudyInstanceUID, "1.2.3")
	d.SetString(dicom.TagModality, "MR")
	return d
}

func TestFieldConverter_ExtractsInOrder(t *testing.T) {
	rec, err := FieldConverter{}.Convert(instance("9.9.9"), []string{"PatientID", "Modality", "StudyInstanceUID"})
	if err != nil {
		t.Fatalf("Convert() failed: %v", err)
	}
	want := []string{"PAT1", "MR", "1.2.3"}
	for i, v := range want {
		if rec.Values[i] != v {
			t.Errorf("Values[%d] = %q, want %q", i, rec.Values[i], v)
		}
	}
}

func TestFieldConverter_CanonicalizesDateAndTime(t *testing.T) {
	d := instance("9.9.9")
	d.SetString(dicom.TagStudyDate, "20210317")
	d.SetString(dicom.TagStudyTime, "0930")

	rec, err := FieldConverter{}.Convert(d, []string{"StudyDate", "StudyTime"})
	if err != nil {
		t.Fatalf("Convert() failed: %v", err)
	}
	if rec.Values[0] != "20210317" {
		t.Errorf("StudyDate = %q, want %q", rec.Values[0], "20210317")
	}
	if rec.Values[1] != "093000.000000" {
		t.Errorf("StudyTime = %q, want %q", rec.Values[1], "093000.000000")
	}
}

func TestFieldConverter_UnparseableDatePassesThrough(t *testing.T) {
	d := instance("9.9.9")
	d.SetString(dicom.TagStudyDate, "not-a-date")

	rec, err := FieldConverter{}.Convert(d, []string{"StudyDate"})
	if err != nil {
		t.Fatalf("Convert() failed: %v", err)
	}
	if rec.Values[0] != "not-a-date" {
		t.Errorf("StudyDate = %q, want original value", rec.Values[0])
	}
}

func TestFieldConverter_MissingAttributeIsEmpty(t *testing.T) {
	rec, err := FieldConverter{}.Convert(instance("9.9.9"), []string{"AccessionNumber"})
	if err != nil {
		t.Fatalf("Convert() failed: %v", err)
	}
	if rec.Values[0] != "" {
		t.Errorf("missing attribute = %q, want empty", rec.Values[0])
	}
}

func TestFieldConverter_NoSOPInstanceUID(t *testing.T) {
	d := dicom.NewDataset()
	d.SetString(dicom.TagPatientID, "PAT1")

	_, err := FieldConverter{}.Convert(d, []string{"PatientID"})
	var ce *ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("Convert() error = %v, want ConversionError", err)
	}
}

func TestFieldConverter_UnknownKeyword(t *testing.T) {
	_, err := FieldConverter{}.Convert(instance("9.9.9"), []string{"Bogus"})
	var ce *ConversionError
	if !errors.As(err, &ce) {
		t.Fatalf("Convert() error = %v, want ConversionError", err)
	}
	if ce.SOPUID != "9.9.9" {
		t.Errorf("ConversionError.SOPUID = %q, want %q", ce.SOPUID, "9.9.9")
	}
}

func TestCSVSink_HeaderOnceAndRows(t *testing.T) {
	var buf strings.Builder
	sink := NewCSVSink(&buf, []string{"PatientID", "Modality"})

	if err := sink.Write(Record{Values: []string{"PAT1", "CT"}}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := sink.Write(Record{Values: []string{"PAT2", "MR"}}); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2 rows", len(lines))
	}
	if lines[0] != "PatientID,Modality" {
		t.Errorf("header = %q", lines[0])
	}
	if sink.Rows() != 2 {
		t.Errorf("Rows() = %d, want 2", sink.Rows())
	}
}

func TestCSVSink_RejectsColumnMismatch(t *testing.T) {
	var buf strings.Builder
	sink := NewCSVSink(&buf, []string{"PatientID", "Modality"})

	if err := sink.Write(Record{Values: []string{"only-one"}}); err == nil {
		t.Error("Write() accepted a record with wrong column count")
	}
}
