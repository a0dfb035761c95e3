package dicom

import "fmt"

// Tag identifies a DICOM data element as a (group, element) pair.
type Tag struct {
	Group   uint16
	Element uint16
}

// String renders the tag in the conventional (gggg,eeee) form.
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Less orders tags by group, then element. Datasets are encoded in
// ascending tag order as the standard requires.
func (t Tag) Less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// Command set tags (group 0000).
var (
	TagCommandGroupLength  = Tag{0x0000, 0x0000}
	TagAffectedSOPClassUID = Tag{0x0000, 0x0002}
	TagCommandField        = Tag{0x0000, 0x0100}
	TagMessageID           = Tag{0x0000, 0x0110}
	TagMessageIDRespondedTo = Tag{0x0000, 0x0120}
	TagMoveDestination     = Tag{0x0000, 0x0600}
	TagPriority            = Tag{0x0000, 0x0700}
	TagCommandDataSetType  = Tag{0x0000, 0x0800}
	TagStatus              = Tag{0x0000, 0x0900}
	TagRemainingSubOps     = Tag{0x0000, 0x1020}
	TagCompletedSubOps     = Tag{0x0000, 0x1021}
	TagFailedSubOps        = Tag{0x0000, 0x1022}
	TagWarningSubOps       = Tag{0x0000, 0x1023}
	TagAffectedSOPInstanceUID = Tag{0x0000, 0x1000}
)

// Identifier tags used by query/retrieve and record conversion.
var (
	TagSpecificCharacterSet = Tag{0x0008, 0x0005}
	TagStudyDate            = Tag{0x0008, 0x0020}
	TagStudyTime            = Tag{0x0008, 0x0030}
	TagAccessionNumber      = Tag{0x0008, 0x0050}
	TagModality             = Tag{0x0008, 0x0060}
	TagModalitiesInStudy    = Tag{0x0008, 0x0061}
	TagSOPInstanceUID       = Tag{0x0008, 0x0018}
	TagSOPClassUID          = Tag{0x0008, 0x0016}
	TagQueryRetrieveLevel   = Tag{0x0008, 0x0052}
	TagPatientName          = Tag{0x0010, 0x0010}
	TagPatientID            = Tag{0x0010, 0x0020}
	TagPatientBirthDate     = Tag{0x0010, 0x0030}
	TagStudyInstanceUID     = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID    = Tag{0x0020, 0x000E}
	TagStudyID              = Tag{0x0020, 0x0010}
	TagSeriesNumber         = Tag{0x0020, 0x0011}
	TagInstanceNumber       = Tag{0x0020, 0x0013}
	TagNumberOfStudyRelatedInstances = Tag{0x0020, 0x1208}
)

// keywordToTag maps the attribute keywords accepted in configuration files
// to their tags. Only the attributes the engine can request are listed.
var keywordToTag = map[string]Tag{
	"SpecificCharacterSet": TagSpecificCharacterSet,
	"StudyDate":            TagStudyDate,
	"StudyTime":            TagStudyTime,
	"AccessionNumber":      TagAccessionNumber,
	"Modality":             TagModality,
	"ModalitiesInStudy":    TagModalitiesInStudy,
	"SOPInstanceUID":       TagSOPInstanceUID,
	"SOPClassUID":          TagSOPClassUID,
	"QueryRetrieveLevel":   TagQueryRetrieveLevel,
	"PatientName":          TagPatientName,
	"PatientID":            TagPatientID,
	"PatientBirthDate":     TagPatientBirthDate,
	"StudyInstanceUID":     TagStudyInstanceUID,
	"SeriesInstanceUID":    TagSeriesInstanceUID,
	"StudyID":              TagStudyID,
	"SeriesNumber":         TagSeriesNumber,
	"InstanceNumber":       TagInstanceNumber,
	"NumberOfStudyRelatedInstances": TagNumberOfStudyRelatedInstances,
}

// TagForKeyword resolves an attribute keyword (e.g. "StudyInstanceUID")
// to its tag. Returns false for unknown keywords so config validation can
// report them instead of silently dropping fields.
func TagForKeyword(keyword string) (Tag, bool) {
	t, ok := keywordToTag[keyword]
	return t, ok
}
