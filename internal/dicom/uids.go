package dicom

// Well-known UIDs. Only the subset needed for verification and study-root
// query/retrieve is declared.
const (
	// ApplicationContext is the single DICOM application context name.
	ApplicationContext = "1.2.840.10008.3.1.1.1"

	// ImplicitVRLittleEndian is the default transfer syntax every
	// conformant peer must accept.
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"

	// Verification is the C-ECHO SOP class.
	Verification = "1.2.840.10008.1.1"

	// StudyRootQueryRetrieveFind is the study-root C-FIND SOP class.
	StudyRootQueryRetrieveFind = "1.2.840.10008.5.1.4.1.2.2.1"

	// StudyRootQueryRetrieveGet is the study-root C-GET SOP class.
	// C-GET delivers stored instances on the same association, which is
	// what lets the engine stream items without running a separate
	// storage listener.
	StudyRootQueryRetrieveGet = "1.2.840.10008.5.1.4.1.2.2.3"

	CTImageStorage               = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage               = "1.2.840.10008.5.1.4.1.1.4"
	SecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7"
	DigitalMammographyXRayStorage = "1.2.840.10008.5.1.4.1.1.1.2"
)

// StorageClasses are the storage SOP classes negotiated for C-GET
// sub-operations.
var StorageClasses = []string{
	CTImageStorage,
	MRImageStorage,
	SecondaryCaptureImageStorage,
	DigitalMammographyXRayStorage,
}
