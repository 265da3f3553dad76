package types

// ApplicationContextUID names the DICOM application context. Every
// association proposes exactly this one.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Verification service, used by C-ECHO on every association.
const (
	VerificationSOPClass = "1.2.840.10008.1.1"
)

// Storage SOP classes the transfer engine proposes outbound. The set covers
// the composite image objects a radiology archive typically holds; inbound
// associations accept any storage class, these are only the proposed ones.
const (
	ComputedRadiographyImageStorage  = "1.2.840.10008.5.1.4.1.1.1"
	CTImageStorage                   = "1.2.840.10008.5.1.4.1.1.2"
	EnhancedCTImageStorage           = "1.2.840.10008.5.1.4.1.1.2.1"
	MRImageStorage                   = "1.2.840.10008.5.1.4.1.1.4"
	EnhancedMRImageStorage           = "1.2.840.10008.5.1.4.1.1.4.1"
	UltrasoundMultiFrameImageStorage = "1.2.840.10008.5.1.4.1.1.3.1"
	UltrasoundImageStorage           = "1.2.840.10008.5.1.4.1.1.6.1"
	SecondaryCaptureImageStorage     = "1.2.840.10008.5.1.4.1.1.7"
	NuclearMedicineImageStorage      = "1.2.840.10008.5.1.4.1.1.20"
	XRayAngiographicImageStorage     = "1.2.840.10008.5.1.4.1.1.12.1"
	PETImageStorage                  = "1.2.840.10008.5.1.4.1.1.128"
	RTImageStorage                   = "1.2.840.10008.5.1.4.1.1.481.1"
	RTDoseStorage                    = "1.2.840.10008.5.1.4.1.1.481.2"
	RTStructureSetStorage            = "1.2.840.10008.5.1.4.1.1.481.3"
	RTPlanStorage                    = "1.2.840.10008.5.1.4.1.1.481.5"
	EncapsulatedPDFStorage           = "1.2.840.10008.5.1.4.1.1.104.1"
)

// Query/Retrieve information models. Which root a peer accepts decides the
// query root available on the association.
const (
	PatientRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.1.2"
	PatientRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.1.3"

	StudyRootQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.2.2"
	StudyRootQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.2.3"

	PatientStudyOnlyQueryRetrieveInformationModelFind = "1.2.840.10008.5.1.4.1.2.3.1"
	PatientStudyOnlyQueryRetrieveInformationModelMove = "1.2.840.10008.5.1.4.1.2.3.2"
	PatientStudyOnlyQueryRetrieveInformationModelGet  = "1.2.840.10008.5.1.4.1.2.3.3"
)

// StorageSOPClasses returns the storage abstract syntaxes the engine
// proposes, for STORE associations and, with SCP role selection, for GET.
func StorageSOPClasses() []string {
	return []string{
		ComputedRadiographyImageStorage,
		CTImageStorage,
		EnhancedCTImageStorage,
		MRImageStorage,
		EnhancedMRImageStorage,
		UltrasoundImageStorage,
		UltrasoundMultiFrameImageStorage,
		SecondaryCaptureImageStorage,
		NuclearMedicineImageStorage,
		PETImageStorage,
		XRayAngiographicImageStorage,
		RTImageStorage,
		RTDoseStorage,
		RTStructureSetStorage,
		RTPlanStorage,
		EncapsulatedPDFStorage,
	}
}

// SOPClassInfo provides human-readable information about a SOP Class UID.
type SOPClassInfo struct {
	UID      string
	Name     string
	Category string
}

// GetSOPClassInfo returns information about a SOP Class UID.
func GetSOPClassInfo(uid string) *SOPClassInfo {
	info, ok := sopClassRegistry[uid]
	if !ok {
		return &SOPClassInfo{
			UID:      uid,
			Name:     "Unknown",
			Category: "Unknown",
		}
	}
	return &info
}

// IsStorageSOPClass returns true if the UID is a storage SOP class.
func IsStorageSOPClass(uid string) bool {
	return GetSOPClassInfo(uid).Category == "Storage"
}

// IsQueryRetrieveSOPClass returns true if the UID is a query/retrieve SOP
// class.
func IsQueryRetrieveSOPClass(uid string) bool {
	return GetSOPClassInfo(uid).Category == "Query/Retrieve"
}

var sopClassRegistry = map[string]SOPClassInfo{
	VerificationSOPClass: {
		UID:      VerificationSOPClass,
		Name:     "Verification SOP Class",
		Category: "Verification",
	},

	ComputedRadiographyImageStorage: {
		UID:      ComputedRadiographyImageStorage,
		Name:     "Computed Radiography Image Storage",
		Category: "Storage",
	},
	CTImageStorage: {
		UID:      CTImageStorage,
		Name:     "CT Image Storage",
		Category: "Storage",
	},
	EnhancedCTImageStorage: {
		UID:      EnhancedCTImageStorage,
		Name:     "Enhanced CT Image Storage",
		Category: "Storage",
	},
	MRImageStorage: {
		UID:      MRImageStorage,
		Name:     "MR Image Storage",
		Category: "Storage",
	},
	EnhancedMRImageStorage: {
		UID:      EnhancedMRImageStorage,
		Name:     "Enhanced MR Image Storage",
		Category: "Storage",
	},
	UltrasoundMultiFrameImageStorage: {
		UID:      UltrasoundMultiFrameImageStorage,
		Name:     "Ultrasound Multi-frame Image Storage",
		Category: "Storage",
	},
	UltrasoundImageStorage: {
		UID:      UltrasoundImageStorage,
		Name:     "Ultrasound Image Storage",
		Category: "Storage",
	},
	SecondaryCaptureImageStorage: {
		UID:      SecondaryCaptureImageStorage,
		Name:     "Secondary Capture Image Storage",
		Category: "Storage",
	},
	NuclearMedicineImageStorage: {
		UID:      NuclearMedicineImageStorage,
		Name:     "Nuclear Medicine Image Storage",
		Category: "Storage",
	},
	XRayAngiographicImageStorage: {
		UID:      XRayAngiographicImageStorage,
		Name:     "X-Ray Angiographic Image Storage",
		Category: "Storage",
	},
	PETImageStorage: {
		UID:      PETImageStorage,
		Name:     "Positron Emission Tomography Image Storage",
		Category: "Storage",
	},
	RTImageStorage: {
		UID:      RTImageStorage,
		Name:     "RT Image Storage",
		Category: "Storage",
	},
	RTDoseStorage: {
		UID:      RTDoseStorage,
		Name:     "RT Dose Storage",
		Category: "Storage",
	},
	RTStructureSetStorage: {
		UID:      RTStructureSetStorage,
		Name:     "RT Structure Set Storage",
		Category: "Storage",
	},
	RTPlanStorage: {
		UID:      RTPlanStorage,
		Name:     "RT Plan Storage",
		Category: "Storage",
	},
	EncapsulatedPDFStorage: {
		UID:      EncapsulatedPDFStorage,
		Name:     "Encapsulated PDF Storage",
		Category: "Storage",
	},

	PatientRootQueryRetrieveInformationModelFind: {
		UID:      PatientRootQueryRetrieveInformationModelFind,
		Name:     "Patient Root Query/Retrieve - FIND",
		Category: "Query/Retrieve",
	},
	PatientRootQueryRetrieveInformationModelMove: {
		UID:      PatientRootQueryRetrieveInformationModelMove,
		Name:     "Patient Root Query/Retrieve - MOVE",
		Category: "Query/Retrieve",
	},
	PatientRootQueryRetrieveInformationModelGet: {
		UID:      PatientRootQueryRetrieveInformationModelGet,
		Name:     "Patient Root Query/Retrieve - GET",
		Category: "Query/Retrieve",
	},
	StudyRootQueryRetrieveInformationModelFind: {
		UID:      StudyRootQueryRetrieveInformationModelFind,
		Name:     "Study Root Query/Retrieve - FIND",
		Category: "Query/Retrieve",
	},
	StudyRootQueryRetrieveInformationModelMove: {
		UID:      StudyRootQueryRetrieveInformationModelMove,
		Name:     "Study Root Query/Retrieve - MOVE",
		Category: "Query/Retrieve",
	},
	StudyRootQueryRetrieveInformationModelGet: {
		UID:      StudyRootQueryRetrieveInformationModelGet,
		Name:     "Study Root Query/Retrieve - GET",
		Category: "Query/Retrieve",
	},
	PatientStudyOnlyQueryRetrieveInformationModelFind: {
		UID:      PatientStudyOnlyQueryRetrieveInformationModelFind,
		Name:     "Patient/Study Only Query/Retrieve - FIND",
		Category: "Query/Retrieve",
	},
	PatientStudyOnlyQueryRetrieveInformationModelMove: {
		UID:      PatientStudyOnlyQueryRetrieveInformationModelMove,
		Name:     "Patient/Study Only Query/Retrieve - MOVE",
		Category: "Query/Retrieve",
	},
	PatientStudyOnlyQueryRetrieveInformationModelGet: {
		UID:      PatientStudyOnlyQueryRetrieveInformationModelGet,
		Name:     "Patient/Study Only Query/Retrieve - GET",
		Category: "Query/Retrieve",
	},
}
