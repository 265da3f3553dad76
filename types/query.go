package types

// QueryLevel represents the level of C-FIND query
type QueryLevel string

const (
	QueryLevelPatient QueryLevel = "PATIENT"
	QueryLevelStudy   QueryLevel = "STUDY"
	QueryLevelSeries  QueryLevel = "SERIES"
	QueryLevelImage   QueryLevel = "IMAGE"
)

// QueryRequest represents a structured query for find/retrieve operations.
// Empty fields are sent as universal (empty-string) match keys. Some fields
// carry client-side filter semantics a server cannot be trusted with; see the
// client's post-filtering.
type QueryRequest struct {
	Level              QueryLevel
	PatientName        string
	PatientID          string
	PatientBirthDate   string
	PatientSex         string
	StudyInstanceUID   string
	StudyID            string
	StudyDate          string
	StudyTime          string
	StudyDescription   string
	Modality           string
	SeriesInstanceUID  string
	SeriesNumber       string
	SeriesDescription  string
	SOPInstanceUID     string
	InstanceNumber     string
	AccessionNumber    string
	ReferringPhysician string

	// Modalities restricts results to the listed modalities client-side;
	// Modality (singular) is what goes on the wire.
	Modalities []string
}

// QueryResult is one flat result record of a query, at any level. Fields not
// returned by the archive stay empty.
type QueryResult struct {
	Level              QueryLevel
	PatientName        string
	PatientID          string
	PatientBirthDate   string
	PatientSex         string
	StudyInstanceUID   string
	StudyID            string
	StudyDate          string
	StudyTime          string
	StudyDescription   string
	Modality           string
	SeriesInstanceUID  string
	SeriesNumber       string
	SeriesDescription  string
	SOPInstanceUID     string
	SOPClassUID        string
	InstanceNumber     string
	AccessionNumber    string
	ReferringPhysician string
	NumberOfInstances  string
	RetrieveAETitle    string
}
