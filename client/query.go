package client

import (
	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// Tags used when building and reading query datasets.
var (
	tagSOPClassUID        = dicom.Tag{Group: 0x0008, Element: 0x0016}
	tagSOPInstanceUID     = dicom.Tag{Group: 0x0008, Element: 0x0018}
	tagStudyDate          = dicom.Tag{Group: 0x0008, Element: 0x0020}
	tagStudyTime          = dicom.Tag{Group: 0x0008, Element: 0x0030}
	tagAccessionNumber    = dicom.Tag{Group: 0x0008, Element: 0x0050}
	tagQueryRetrieveLevel = dicom.Tag{Group: 0x0008, Element: 0x0052}
	tagRetrieveAETitle    = dicom.Tag{Group: 0x0008, Element: 0x0054}
	tagFailedSOPInstances = dicom.Tag{Group: 0x0008, Element: 0x0058}
	tagModality           = dicom.Tag{Group: 0x0008, Element: 0x0060}
	tagReferringPhysician = dicom.Tag{Group: 0x0008, Element: 0x0090}
	tagStudyDescription   = dicom.Tag{Group: 0x0008, Element: 0x1030}
	tagSeriesDescription  = dicom.Tag{Group: 0x0008, Element: 0x103E}
	tagPatientName        = dicom.Tag{Group: 0x0010, Element: 0x0010}
	tagPatientID          = dicom.Tag{Group: 0x0010, Element: 0x0020}
	tagPatientBirthDate   = dicom.Tag{Group: 0x0010, Element: 0x0030}
	tagPatientSex         = dicom.Tag{Group: 0x0010, Element: 0x0040}
	tagStudyInstanceUID   = dicom.Tag{Group: 0x0020, Element: 0x000D}
	tagSeriesInstanceUID  = dicom.Tag{Group: 0x0020, Element: 0x000E}
	tagStudyID            = dicom.Tag{Group: 0x0020, Element: 0x0010}
	tagSeriesNumber       = dicom.Tag{Group: 0x0020, Element: 0x0011}
	tagInstanceNumber     = dicom.Tag{Group: 0x0020, Element: 0x0013}
	tagNumSeriesInstances = dicom.Tag{Group: 0x0020, Element: 0x1209}
)

// buildFindDataset translates a structured query into the identifier dataset
// for a C-FIND at the given level. Attributes that are post-filtered
// client-side go on the wire as empty return keys so the archive does not
// filter on them.
func buildFindDataset(q *types.QueryRequest, level types.QueryLevel) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(tagQueryRetrieveLevel, dicom.VR_CS, string(level))

	ds.AddElement(tagPatientName, dicom.VR_PN, q.PatientName)
	ds.AddElement(tagPatientID, dicom.VR_LO, q.PatientID)

	switch level {
	case types.QueryLevelPatient:
		ds.AddElement(tagPatientBirthDate, dicom.VR_DA, "")
		ds.AddElement(tagPatientSex, dicom.VR_CS, q.PatientSex)

	case types.QueryLevelStudy:
		ds.AddElement(tagPatientBirthDate, dicom.VR_DA, "")
		ds.AddElement(tagStudyInstanceUID, dicom.VR_UI, q.StudyInstanceUID)
		ds.AddElement(tagStudyID, dicom.VR_SH, q.StudyID)
		ds.AddElement(tagStudyDate, dicom.VR_DA, q.StudyDate)
		ds.AddElement(tagStudyTime, dicom.VR_TM, q.StudyTime)
		ds.AddElement(tagStudyDescription, dicom.VR_LO, "")
		ds.AddElement(tagAccessionNumber, dicom.VR_SH, q.AccessionNumber)
		ds.AddElement(tagReferringPhysician, dicom.VR_PN, q.ReferringPhysician)

	case types.QueryLevelSeries:
		ds.AddElement(tagStudyInstanceUID, dicom.VR_UI, q.StudyInstanceUID)
		ds.AddElement(tagSeriesInstanceUID, dicom.VR_UI, q.SeriesInstanceUID)
		ds.AddElement(tagModality, dicom.VR_CS, "")
		ds.AddElement(tagSeriesNumber, dicom.VR_IS, "")
		ds.AddElement(tagSeriesDescription, dicom.VR_LO, "")
		ds.AddElement(tagNumSeriesInstances, dicom.VR_IS, "")

	case types.QueryLevelImage:
		ds.AddElement(tagStudyInstanceUID, dicom.VR_UI, q.StudyInstanceUID)
		ds.AddElement(tagSeriesInstanceUID, dicom.VR_UI, q.SeriesInstanceUID)
		ds.AddElement(tagSOPInstanceUID, dicom.VR_UI, q.SOPInstanceUID)
		ds.AddElement(tagSOPClassUID, dicom.VR_UI, "")
		ds.AddElement(tagInstanceNumber, dicom.VR_IS, q.InstanceNumber)
	}

	return ds
}

// buildRetrieveDataset builds the identifier for C-GET and C-MOVE: only the
// unique keys down to the requested level.
func buildRetrieveDataset(q *types.QueryRequest, level types.QueryLevel) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(tagQueryRetrieveLevel, dicom.VR_CS, string(level))

	if q.PatientID != "" {
		ds.AddElement(tagPatientID, dicom.VR_LO, q.PatientID)
	}
	if level == types.QueryLevelStudy || level == types.QueryLevelSeries || level == types.QueryLevelImage {
		ds.AddElement(tagStudyInstanceUID, dicom.VR_UI, q.StudyInstanceUID)
	}
	if level == types.QueryLevelSeries || level == types.QueryLevelImage {
		ds.AddElement(tagSeriesInstanceUID, dicom.VR_UI, q.SeriesInstanceUID)
	}
	if level == types.QueryLevelImage {
		ds.AddElement(tagSOPInstanceUID, dicom.VR_UI, q.SOPInstanceUID)
	}

	return ds
}

// resultFromDataset flattens a response dataset into a QueryResult.
func resultFromDataset(ds *dicom.Dataset, level types.QueryLevel) *types.QueryResult {
	return &types.QueryResult{
		Level:              level,
		PatientName:        ds.GetString(tagPatientName),
		PatientID:          ds.GetString(tagPatientID),
		PatientBirthDate:   ds.GetString(tagPatientBirthDate),
		PatientSex:         ds.GetString(tagPatientSex),
		StudyInstanceUID:   ds.GetString(tagStudyInstanceUID),
		StudyID:            ds.GetString(tagStudyID),
		StudyDate:          ds.GetString(tagStudyDate),
		StudyTime:          ds.GetString(tagStudyTime),
		StudyDescription:   ds.GetString(tagStudyDescription),
		Modality:           ds.GetString(tagModality),
		SeriesInstanceUID:  ds.GetString(tagSeriesInstanceUID),
		SeriesNumber:       ds.GetString(tagSeriesNumber),
		SeriesDescription:  ds.GetString(tagSeriesDescription),
		SOPInstanceUID:     ds.GetString(tagSOPInstanceUID),
		SOPClassUID:        ds.GetString(tagSOPClassUID),
		InstanceNumber:     ds.GetString(tagInstanceNumber),
		AccessionNumber:    ds.GetString(tagAccessionNumber),
		ReferringPhysician: ds.GetString(tagReferringPhysician),
		NumberOfInstances:  ds.GetString(tagNumSeriesInstances),
		RetrieveAETitle:    ds.GetString(tagRetrieveAETitle),
	}
}
