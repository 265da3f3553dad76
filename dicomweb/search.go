package dicomweb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// dicom+json tag keys, group and element as eight hex digits.
const (
	keyAccessionNumber    = "00080050"
	keyModality           = "00080060"
	keyReferringPhysician = "00080090"
	keyStudyDate          = "00080020"
	keyStudyTime          = "00080030"
	keyStudyDescription   = "00081030"
	keySeriesDescription  = "0008103E"
	keySOPClassUID        = "00080016"
	keySOPInstanceUID     = "00080018"
	keyPatientName        = "00100010"
	keyPatientID          = "00100020"
	keyPatientBirthDate   = "00100030"
	keyPatientSex         = "00100040"
	keyStudyInstanceUID   = "0020000D"
	keySeriesInstanceUID  = "0020000E"
	keyStudyID            = "00200010"
	keySeriesNumber       = "00200011"
	keyInstanceNumber     = "00200013"
	keyNumSeriesInstances = "00201209"
)

// jsonElement is one attribute of a dicom+json dataset.
type jsonElement struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value,omitempty"`
}

type jsonDataset map[string]jsonElement

// str extracts the first value of an attribute as a string. Handles plain
// strings, numbers (IS attributes come back as JSON numbers from some
// archives) and person-name objects.
func (d jsonDataset) str(key string) string {
	elem, ok := d[key]
	if !ok || len(elem.Value) == 0 {
		return ""
	}
	raw := elem.Value[0]

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}

	var pn struct {
		Alphabetic string `json:"Alphabetic"`
	}
	if err := json.Unmarshal(raw, &pn); err == nil {
		return pn.Alphabetic
	}

	return ""
}

// Search runs a QIDO-RS query at the given level. Attributes the archive is
// not trusted to filter (birth date, descriptions, series number, modality
// lists) are never sent as filter parameters; they are applied client-side
// after the response arrives. Empty and wildcard filter values are dropped
// so the archive returns rather than filters.
func (c *Client) Search(ctx context.Context, query *types.QueryRequest, level types.QueryLevel) ([]*types.QueryResult, error) {
	if level == types.QueryLevelPatient {
		return nil, errors.NewValidationError("patient level queries are not supported over DICOMweb")
	}

	filter, err := types.NewResultFilter(query)
	if err != nil {
		return nil, err
	}

	path, params := searchTarget(query, level)
	params.Set("includefield", "all")

	reqURL := c.baseURL + "/" + path
	if encoded := params.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", mimeDICOMJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.NewCommunicationError("search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, classifyStatus("search", resp.StatusCode)
	}

	var datasets []jsonDataset
	if err := json.NewDecoder(resp.Body).Decode(&datasets); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]*types.QueryResult, 0, len(datasets))
	for _, ds := range datasets {
		result := resultFromJSON(ds, level)
		if !filter.Matches(result) {
			continue
		}
		results = append(results, result)
	}

	c.logger.Debug("search completed", "level", level, "matches", len(results), "raw", len(datasets))
	return results, nil
}

// searchTarget picks the QIDO resource path and the trusted filter params.
// Known parent UIDs move into the path; the rest go on the query string.
func searchTarget(q *types.QueryRequest, level types.QueryLevel) (string, url.Values) {
	params := url.Values{}
	setParam := func(key, value string) {
		if value != "" && value != "*" {
			params.Set(key, value)
		}
	}

	setParam(keyPatientName, q.PatientName)
	setParam(keyPatientID, q.PatientID)

	var path string
	switch level {
	case types.QueryLevelStudy:
		path = "studies"
		setParam(keyStudyInstanceUID, q.StudyInstanceUID)
		setParam(keyStudyID, q.StudyID)
		setParam(keyStudyDate, q.StudyDate)
		setParam(keyStudyTime, q.StudyTime)
		setParam(keyAccessionNumber, q.AccessionNumber)
		setParam(keyReferringPhysician, q.ReferringPhysician)

	case types.QueryLevelSeries:
		if q.StudyInstanceUID != "" {
			path = "studies/" + q.StudyInstanceUID + "/series"
		} else {
			path = "series"
		}
		setParam(keySeriesInstanceUID, q.SeriesInstanceUID)

	case types.QueryLevelImage:
		switch {
		case q.StudyInstanceUID != "" && q.SeriesInstanceUID != "":
			path = "studies/" + q.StudyInstanceUID + "/series/" + q.SeriesInstanceUID + "/instances"
		case q.StudyInstanceUID != "":
			path = "studies/" + q.StudyInstanceUID + "/instances"
			setParam(keySeriesInstanceUID, q.SeriesInstanceUID)
		default:
			path = "instances"
			setParam(keySeriesInstanceUID, q.SeriesInstanceUID)
		}
		setParam(keySOPInstanceUID, q.SOPInstanceUID)
		setParam(keyInstanceNumber, q.InstanceNumber)
	}

	return path, params
}

// resultFromJSON flattens a dicom+json dataset into a QueryResult.
func resultFromJSON(ds jsonDataset, level types.QueryLevel) *types.QueryResult {
	return &types.QueryResult{
		Level:              level,
		PatientName:        ds.str(keyPatientName),
		PatientID:          ds.str(keyPatientID),
		PatientBirthDate:   ds.str(keyPatientBirthDate),
		PatientSex:         ds.str(keyPatientSex),
		StudyInstanceUID:   ds.str(keyStudyInstanceUID),
		StudyID:            ds.str(keyStudyID),
		StudyDate:          ds.str(keyStudyDate),
		StudyTime:          ds.str(keyStudyTime),
		StudyDescription:   ds.str(keyStudyDescription),
		Modality:           ds.str(keyModality),
		SeriesInstanceUID:  ds.str(keySeriesInstanceUID),
		SeriesNumber:       ds.str(keySeriesNumber),
		SeriesDescription:  ds.str(keySeriesDescription),
		SOPInstanceUID:     ds.str(keySOPInstanceUID),
		SOPClassUID:        ds.str(keySOPClassUID),
		InstanceNumber:     ds.str(keyInstanceNumber),
		AccessionNumber:    ds.str(keyAccessionNumber),
		ReferringPhysician: ds.str(keyReferringPhysician),
		NumberOfInstances:  ds.str(keyNumSeriesInstances),
	}
}
