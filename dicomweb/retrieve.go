package dicomweb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// RetrieveIDs identifies the resource to retrieve. The study UID is always
// required; series and instance UIDs per level.
type RetrieveIDs struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
}

// retrievePath validates the IDs against the level and builds the WADO path.
func retrievePath(level types.QueryLevel, ids RetrieveIDs) (string, error) {
	if ids.StudyInstanceUID == "" {
		return "", errors.NewValidationError("retrieve requires a study instance UID")
	}
	path := "studies/" + ids.StudyInstanceUID

	switch level {
	case types.QueryLevelStudy:
		return path, nil
	case types.QueryLevelSeries:
		if ids.SeriesInstanceUID == "" {
			return "", errors.NewValidationError("series retrieve requires a series instance UID")
		}
		return path + "/series/" + ids.SeriesInstanceUID, nil
	case types.QueryLevelImage:
		if ids.SeriesInstanceUID == "" || ids.SOPInstanceUID == "" {
			return "", errors.NewValidationError("instance retrieve requires series and SOP instance UIDs")
		}
		return path + "/series/" + ids.SeriesInstanceUID + "/instances/" + ids.SOPInstanceUID, nil
	}
	return "", errors.NewValidationError("unsupported retrieve level %q", level)
}

// Retrieve fetches the objects under a study, series or instance in bulk
// (WADO-RS) and streams each received object to the callback in arrival
// order. The callback owns the passed bytes.
func (c *Client) Retrieve(ctx context.Context, level types.QueryLevel, ids RetrieveIDs, callback func(data []byte) error) error {
	path, err := retrievePath(level, ids)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return fmt.Errorf("build retrieve request: %w", err)
	}
	req.Header.Set("Accept", mimeMultipartDICOM)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewCommunicationError("retrieve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return classifyStatus("retrieve", resp.StatusCode)
	}

	mediaType, mtParams, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("parse retrieve content type: %w", err)
	}
	if mediaType != "multipart/related" {
		return fmt.Errorf("unexpected retrieve content type %q", mediaType)
	}

	reader := multipart.NewReader(resp.Body, mtParams["boundary"])
	count := 0
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.NewCommunicationError("retrieve", err)
		}

		data, err := io.ReadAll(part)
		if err != nil {
			return errors.NewCommunicationError("retrieve", err)
		}
		if err := callback(data); err != nil {
			return fmt.Errorf("retrieve callback: %w", err)
		}
		count++
	}

	c.logger.Debug("retrieve completed", "level", level, "objects", count)
	return nil
}

// RetrieveMetadata fetches the header attributes of the objects under a
// study, series or instance as dicom+json, one raw dataset per object. The
// metadata endpoint excludes bulk data, so pixel data never travels here.
func (c *Client) RetrieveMetadata(ctx context.Context, level types.QueryLevel, ids RetrieveIDs) ([]json.RawMessage, error) {
	path, err := retrievePath(level, ids)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path+"/metadata", nil)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Accept", mimeDICOMJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.NewCommunicationError("retrieve metadata", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, classifyStatus("retrieve metadata", resp.StatusCode)
	}

	var datasets []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&datasets); err != nil {
		return nil, fmt.Errorf("decode metadata response: %w", err)
	}
	return datasets, nil
}
