package client

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// CStoreRequest identifies one object to push to the peer. Data must be a
// bare dataset in the context's negotiated transfer syntax.
type CStoreRequest struct {
	SOPClassUID    string
	SOPInstanceUID string
	Data           []byte
	MessageID      uint16
}

// CStoreResponse is the peer's answer to a single C-STORE.
type CStoreResponse struct {
	Status         uint16
	MessageID      uint16
	SOPClassUID    string
	SOPInstanceUID string
}

// SendCStore pushes one object and waits for the C-STORE-RSP.
func (a *Association) SendCStore(req *CStoreRequest) (*CStoreResponse, error) {
	presContextID, err := a.GetPresentationContextID(req.SOPClassUID)
	if err != nil {
		return nil, fmt.Errorf("no presentation context for SOP class %s: %w", req.SOPClassUID, err)
	}

	a.logger.Debug("sending C-STORE-RQ",
		"sop_class", req.SOPClassUID,
		"sop_instance", req.SOPInstanceUID,
		"data_size", len(req.Data))

	rsp, _, err := a.roundTrip(presContextID, &types.Message{
		CommandField:           dimse.CStoreRQ,
		MessageID:              req.MessageID,
		Priority:               0x0000, // medium
		CommandDataSetType:     0x0000, // dataset present
		AffectedSOPClassUID:    req.SOPClassUID,
		AffectedSOPInstanceUID: req.SOPInstanceUID,
	}, req.Data, dimse.CStoreRSP)
	if err != nil {
		return nil, fmt.Errorf("c-store: %w", err)
	}

	return &CStoreResponse{
		Status:         rsp.Status,
		MessageID:      rsp.MessageIDBeingRespondedTo,
		SOPClassUID:    rsp.AffectedSOPClassUID,
		SOPInstanceUID: rsp.AffectedSOPInstanceUID,
	}, nil
}

// StoreInput is one object for a batch store. Either Path or Data must be
// set; Data takes precedence and must be a Part 10 file or a bare dataset
// in Implicit VR Little Endian.
type StoreInput struct {
	Path string
	Data []byte
}

// StoreSummary reports the outcome of a batch store. Warnings count objects
// the peer accepted with a coercion or elision status (0xBxxx).
type StoreSummary struct {
	Succeeded int
	Warnings  int
	Failed    int
}

// Store sends every input over the open association, applying the modifier
// (when non-nil) to each dataset before it goes on the wire. Objects that
// fail do not stop the batch; the returned error aggregates per-object
// failures via AggregateFailures.
func (c *Client) Store(inputs []StoreInput, modifier *dicom.Modifier) (*StoreSummary, error) {
	if c.assoc == nil {
		return nil, errors.ErrNotOpen
	}

	summary := &StoreSummary{}
	var merr *multierror.Error

	for _, input := range inputs {
		name := input.Path
		if name == "" {
			name = "<memory>"
		}

		status, err := c.storeOne(input, modifier)
		switch {
		case err != nil:
			summary.Failed++
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", name, err))
			c.logger.Warn("store failed", "object", name, "error", err)
		case status == dimse.StatusSuccess:
			summary.Succeeded++
		case types.IsWarningStatus(status):
			summary.Warnings++
			c.logger.Warn("store accepted with warning", "object", name, "status", fmt.Sprintf("0x%04x", status))
		default:
			summary.Failed++
			merr = multierror.Append(merr, errors.NewDIMSEError("store", status, name))
			c.logger.Warn("store rejected", "object", name, "status", fmt.Sprintf("0x%04x", status))
		}
	}

	return summary, errors.AggregateFailures("store", summary.Failed, len(inputs), merr.ErrorOrNil())
}

// storeOne prepares and sends a single object, returning the peer's status.
func (c *Client) storeOne(input StoreInput, modifier *dicom.Modifier) (uint16, error) {
	data := input.Data
	if data == nil {
		var err error
		data, err = os.ReadFile(input.Path)
		if err != nil {
			return 0, fmt.Errorf("read file: %w", err)
		}
	}

	dataset, transferSyntax, err := dicom.StripPart10HeaderWithTransferSyntax(data)
	if err != nil {
		return 0, fmt.Errorf("strip file meta: %w", err)
	}
	if transferSyntax == "" {
		transferSyntax = types.ImplicitVRLittleEndian
	}

	parsed, err := dicom.ParseDatasetWithTransferSyntax(dataset, transferSyntax)
	if err != nil {
		return 0, fmt.Errorf("parse dataset: %w", err)
	}
	sopClassUID := parsed.GetString(tagSOPClassUID)
	sopInstanceUID := parsed.GetString(tagSOPInstanceUID)
	if sopClassUID == "" || sopInstanceUID == "" {
		return 0, errors.NewValidationError("dataset is missing SOP class or instance UID")
	}

	if !modifier.Empty() {
		dataset, err = modifier.Rewrite(dataset, transferSyntax)
		if err != nil {
			return 0, fmt.Errorf("rewrite dataset: %w", err)
		}
	}

	resp, err := c.assoc.SendCStore(&CStoreRequest{
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		Data:           dataset,
		MessageID:      c.messageID(),
	})
	if err != nil {
		return 0, errors.NewCommunicationError("store "+sopInstanceUID, err)
	}
	return resp.Status, nil
}

// sendDIMSEMessage writes a command and optional dataset on the association's
// connection, fragmented to the negotiated maximum PDU length.
func (a *Association) sendDIMSEMessage(presContextID byte, commandData []byte, datasetData []byte) error {
	return dimse.SendDIMSEMessage(a.conn, presContextID, a.maxPDULength, commandData, datasetData)
}

// receiveDIMSEMessage reads a complete DIMSE message from the association
// connection. An A-ABORT from the peer surfaces as an AbortError.
func (a *Association) receiveDIMSEMessage() (*types.Message, []byte, error) {
	msg, data, err := dimse.ReceiveDIMSEMessage(a.conn)
	if err != nil {
		var abortErr *errors.AbortError
		if stderrors.As(err, &abortErr) {
			a.logger.Error("received A-ABORT from peer",
				"source", abortErr.Source,
				"reason", abortErr.Reason)
		}
		return nil, nil, err
	}
	return msg, data, nil
}
