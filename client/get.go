package client

import (
	"fmt"

	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// CGetRequest describes a C-GET operation. An empty SOPClassUID defaults to
// the study root retrieve model, a zero MessageID becomes 1.
type CGetRequest struct {
	SOPClassUID string
	MessageID   uint16
	Priority    uint16
	Dataset     *dicom.Dataset // identifier selecting the instances to retrieve
}

// CGetResponse is one C-GET-RSP from the peer. Pending responses report
// progress, the final one carries the tallied sub-operation counts.
type CGetResponse struct {
	Status                         uint16
	MessageID                      uint16
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// SendCGet issues a C-GET-RQ and collects the responses until a final status
// arrives. The peer pushes matching instances as C-STORE requests on this
// same association, which the caller has to service; use Client.Get for a
// loop that does both.
func (a *Association) SendCGet(req *CGetRequest) ([]*CGetResponse, error) {
	switch {
	case req == nil:
		return nil, fmt.Errorf("c-get request cannot be nil")
	case req.Dataset == nil:
		return nil, fmt.Errorf("c-get request requires a dataset")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelGet
	}
	messageID := req.MessageID
	if messageID == 0 {
		messageID = 1
	}

	presContextID, err := a.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, err
	}

	err = a.sendCommand(presContextID, &types.Message{
		CommandField:        dimse.CGetRQ,
		MessageID:           messageID,
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
	}, req.Dataset.EncodeDataset())
	if err != nil {
		return nil, fmt.Errorf("c-get: %w", err)
	}

	var responses []*CGetResponse
	for {
		rsp, _, err := a.receiveDIMSEMessage()
		if err != nil {
			return responses, fmt.Errorf("c-get: %w", err)
		}
		if rsp.CommandField != dimse.CGetRSP {
			return responses, fmt.Errorf("unexpected command: 0x%04x (expected C-GET-RSP)", rsp.CommandField)
		}

		responses = append(responses, &CGetResponse{
			Status:                         rsp.Status,
			MessageID:                      rsp.MessageIDBeingRespondedTo,
			NumberOfRemainingSuboperations: rsp.NumberOfRemainingSuboperations,
			NumberOfCompletedSuboperations: rsp.NumberOfCompletedSuboperations,
			NumberOfFailedSuboperations:    rsp.NumberOfFailedSuboperations,
			NumberOfWarningSuboperations:   rsp.NumberOfWarningSuboperations,
		})

		if rsp.Status != dimse.StatusPending {
			return responses, nil
		}
	}
}

// StoredObject is one instance pushed back by the peer during a C-GET.
type StoredObject struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte
}

// StoreCallback handles one received object synchronously within the
// association. Returning an error aborts the association.
type StoreCallback func(obj *StoredObject) error

// RetrieveResult summarizes a completed C-GET or C-MOVE.
type RetrieveResult struct {
	Status    uint16
	Completed int
	Failed    int
	Warning   int
}

// Get retrieves the instances matching the query in-band. The peer sends
// each instance as a C-STORE on this association; every object is handed to
// callback before the next one is read. A callback error aborts the
// association and surfaces as a CommunicationError.
func (c *Client) Get(query *types.QueryRequest, level types.QueryLevel, callback StoreCallback) (*RetrieveResult, error) {
	if c.assoc == nil {
		return nil, errors.ErrNotOpen
	}

	sopClass, err := c.queryRoot(
		types.PatientRootQueryRetrieveInformationModelGet,
		types.StudyRootQueryRetrieveInformationModelGet)
	if err != nil {
		return nil, errors.NewCommunicationError("get", err)
	}

	presContextID, err := c.assoc.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, errors.NewCommunicationError("get", err)
	}

	command := &types.Message{
		CommandField:        dimse.CGetRQ,
		MessageID:           c.messageID(),
		Priority:            0x0002,
		AffectedSOPClassUID: sopClass,
		CommandDataSetType:  0x0000,
	}
	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return nil, errors.NewCommunicationError("get", err)
	}

	identifier := buildRetrieveDataset(query, level)
	if err := dimse.SendDIMSEMessage(c.assoc.conn, presContextID, c.assoc.maxPDULength, commandData, identifier.EncodeDataset()); err != nil {
		return nil, errors.NewCommunicationError("get", err)
	}

	for {
		msg, data, msgCtxID, err := dimse.ReceiveDIMSEMessageCtx(c.assoc.conn)
		if err != nil {
			return nil, errors.NewCommunicationError("get", err)
		}

		switch msg.CommandField {
		case dimse.CStoreRQ:
			obj := &StoredObject{
				SOPClassUID:    msg.AffectedSOPClassUID,
				SOPInstanceUID: msg.AffectedSOPInstanceUID,
				TransferSyntax: c.assoc.TransferSyntaxFor(msgCtxID),
				Data:           data,
			}

			status := uint16(dimse.StatusSuccess)
			if err := callback(obj); err != nil {
				c.Abort()
				return nil, errors.NewCommunicationError("get",
					fmt.Errorf("store callback failed for %s: %w", obj.SOPInstanceUID, err))
			}

			if err := c.sendCStoreRSP(msgCtxID, msg, status); err != nil {
				return nil, errors.NewCommunicationError("get", err)
			}

		case dimse.CGetRSP:
			if msg.Status == dimse.StatusPending {
				continue
			}
			result := &RetrieveResult{Status: msg.Status}
			if msg.NumberOfCompletedSuboperations != nil {
				result.Completed = int(*msg.NumberOfCompletedSuboperations)
			}
			if msg.NumberOfFailedSuboperations != nil {
				result.Failed = int(*msg.NumberOfFailedSuboperations)
			}
			if msg.NumberOfWarningSuboperations != nil {
				result.Warning = int(*msg.NumberOfWarningSuboperations)
			}
			return result, nil

		default:
			return nil, errors.NewCommunicationError("get",
				fmt.Errorf("unexpected command during C-GET: 0x%04X", msg.CommandField))
		}
	}
}

// sendCStoreRSP answers an inbound C-STORE on its presentation context.
func (c *Client) sendCStoreRSP(presContextID byte, req *types.Message, status uint16) error {
	rsp := &types.Message{
		CommandField:              dimse.CStoreRSP,
		MessageIDBeingRespondedTo: req.MessageID,
		CommandDataSetType:        types.CommandDataSetNull,
		Status:                    status,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
	}
	rspData, err := dimse.EncodeCommand(rsp)
	if err != nil {
		return err
	}
	return dimse.SendDIMSEMessage(c.assoc.conn, presContextID, c.assoc.maxPDULength, rspData, nil)
}
