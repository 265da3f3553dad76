package client

import (
	"fmt"

	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// MoveResult reports the final outcome of a C-MOVE. The association only
// carries status; the moved bytes arrive out-of-band at the destination AE.
type MoveResult struct {
	RetrieveResult
	// FailedSOPInstanceUIDs lists instances the peer could not push, taken
	// from the final response identifier when present.
	FailedSOPInstanceUIDs []string
	// MessageID identifies the operation for a later C-CANCEL.
	MessageID uint16
}

// Move asks the archive to push the instances matching the query to the AE
// named by destination. Completion is judged solely from the final response
// status; the caller reconciles actually received objects separately.
func (c *Client) Move(query *types.QueryRequest, level types.QueryLevel, destination string) (*MoveResult, error) {
	if c.assoc == nil {
		return nil, errors.ErrNotOpen
	}

	sopClass, err := c.queryRoot(
		types.PatientRootQueryRetrieveInformationModelMove,
		types.StudyRootQueryRetrieveInformationModelMove)
	if err != nil {
		return nil, errors.NewCommunicationError("move", err)
	}

	presContextID, err := c.assoc.GetPresentationContextID(sopClass)
	if err != nil {
		return nil, errors.NewCommunicationError("move", err)
	}

	messageID := c.messageID()
	command := &types.Message{
		CommandField:        dimse.CMoveRQ,
		MessageID:           messageID,
		Priority:            0x0002,
		AffectedSOPClassUID: sopClass,
		CommandDataSetType:  0x0000,
		MoveDestination:     destination,
	}
	commandData, err := dimse.EncodeCommand(command)
	if err != nil {
		return nil, errors.NewCommunicationError("move", err)
	}

	identifier := buildRetrieveDataset(query, level)
	c.setPending(messageID, sopClass)
	defer c.clearPending()
	if err := dimse.SendDIMSEMessage(c.assoc.conn, presContextID, c.assoc.maxPDULength, commandData, identifier.EncodeDataset()); err != nil {
		return nil, errors.NewCommunicationError("move", err)
	}

	result := &MoveResult{MessageID: messageID}
	for {
		msg, data, msgCtxID, err := dimse.ReceiveDIMSEMessageCtx(c.assoc.conn)
		if err != nil {
			return nil, errors.NewCommunicationError("move", err)
		}
		if msg.CommandField != dimse.CMoveRSP {
			return nil, errors.NewCommunicationError("move",
				fmt.Errorf("unexpected command during C-MOVE: 0x%04X", msg.CommandField))
		}

		if msg.Status == dimse.StatusPending {
			continue
		}

		result.Status = msg.Status
		if msg.NumberOfCompletedSuboperations != nil {
			result.Completed = int(*msg.NumberOfCompletedSuboperations)
		}
		if msg.NumberOfFailedSuboperations != nil {
			result.Failed = int(*msg.NumberOfFailedSuboperations)
		}
		if msg.NumberOfWarningSuboperations != nil {
			result.Warning = int(*msg.NumberOfWarningSuboperations)
		}

		if len(data) > 0 {
			ds, err := dicom.ParseDatasetWithTransferSyntax(data, c.assoc.TransferSyntaxFor(msgCtxID))
			if err != nil {
				c.logger.Warn("Failed to parse final C-MOVE identifier", "error", err)
			} else {
				result.FailedSOPInstanceUIDs = ds.GetStrings(tagFailedSOPInstances)
			}
		}

		return result, nil
	}
}
