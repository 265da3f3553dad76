package client

import (
	"fmt"
	"iter"
	"log/slog"

	"github.com/caio-sobreiro/dicomtransfer/dicom"
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/errors"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// CFindRequest describes a C-FIND query. An empty SOPClassUID defaults to
// the study root information model, a zero MessageID becomes 1.
type CFindRequest struct {
	SOPClassUID string
	MessageID   uint16
	Priority    uint16
	Dataset     *dicom.Dataset
}

// CFindResponse is one C-FIND-RSP from the peer. Pending matches carry a
// dataset, the final response does not.
type CFindResponse struct {
	Status    uint16
	MessageID uint16
	Dataset   *dicom.Dataset
}

// SendCFind runs a C-FIND query and returns all responses in arrival order.
// For a streaming variant with cancellation see Client.Find.
func (a *Association) SendCFind(req *CFindRequest) ([]*CFindResponse, error) {
	switch {
	case req == nil:
		return nil, fmt.Errorf("c-find request cannot be nil")
	case req.Dataset == nil:
		return nil, fmt.Errorf("c-find request requires a dataset")
	}

	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = types.StudyRootQueryRetrieveInformationModelFind
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
		CommandField:        dimse.CFindRQ,
		MessageID:           messageID,
		Priority:            req.Priority,
		AffectedSOPClassUID: sopClass,
	}, req.Dataset.EncodeDataset())
	if err != nil {
		return nil, fmt.Errorf("c-find: %w", err)
	}

	var responses []*CFindResponse
	for {
		msg, data, err := a.receiveDIMSEMessage()
		if err != nil {
			return nil, err
		}
		if msg.CommandField != dimse.CFindRSP {
			return nil, fmt.Errorf("unexpected command: 0x%04x (expected C-FIND-RSP)", msg.CommandField)
		}

		// A match dataset that fails to parse is reported without one.
		var dataset *dicom.Dataset
		if len(data) > 0 {
			dataset, err = dicom.ParseDataset(data)
			if err != nil {
				slog.Warn("Failed to parse C-FIND response dataset",
					"error", err,
					"message_id", msg.MessageIDBeingRespondedTo,
					"status", fmt.Sprintf("0x%04X", msg.Status))
			}
		}

		responses = append(responses, &CFindResponse{
			Status:    msg.Status,
			MessageID: msg.MessageIDBeingRespondedTo,
			Dataset:   dataset,
		})

		if msg.Status != dimse.StatusPending {
			return responses, nil
		}
	}
}

// Find runs a C-FIND at the given level and returns the matching records as a
// lazy sequence. Results stream as the archive produces them; client-side
// post-filters (birth date, description regex, modality list, series number)
// are applied before a record is yielded. Breaking out of the loop sends a
// C-CANCEL and drains the remaining pending responses, leaving the
// association usable. The query has no side effects, so an identical repeated
// Find returns the same records.
func (c *Client) Find(query *types.QueryRequest, level types.QueryLevel) iter.Seq2[*types.QueryResult, error] {
	return func(yield func(*types.QueryResult, error) bool) {
		if c.assoc == nil {
			yield(nil, errors.ErrNotOpen)
			return
		}

		filter, err := types.NewResultFilter(query)
		if err != nil {
			yield(nil, err)
			return
		}

		sopClass, err := c.queryRoot(
			types.PatientRootQueryRetrieveInformationModelFind,
			types.StudyRootQueryRetrieveInformationModelFind)
		if err != nil {
			yield(nil, errors.NewCommunicationError("find", err))
			return
		}

		presContextID, err := c.assoc.GetPresentationContextID(sopClass)
		if err != nil {
			yield(nil, errors.NewCommunicationError("find", err))
			return
		}

		messageID := c.messageID()
		command := &types.Message{
			CommandField:        dimse.CFindRQ,
			MessageID:           messageID,
			CommandDataSetType:  0x0000,
			AffectedSOPClassUID: sopClass,
		}
		commandData, err := dimse.EncodeCommand(command)
		if err != nil {
			yield(nil, errors.NewCommunicationError("find", err))
			return
		}

		identifier := buildFindDataset(query, level)
		if err := dimse.SendDIMSEMessage(c.assoc.conn, presContextID, c.assoc.maxPDULength, commandData, identifier.EncodeDataset()); err != nil {
			yield(nil, errors.NewCommunicationError("find", err))
			return
		}

		canceled := false
		for {
			msg, data, err := dimse.ReceiveDIMSEMessage(c.assoc.conn)
			if err != nil {
				if !canceled {
					yield(nil, errors.NewCommunicationError("find", err))
				}
				return
			}
			if msg.CommandField != dimse.CFindRSP {
				if !canceled {
					yield(nil, errors.NewCommunicationError("find",
						fmt.Errorf("unexpected command: 0x%04x (expected C-FIND-RSP)", msg.CommandField)))
				}
				return
			}

			if msg.Status != dimse.StatusPending {
				// Final response: success, cancel confirmation or failure.
				if !canceled && msg.Status != dimse.StatusSuccess && msg.Status != dimse.StatusCancel {
					yield(nil, errors.NewCommunicationError("find",
						fmt.Errorf("C-FIND failed with status 0x%04X", msg.Status)))
				}
				return
			}
			if canceled {
				// Drain pending responses until the SCP confirms.
				continue
			}

			if len(data) == 0 {
				continue
			}
			dataset, err := dicom.ParseDataset(data)
			if err != nil {
				c.logger.Warn("Failed to parse C-FIND response dataset",
					"error", err,
					"message_id", msg.MessageIDBeingRespondedTo)
				continue
			}

			result := resultFromDataset(dataset, level)
			if !filter.Matches(result) {
				continue
			}

			if !yield(result, nil) {
				if err := c.assoc.SendCCancel(messageID, sopClass); err != nil {
					c.logger.Warn("Failed to send C-CANCEL", "error", err)
					return
				}
				canceled = true
			}
		}
	}
}
