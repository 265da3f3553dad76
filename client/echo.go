package client

import (
	"fmt"

	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// CEchoResponse represents the result of a C-ECHO operation.
type CEchoResponse struct {
	Status    uint16
	MessageID uint16
}

// SendCEcho performs a DICOM C-ECHO (verification) request and returns the
// response status. A zero messageID is replaced with 1.
func (a *Association) SendCEcho(messageID uint16) (*CEchoResponse, error) {
	if messageID == 0 {
		messageID = 1
	}

	presContextID, err := a.GetPresentationContextID(types.VerificationSOPClass)
	if err != nil {
		return nil, err
	}

	rsp, _, err := a.roundTrip(presContextID, &types.Message{
		CommandField:        dimse.CEchoRQ,
		MessageID:           messageID,
		CommandDataSetType:  types.CommandDataSetNull,
		AffectedSOPClassUID: types.VerificationSOPClass,
	}, nil, dimse.CEchoRSP)
	if err != nil {
		return nil, fmt.Errorf("c-echo: %w", err)
	}

	return &CEchoResponse{
		Status:    rsp.Status,
		MessageID: rsp.MessageIDBeingRespondedTo,
	}, nil
}
