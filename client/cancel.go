package client

import (
	"fmt"

	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// SendCCancel sends a C-CANCEL-RQ for a pending C-FIND or C-MOVE. The
// messageID must match the MessageID of the operation being cancelled.
// C-CANCEL gets no response of its own; the cancelled operation answers
// with a cancel status instead.
func (a *Association) SendCCancel(messageID uint16, sopClassUID string) error {
	switch {
	case messageID == 0:
		return fmt.Errorf("messageID must be non-zero for C-CANCEL")
	case sopClassUID == "":
		return fmt.Errorf("sopClassUID must be provided for C-CANCEL")
	}

	presContextID, err := a.GetPresentationContextID(sopClassUID)
	if err != nil {
		return err
	}

	err = a.sendCommand(presContextID, &types.Message{
		CommandField:              dimse.CCancelRQ,
		MessageIDBeingRespondedTo: messageID,
		CommandDataSetType:        types.CommandDataSetNull,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to send C-CANCEL request: %w", err)
	}

	a.logger.Debug("C-CANCEL sent", "messageID", messageID, "sopClassUID", sopClassUID)
	return nil
}
