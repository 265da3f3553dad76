// Package interfaces holds the contracts between the PDU, DIMSE and service
// layers. Keeping them here avoids import cycles between the layers.
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomtransfer/types"
)

// MessageContext carries association-level details for one DIMSE message,
// such as the negotiated transfer syntax of the presentation context the
// message arrived on and the AE titles from the association request.
type MessageContext struct {
	CallingAETitle        string
	CalledAETitle         string
	TransferSyntaxUID     string
	PresentationContextID byte
}

// ServiceHandler processes one complete DIMSE message and returns the
// response command with its optional dataset.
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, []byte, error)
}

// StreamingServiceHandler serves operations that produce several responses
// per request, such as C-FIND. Implementations push each response through
// the responder as it becomes available.
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error
}

// ResponseSender delivers one response on the originating presentation
// context.
type ResponseSender interface {
	SendResponse(msg *types.Message, data []byte) error
}

// DIMSEHandler is how the PDU layer hands received PDVs up to the DIMSE
// layer.
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer is how the DIMSE layer writes responses back down through the
// PDU layer.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, dataset []byte) error
}
