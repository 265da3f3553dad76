package services

import (
	"github.com/caio-sobreiro/dicomtransfer/dimse"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// ResponseBuilder derives DIMSE response messages from a request, carrying
// over the message ID and SOP class so individual services don't have to.
type ResponseBuilder struct {
	request *types.Message
}

// NewResponseBuilder creates a response builder for the given request.
func NewResponseBuilder(request *types.Message) *ResponseBuilder {
	return &ResponseBuilder{request: request}
}

// base fills the fields every response shares: the command field, the status,
// the request's message ID and SOP class, and the data set type marker.
func (b *ResponseBuilder) base(commandField, status uint16, hasDataset bool) *types.Message {
	msg := &types.Message{
		CommandField:              commandField,
		MessageIDBeingRespondedTo: b.request.MessageID,
		AffectedSOPClassUID:       b.request.AffectedSOPClassUID,
		Status:                    status,
	}
	if !hasDataset {
		msg.CommandDataSetType = types.CommandDataSetNull
	}
	return msg
}

// CEchoResponse creates a C-ECHO-RSP with the given status and no dataset.
func (b *ResponseBuilder) CEchoResponse(status uint16) *types.Message {
	msg := b.base(dimse.CEchoRSP, status, false)
	msg.AffectedSOPClassUID = types.VerificationSOPClass
	return msg
}

// CFindResponse creates a C-FIND-RSP. Pending matches carry a dataset,
// the final success response does not.
func (b *ResponseBuilder) CFindResponse(status uint16, hasDataset bool) *types.Message {
	return b.base(dimse.CFindRSP, status, hasDataset)
}

// CMoveResponse creates a C-MOVE-RSP with sub-operation counts. Counts that
// don't apply to the given status may be nil and are then omitted from the
// encoded command.
func (b *ResponseBuilder) CMoveResponse(status uint16, completed, failed, warning, remaining *uint16) *types.Message {
	msg := b.base(dimse.CMoveRSP, status, false)
	msg.NumberOfCompletedSuboperations = completed
	msg.NumberOfFailedSuboperations = failed
	msg.NumberOfWarningSuboperations = warning
	msg.NumberOfRemainingSuboperations = remaining
	return msg
}

// CStoreResponse creates a C-STORE-RSP. An empty sopInstanceUID falls back
// to the instance UID from the request.
func (b *ResponseBuilder) CStoreResponse(status uint16, sopInstanceUID string) *types.Message {
	if sopInstanceUID == "" {
		sopInstanceUID = b.request.AffectedSOPInstanceUID
	}

	msg := b.base(dimse.CStoreRSP, status, false)
	msg.AffectedSOPInstanceUID = sopInstanceUID
	return msg
}

// NewCEchoResponse creates a C-ECHO-RSP message from a request.
func NewCEchoResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CEchoResponse(status)
}

// NewCFindPendingResponse creates a pending C-FIND-RSP message (with dataset).
func NewCFindPendingResponse(request *types.Message) *types.Message {
	return NewResponseBuilder(request).CFindResponse(dimse.StatusPending, true)
}

// NewCFindSuccessResponse creates a final success C-FIND-RSP message (no dataset).
func NewCFindSuccessResponse(request *types.Message) *types.Message {
	return NewResponseBuilder(request).CFindResponse(dimse.StatusSuccess, false)
}

// NewCFindErrorResponse creates an error C-FIND-RSP message.
func NewCFindErrorResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CFindResponse(status, false)
}

// NewCMoveSuccessResponse creates the final success C-MOVE-RSP with the
// tallied sub-operation counts and zero remaining.
func NewCMoveSuccessResponse(request *types.Message, completed, failed, warning uint16) *types.Message {
	remaining := uint16(0)
	return NewResponseBuilder(request).CMoveResponse(
		dimse.StatusSuccess,
		&completed,
		&failed,
		&warning,
		&remaining,
	)
}

// NewCMovePendingResponse creates a pending C-MOVE-RSP with progress counts.
func NewCMovePendingResponse(request *types.Message, completed, failed, warning, remaining uint16) *types.Message {
	return NewResponseBuilder(request).CMoveResponse(
		dimse.StatusPending,
		&completed,
		&failed,
		&warning,
		&remaining,
	)
}

// NewCMoveErrorResponse creates an error C-MOVE-RSP without counts.
func NewCMoveErrorResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CMoveResponse(status, nil, nil, nil, nil)
}

// NewCStoreResponse creates a C-STORE-RSP echoing the request's instance UID.
func NewCStoreResponse(request *types.Message, status uint16) *types.Message {
	return NewResponseBuilder(request).CStoreResponse(status, "")
}
