package dimse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/dicomtransfer/interfaces"
	"github.com/caio-sobreiro/dicomtransfer/types"
)

// Command types
const (
	CStoreRQ  = 0x0001
	CStoreRSP = 0x8001
	CGetRQ    = 0x0010
	CGetRSP   = 0x8010
	CFindRQ   = 0x0020
	CFindRSP  = 0x8020
	CMoveRQ   = 0x0021
	CMoveRSP  = 0x8021
	CEchoRQ   = 0x0030
	CEchoRSP  = 0x8030
	CCancelRQ = 0x0FFF
)

// Status codes
const (
	StatusSuccess = 0x0000
	StatusPending = 0xFF00
	StatusFailure = 0xC000
	StatusCancel  = 0xFE00
)

// PDULayer is what the service needs from the association: writing responses
// and looking up the negotiated state of a presentation context.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
	AssociationAETitles() (calledAE, callingAE string)
}

// Service assembles inbound PDVs into complete DIMSE messages and routes
// them to the configured handler. One instance serves one association.
type Service struct {
	handler     interfaces.ServiceHandler
	commandData []byte
	datasetData []byte
	currentMsg  *types.Message
	logger      *slog.Logger
}

// responseHandler lets streaming handlers emit responses on the presentation
// context the request arrived on.
type responseHandler struct {
	service       *Service
	presContextID byte
	pduLayer      PDULayer
}

func (r *responseHandler) SendResponse(msg *types.Message, data []byte) error {
	return r.service.sendDIMSEResponse(msg, data, r.presContextID, r.pduLayer)
}

// NewService creates a DIMSE service routing to the given handler. A nil
// logger falls back to slog.Default.
func NewService(handler interfaces.ServiceHandler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{handler: handler, logger: logger}
}

// HandleDIMSEMessage consumes one PDV. Fragments accumulate until the
// command set, and its dataset when one is announced, have arrived in full;
// the complete message is then dispatched to the handler.
func (d *Service) HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error {
	ctx := context.Background()

	isCommand := msgCtrlHeader&pdvCommand != 0
	isLast := msgCtrlHeader&pdvLastFragment != 0

	d.logger.Debug("received PDV",
		"context_id", presContextID,
		"command", isCommand,
		"last_fragment", isLast,
		"size_bytes", len(data))

	if !isCommand {
		d.datasetData = append(d.datasetData, data...)
		if !isLast {
			return nil
		}
		return d.processCompleteMessage(ctx, presContextID, pduLayer)
	}

	d.commandData = append(d.commandData, data...)
	if !isLast {
		return nil
	}

	msg, err := DecodeCommand(d.commandData)
	if err != nil {
		return fmt.Errorf("failed to parse DIMSE command: %v", err)
	}
	d.currentMsg = msg

	if msg.HasDataset() {
		// Dataset PDVs follow on the same context.
		return nil
	}
	return d.processCompleteMessage(ctx, presContextID, pduLayer)
}

// reset clears the per-message assembly state.
func (d *Service) reset() {
	d.commandData = nil
	d.datasetData = nil
	d.currentMsg = nil
}

// processCompleteMessage processes a complete DIMSE message (command + optional dataset)
func (d *Service) processCompleteMessage(ctx context.Context, presContextID byte, pduLayer PDULayer) error {
	if d.currentMsg == nil {
		return fmt.Errorf("no current message to process")
	}

	msg, dataset := d.currentMsg, d.datasetData
	defer d.reset()

	d.logger.InfoContext(ctx, "Processing complete DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID,
		"dataset_size", len(dataset))

	meta := d.messageContext(presContextID, pduLayer)

	// Multi-response operations (C-FIND, C-MOVE) stream their responses.
	if streamingHandler, ok := d.handler.(interfaces.StreamingServiceHandler); ok {
		responder := &responseHandler{
			service:       d,
			presContextID: presContextID,
			pduLayer:      pduLayer,
		}
		return streamingHandler.HandleDIMSEStreaming(ctx, msg, dataset, meta, responder)
	}

	responseMsg, responseData, err := d.handler.HandleDIMSE(ctx, msg, dataset, meta)
	if err != nil {
		return fmt.Errorf("service handler failed: %v", err)
	}

	return d.sendDIMSEResponse(responseMsg, responseData, presContextID, pduLayer)
}

// messageContext assembles association-level details for the current message.
// A missing transfer syntax is left empty so handlers can apply their own default.
func (d *Service) messageContext(presContextID byte, pduLayer PDULayer) interfaces.MessageContext {
	meta := interfaces.MessageContext{PresentationContextID: presContextID}
	meta.CalledAETitle, meta.CallingAETitle = pduLayer.AssociationAETitles()

	ts, err := pduLayer.GetTransferSyntax(presContextID)
	if err != nil {
		d.logger.Debug("Transfer syntax lookup failed",
			"context_id", presContextID,
			"error", err)
	} else {
		meta.TransferSyntaxUID = ts
	}
	return meta
}

// sendDIMSEResponse encodes the response command and writes it together with
// the optional dataset on the given presentation context.
func (d *Service) sendDIMSEResponse(msg *types.Message, data []byte, presContextID byte, pduLayer PDULayer) error {
	commandData, err := EncodeCommand(msg)
	if err != nil {
		return fmt.Errorf("failed to encode response command: %w", err)
	}
	return pduLayer.SendDIMSEResponseWithDataset(presContextID, commandData, data)
}
