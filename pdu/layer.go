package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/caio-sobreiro/dicomtransfer/types"
)

// PDU types
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// maxIncomingPDU caps a single PDU read. Anything larger than this is a
// malformed or hostile peer, not a legitimate P-DATA-TF.
const maxIncomingPDU = 16 * 1024 * 1024

const (
	implementationClassUID    = "1.2.840.10008.1.2.1"
	implementationVersionName = "DICOMTRANSFER01"
)

// PDU represents a Protocol Data Unit
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// Layer handles the DICOM Upper Layer Protocol for one accepted connection.
type Layer struct {
	conn           net.Conn
	associationCtx *AssociationContext
	dimseHandler   DIMSEHandler
	serverAETitle  string
	logger         *slog.Logger
}

// AssociationContext holds the negotiated association state.
type AssociationContext struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	PresentationCtxs map[byte]*PresentationContext
}

// PresentationContext represents a negotiated presentation context
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

const (
	presentationResultAcceptance           byte = 0x00
	presentationResultRejectAbstractSyntax byte = 0x03
	presentationResultRejectTransferSyntax byte = 0x04
)

var supportedAbstractSyntaxes = map[string]bool{
	types.VerificationSOPClass:                              true,
	types.PatientRootQueryRetrieveInformationModelFind:      true,
	types.StudyRootQueryRetrieveInformationModelFind:        true,
	types.PatientStudyOnlyQueryRetrieveInformationModelFind: true,
	types.PatientRootQueryRetrieveInformationModelMove:      true,
	types.StudyRootQueryRetrieveInformationModelMove:        true,
	types.PatientStudyOnlyQueryRetrieveInformationModelMove: true,
	types.PatientRootQueryRetrieveInformationModelGet:       true,
	types.StudyRootQueryRetrieveInformationModelGet:         true,
	types.PatientStudyOnlyQueryRetrieveInformationModelGet:  true,
}

var supportedTransferSyntaxes = map[string]bool{
	types.ImplicitVRLittleEndian: true,
	types.ExplicitVRLittleEndian: true,
}

// normalizeUID strips the trailing null or space padding UIDs carry on the wire.
func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func supportsAbstractSyntax(uid string) bool {
	// Storage SOP classes are accepted wholesale for C-STORE.
	return supportedAbstractSyntaxes[uid] || types.IsStorageSOPClass(uid)
}

func supportsTransferSyntax(uid string) bool {
	return supportedTransferSyntaxes[uid]
}

// appendShortItem appends an association item or sub-item: type byte,
// reserved byte, big-endian 16-bit length, value.
func appendShortItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = append(buf, byte(len(value)>>8), byte(len(value)))
	return append(buf, value...)
}

// parsePresentationContext negotiates a single proposed presentation context.
// The first proposed transfer syntax we support wins; unsupported abstract
// syntaxes and transfer syntax lists produce the matching rejection result.
func parsePresentationContext(data []byte, logger *slog.Logger) (*PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short: %d", len(data))
	}

	ctxID := data[0]
	subOffset := 4 // skip result/reserved bytes
	var abstractSyntax string
	var transferSyntaxes []string

	for subOffset+4 <= len(data) {
		subItemType := data[subOffset]
		subItemLength := binary.BigEndian.Uint16(data[subOffset+2 : subOffset+4])
		valueStart := subOffset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctxID)
		}

		value := data[valueStart:valueEnd]
		switch subItemType {
		case 0x30:
			abstractSyntax = normalizeUID(value)
		case 0x40:
			transferSyntaxes = append(transferSyntaxes, normalizeUID(value))
		}

		subOffset = valueEnd
	}

	if abstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctxID)
	}

	result := presentationResultRejectAbstractSyntax
	selectedTransfer := ""

	if supportsAbstractSyntax(abstractSyntax) {
		result = presentationResultRejectTransferSyntax
		for _, ts := range transferSyntaxes {
			if supportsTransferSyntax(ts) {
				selectedTransfer = ts
				result = presentationResultAcceptance
				break
			}
		}
	}

	if logger != nil {
		logger.Debug("Negotiated presentation context",
			"context_id", ctxID,
			"abstract_syntax", abstractSyntax,
			"proposed_transfer_syntaxes", transferSyntaxes,
			"selected_transfer_syntax", selectedTransfer,
			"result", result)
	}

	return &PresentationContext{
		ID:             ctxID,
		Result:         result,
		AbstractSyntax: abstractSyntax,
		TransferSyntax: selectedTransfer,
	}, nil
}

// parseUserInformation extracts the peer's maximum PDU length from the
// user information item. Other sub-items are ignored.
func parseUserInformation(data []byte) (uint32, error) {
	offset := 0
	var maxPDULength uint32

	for offset+4 <= len(data) {
		subItemType := data[offset]
		subItemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subItemLength)
		if valueEnd > len(data) {
			return 0, fmt.Errorf("user information sub-item exceeds length")
		}

		if subItemType == 0x51 && subItemLength == 4 {
			maxPDULength = binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}

		offset = valueEnd
	}

	return maxPDULength, nil
}

// DIMSEHandler interface for handling DIMSE messages
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer *Layer) error
}

// NewLayer creates a PDU layer for one connection.
func NewLayer(conn net.Conn, dimseHandler DIMSEHandler, serverAETitle string, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		conn:          conn,
		dimseHandler:  dimseHandler,
		serverAETitle: serverAETitle,
		logger:        logger,
	}
}

// HandleConnection runs the full association lifecycle: association
// establishment, the DIMSE message loop, then release or abort.
func (p *Layer) HandleConnection() error {
	defer p.conn.Close()
	p.logger.Info("New DICOM connection", "remote_addr", p.conn.RemoteAddr())

	if err := p.handleAssociationPhase(); err != nil {
		return fmt.Errorf("association failed: %v", err)
	}

	for {
		pdu, err := p.readPDU()
		if err != nil {
			if err == io.EOF {
				p.logger.Info("Connection closed by client", "remote_addr", p.conn.RemoteAddr())
			} else {
				p.logger.Warn("Error reading PDU", "error", err, "remote_addr", p.conn.RemoteAddr())
			}
			break
		}

		if err := p.handlePDU(pdu); err != nil {
			if err == io.EOF {
				break // orderly release
			}
			return fmt.Errorf("error handling PDU: %v", err)
		}
	}

	return nil
}

// readPDU reads one complete PDU: 6-byte header then the declared payload.
func (p *Layer) readPDU() (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(p.conn, header); err != nil {
		return nil, err
	}

	pduType := header[0]
	pduLength := binary.BigEndian.Uint32(header[2:6])
	if pduLength > maxIncomingPDU {
		return nil, fmt.Errorf("PDU length %d exceeds limit", pduLength)
	}

	pduData := make([]byte, pduLength)
	if _, err := io.ReadFull(p.conn, pduData); err != nil {
		return nil, fmt.Errorf("failed to read PDU data: %v", err)
	}

	return &PDU{
		Type:   pduType,
		Length: pduLength,
		Data:   pduData,
	}, nil
}

func (p *Layer) handlePDU(pdu *PDU) error {
	p.logger.Debug("Received PDU", "type", fmt.Sprintf("0x%02x", pdu.Type), "length", pdu.Length)

	switch pdu.Type {
	case TypePDataTF:
		return p.handlePDataTF(pdu)
	case TypeReleaseRQ:
		return p.handleReleaseRequest()
	case TypeReleaseRP:
		p.logger.Debug("Received A-RELEASE-RP")
		return io.EOF
	case TypeAbort:
		p.logger.Info("Received A-ABORT")
		return io.EOF
	default:
		p.logger.Warn("Unhandled PDU type", "type", fmt.Sprintf("0x%02x", pdu.Type))
		return nil
	}
}

func (p *Layer) handleAssociationPhase() error {
	pdu, err := p.readPDU()
	if err != nil {
		return fmt.Errorf("failed to read association request: %v", err)
	}

	if pdu.Type != TypeAssociateRQ {
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type: 0x%02x", pdu.Type)
	}

	return p.handleAssociateRequest(pdu)
}

// handleAssociateRequest negotiates the association and answers with
// A-ASSOCIATE-AC.
func (p *Layer) handleAssociateRequest(pdu *PDU) error {
	p.logger.Debug("Processing A-ASSOCIATE-RQ")

	p.associationCtx = &AssociationContext{
		CalledAETitle:    p.serverAETitle,
		CallingAETitle:   "UNKNOWN",
		MaxPDULength:     16384,
		PresentationCtxs: make(map[byte]*PresentationContext),
	}

	if err := p.parseAssociationRequest(pdu); err != nil {
		// Malformed variable items: fall back to offering our defaults.
		p.logger.Debug("Using default presentation contexts", "reason", err)
	}

	if len(p.associationCtx.PresentationCtxs) == 0 {
		p.addDefaultPresentationContexts()
	}

	response := p.createAssociateAccept()
	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-ASSOCIATE-AC: %v", err)
	}

	p.logger.Debug("Sent A-ASSOCIATE-AC")
	return nil
}

// handlePDataTF unwraps the PDV and hands the fragment to the DIMSE layer.
func (p *Layer) handlePDataTF(pdu *PDU) error {
	if len(pdu.Data) < 6 {
		return fmt.Errorf("P-DATA-TF too short")
	}

	pdvLength := binary.BigEndian.Uint32(pdu.Data[0:4])
	if len(pdu.Data) < int(4+pdvLength) {
		return fmt.Errorf("incomplete PDV data")
	}

	pdvData := pdu.Data[4 : 4+pdvLength]
	if len(pdvData) < 2 {
		return fmt.Errorf("PDV data too short")
	}

	presContextID := pdvData[0]
	msgCtrlHeader := pdvData[1]
	dimseData := pdvData[2:]

	p.logger.Debug("Processing DIMSE fragment",
		"presentation_context_id", presContextID,
		"message_control_header", fmt.Sprintf("0x%02x", msgCtrlHeader))

	return p.dimseHandler.HandleDIMSEMessage(presContextID, msgCtrlHeader, dimseData, p)
}

// handleReleaseRequest answers A-RELEASE-RQ with A-RELEASE-RP and signals
// the end of the association.
func (p *Layer) handleReleaseRequest() error {
	p.logger.Debug("Processing A-RELEASE-RQ")

	response := []byte{TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if _, err := p.conn.Write(response); err != nil {
		return fmt.Errorf("failed to send A-RELEASE-RP: %v", err)
	}

	p.logger.Debug("Sent A-RELEASE-RP")
	return io.EOF
}

// writePDataPDU wraps one payload in a single PDV and writes it as a
// P-DATA-TF PDU.
func (p *Layer) writePDataPDU(presContextID byte, msgCtrlHeader byte, payload []byte) error {
	pdvLen := uint32(2 + len(payload)) // context ID + control header + payload

	buf := make([]byte, 0, 12+len(payload))
	buf = append(buf, TypePDataTF, 0x00)
	buf = binary.BigEndian.AppendUint32(buf, 4+pdvLen)
	buf = binary.BigEndian.AppendUint32(buf, pdvLen)
	buf = append(buf, presContextID, msgCtrlHeader)
	buf = append(buf, payload...)

	if _, err := p.conn.Write(buf); err != nil {
		return fmt.Errorf("failed to send P-DATA-TF: %v", err)
	}
	return nil
}

// SendDIMSEResponse sends a DIMSE command via P-DATA-TF.
func (p *Layer) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return p.SendDIMSEResponseWithDataset(presContextID, commandData, nil)
}

// SendDIMSEResponseWithDataset sends a DIMSE command and optional dataset,
// each as its own last-fragment PDV.
func (p *Layer) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	if err := p.writePDataPDU(presContextID, 0x03, commandData); err != nil {
		return err
	}
	if len(datasetData) > 0 {
		return p.writePDataPDU(presContextID, 0x02, datasetData)
	}
	return nil
}

// AssociationAETitles returns the called and calling AE titles negotiated on this association.
func (p *Layer) AssociationAETitles() (string, string) {
	if p.associationCtx == nil {
		return p.serverAETitle, ""
	}
	return p.associationCtx.CalledAETitle, p.associationCtx.CallingAETitle
}

// GetTransferSyntax returns the negotiated transfer syntax for the given presentation context.
func (p *Layer) GetTransferSyntax(presContextID byte) (string, error) {
	if p.associationCtx == nil {
		return "", fmt.Errorf("association context not initialized")
	}

	ctx, ok := p.associationCtx.PresentationCtxs[presContextID]
	if !ok {
		return "", fmt.Errorf("presentation context %d not found", presContextID)
	}

	if ctx.TransferSyntax == "" {
		return "", fmt.Errorf("no transfer syntax negotiated for presentation context %d", presContextID)
	}

	return ctx.TransferSyntax, nil
}

// createAssociateAccept builds the A-ASSOCIATE-AC PDU.
func (p *Layer) createAssociateAccept() []byte {
	// Fixed fields: protocol version, reserved, then the AE titles padded
	// with spaces to 16 bytes each.
	fixedFields := make([]byte, 68)
	binary.BigEndian.PutUint16(fixedFields[0:2], 0x0001)

	calledAE := p.associationCtx.CalledAETitle
	if len(calledAE) > 16 {
		calledAE = calledAE[:16]
	}
	callingAE := p.associationCtx.CallingAETitle
	if len(callingAE) > 16 {
		callingAE = callingAE[:16]
	}
	copy(fixedFields[4:20], fmt.Sprintf("%-16s", calledAE))
	copy(fixedFields[20:36], fmt.Sprintf("%-16s", callingAE))

	var items []byte
	items = appendShortItem(items, 0x10, []byte(types.ApplicationContextUID))

	// Stable context ordering keeps the AC reproducible.
	contextIDs := make([]byte, 0, len(p.associationCtx.PresentationCtxs))
	for id := range p.associationCtx.PresentationCtxs {
		contextIDs = append(contextIDs, id)
	}
	sort.Slice(contextIDs, func(i, j int) bool { return contextIDs[i] < contextIDs[j] })

	for _, id := range contextIDs {
		ctx := p.associationCtx.PresentationCtxs[id]

		// Some implementations (DCMTK, Orthanc) reject an AC that echoes
		// rejected contexts, so only accepted ones are included.
		if ctx.Result != presentationResultAcceptance {
			p.logger.Debug("Omitting rejected context from A-ASSOCIATE-AC",
				"context_id", ctx.ID,
				"result", ctx.Result)
			continue
		}
		if ctx.TransferSyntax == "" {
			// Accepting without a transfer syntax would be a protocol
			// violation. Demote to rejection and skip.
			p.logger.Error("Accepted presentation context missing transfer syntax",
				"context_id", ctx.ID,
				"abstract_syntax", ctx.AbstractSyntax)
			ctx.Result = presentationResultRejectTransferSyntax
			continue
		}

		var body []byte
		body = append(body, ctx.ID, ctx.Result, 0x00, 0x00)
		body = appendShortItem(body, 0x40, []byte(ctx.TransferSyntax))
		items = appendShortItem(items, 0x21, body)
	}

	var userInfo []byte
	userInfo = appendShortItem(userInfo, 0x51, binary.BigEndian.AppendUint32(nil, 16384))
	userInfo = appendShortItem(userInfo, 0x52, []byte(implementationClassUID))
	userInfo = appendShortItem(userInfo, 0x55, []byte(implementationVersionName))
	items = appendShortItem(items, 0x50, userInfo)

	pduData := append(fixedFields, items...)

	out := make([]byte, 0, 6+len(pduData))
	out = append(out, TypeAssociateAC, 0x00)
	out = binary.BigEndian.AppendUint32(out, uint32(len(pduData)))
	return append(out, pduData...)
}

// trimAETitle decodes a 16-byte AE title field, dropping null and space padding.
func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// parseAssociationRequest extracts AE titles, presentation contexts and the
// peer's max PDU length from an A-ASSOCIATE-RQ.
func (p *Layer) parseAssociationRequest(pdu *PDU) error {
	p.logger.Debug("Parsing association request", "pdu_length", len(pdu.Data))

	if len(pdu.Data) < 68 {
		return fmt.Errorf("association request too short")
	}

	data := pdu.Data
	calledAE := trimAETitle(data[4:20])
	callingAE := trimAETitle(data[20:36])

	if p.associationCtx != nil {
		p.associationCtx.CalledAETitle = calledAE
		p.associationCtx.CallingAETitle = callingAE
		p.associationCtx.PresentationCtxs = make(map[byte]*PresentationContext)
	}

	p.logger.Info("Association requested",
		"calling_ae", callingAE,
		"called_ae", calledAE)

	offset := 68
	var proposedContexts int
	var acceptedContexts int

	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return fmt.Errorf("association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x10: // application context, nothing to negotiate
		case 0x20:
			proposedContexts++
			ctx, err := parsePresentationContext(itemData, p.logger)
			if err != nil {
				p.logger.Warn("Failed to parse presentation context", "error", err)
			} else if p.associationCtx != nil {
				p.associationCtx.PresentationCtxs[ctx.ID] = ctx
				if ctx.Result == presentationResultAcceptance {
					acceptedContexts++
				}
			}
		case 0x50:
			if maxPDULength, err := parseUserInformation(itemData); err != nil {
				p.logger.Warn("Failed to parse user information", "error", err)
			} else if maxPDULength > 0 && p.associationCtx != nil {
				p.associationCtx.MaxPDULength = maxPDULength
			}
		default:
			p.logger.Debug("Skipping association item",
				"type", fmt.Sprintf("0x%02x", itemType),
				"length", itemLength)
		}

		offset = valueEnd
	}

	if proposedContexts == 0 {
		p.logger.Warn("No presentation contexts found in association request")
	} else {
		p.logger.Info("Negotiated presentation contexts",
			"proposed", proposedContexts,
			"accepted", acceptedContexts,
			"max_pdu_length", p.associationCtx.MaxPDULength)
	}

	return nil
}

// addDefaultPresentationContexts offers verification plus the query/retrieve
// models over Implicit VR when the request carried no parseable contexts.
func (p *Layer) addDefaultPresentationContexts() {
	defaults := []string{
		types.VerificationSOPClass,
		types.PatientRootQueryRetrieveInformationModelFind,
		types.StudyRootQueryRetrieveInformationModelFind,
		types.PatientStudyOnlyQueryRetrieveInformationModelFind,
		types.PatientRootQueryRetrieveInformationModelMove,
		types.StudyRootQueryRetrieveInformationModelMove,
		types.PatientStudyOnlyQueryRetrieveInformationModelMove,
	}

	// Odd context IDs, as an association requester would propose them.
	for i, abstractSyntax := range defaults {
		id := byte(2*i + 1)
		p.associationCtx.PresentationCtxs[id] = &PresentationContext{
			ID:             id,
			Result:         presentationResultAcceptance,
			AbstractSyntax: abstractSyntax,
			TransferSyntax: types.ImplicitVRLittleEndian,
		}
	}

	p.logger.Debug("Added default presentation contexts",
		"count", len(p.associationCtx.PresentationCtxs))
}
